package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AzanFM/config"
	"AzanFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	minioClient *minio.Client
	minioBucket string
)

// InitMinio 初始化 MinIO 客户端并验证存储桶
func InitMinio(cfg *config.Config) error {
	logger.Info("正在连接 MinIO 源站存储",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 检查存储桶是否存在
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{
			Region: cfg.MinioRegion,
		})
		if err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = client
	minioBucket = cfg.MinioBucket
	return nil
}

// PresignObjectURL 为源站对象生成预签名GET地址
// 对象键取资产规范地址的文件名部分
func PresignObjectURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if minioClient == nil {
		return "", fmt.Errorf("MinIO client not initialized")
	}

	presigned, err := minioClient.PresignedGetObject(ctx, minioBucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("生成预签名地址失败: %w", err)
	}

	return presigned.String(), nil
}

// DownloadObject 将源站对象下载到本地文件
// 先写临时文件再重命名，避免留下半截文件
func DownloadObject(ctx context.Context, objectName, destPath string) (int64, error) {
	if minioClient == nil {
		return 0, fmt.Errorf("MinIO client not initialized")
	}

	object, err := minioClient.GetObject(ctx, minioBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("获取源站对象失败: %w", err)
	}
	defer object.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("创建目标目录失败: %w", err)
	}

	tempPath := destPath + ".part"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}

	written, err := io.Copy(out, object)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("写入源站对象失败: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("关闭临时文件失败: %w", closeErr)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("重命名缓存文件失败: %w", err)
	}

	logger.Debug("源站对象下载完成",
		logger.String("object", objectName),
		logger.Int64("bytes", written))

	return written, nil
}

// ObjectNameFromURL 从规范地址推导对象键
// 例如 https://origin.azanfm.app/audio/adhan/makkah.mp3 -> adhan/makkah.mp3
func ObjectNameFromURL(originURL string) string {
	parsed, err := url.Parse(originURL)
	if err != nil || parsed.Path == "" {
		return strings.TrimPrefix(originURL, "/")
	}
	path := strings.TrimPrefix(parsed.Path, "/")
	// 去掉桶名或固定的 audio 前缀
	if idx := strings.Index(path, "/"); idx >= 0 {
		if first := path[:idx]; first == minioBucket || first == "audio" {
			return path[idx+1:]
		}
	}
	return path
}

// TestMinio 测试 MinIO 连接和基本操作
func TestMinio() error {
	if minioClient == nil {
		return fmt.Errorf("MinIO client not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testObjectName := "test/connection.txt"
	testContent := "AzanFM MinIO connection check at " + time.Now().Format(time.RFC3339)

	_, err := minioClient.PutObject(ctx, minioBucket, testObjectName,
		strings.NewReader(testContent), int64(len(testContent)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("上传测试文件失败: %w", err)
	}

	object, err := minioClient.GetObject(ctx, minioBucket, testObjectName, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("读取测试文件失败: %w", err)
	}
	defer object.Close()

	if _, err := io.ReadAll(object); err != nil {
		return fmt.Errorf("读取测试文件内容失败: %w", err)
	}

	return nil
}
