package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"AzanFM/logger"
)

// OriginDownloadFunc 绕过 HTTP 直接从源站存储拉取对象的兜底通道
type OriginDownloadFunc func(ctx context.Context, objectName, destPath string) (int64, error)

// Fetcher 按候选链下载分片并写入磁盘缓存
// 同一缓存键的并发下载会被合并，后到者等待先行者的结果
type Fetcher struct {
	index    *CacheIndex
	resolver *SourceResolver
	cacheDir string

	httpClient     *http.Client
	originDownload OriginDownloadFunc
	objectName     func(originURL string) string

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

// NewFetcher 创建下载器
// originDownload 与 objectName 可为 nil，此时没有源站直连兜底
func NewFetcher(index *CacheIndex, resolver *SourceResolver, cacheDir string, originDownload OriginDownloadFunc, objectName func(string) string) *Fetcher {
	return &Fetcher{
		index:          index,
		resolver:       resolver,
		cacheDir:       cacheDir,
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
		originDownload: originDownload,
		objectName:     objectName,
		inflight:       make(map[string]chan struct{}),
	}
}

// EnsureSegment 确保缓存键对应的内容已在本地磁盘，返回本地路径
// 缓存命中直接返回；未命中则沿候选链下载并登记到索引
func (f *Fetcher) EnsureSegment(ctx context.Context, cacheKey, assetID, segmentURL string) (string, error) {
	if localPath, found := f.index.Lookup(ctx, cacheKey); found {
		return localPath, nil
	}

	// 并发去重：同一键只允许一个下载在途
	done, owner := f.acquire(cacheKey)
	if !owner {
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		// 先行者已完成，命中则复用其结果
		if localPath, found := f.index.Lookup(ctx, cacheKey); found {
			return localPath, nil
		}
		return "", fmt.Errorf("%w: concurrent fetch for %s failed", ErrSourceResolution, cacheKey)
	}
	defer f.release(cacheKey, done)

	candidates := f.resolver.BuildCandidates(ctx, assetID, segmentURL)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates for %s", ErrSourceResolution, cacheKey)
	}

	destPath := f.localPathFor(cacheKey)
	var lastErr error

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		err := f.downloadToFile(ctx, candidate.URL, destPath)
		if err != nil {
			// 单个源失败沿候选链降级，不上抛
			logger.Debug("候选源下载失败，尝试下一个",
				logger.String("cacheKey", cacheKey),
				logger.String("source", candidate.Source),
				logger.ErrorField(err))
			lastErr = err
			continue
		}

		if err := f.index.Put(ctx, cacheKey, candidate.URL, destPath); err != nil {
			// 缓存登记失败降级为不缓存，不影响本次结果
			logger.Warn("缓存登记失败，本次下载不入缓存",
				logger.String("cacheKey", cacheKey),
				logger.ErrorField(err))
		}
		return destPath, nil
	}

	// 最后兜底：直接从源站存储读取对象
	if f.originDownload != nil && f.objectName != nil {
		object := f.objectName(segmentURL)
		if _, err := f.originDownload(ctx, object, destPath); err == nil {
			if err := f.index.Put(ctx, cacheKey, segmentURL, destPath); err != nil {
				logger.Warn("缓存登记失败，本次下载不入缓存",
					logger.String("cacheKey", cacheKey),
					logger.ErrorField(err))
			}
			return destPath, nil
		} else {
			lastErr = err
		}
	}

	return "", fmt.Errorf("%w: %s: %v", ErrSourceResolution, cacheKey, lastErr)
}

// downloadToFile 下载单个地址到目标路径，先写临时文件再原子改名
func (f *Fetcher) downloadToFile(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("下载请求失败，状态码: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrStorage, err)
	}

	tempPath := destPath + ".part"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("%w: create: %v", ErrStorage, err)
	}

	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: close: %v", ErrStorage, closeErr)
	}
	if written == 0 {
		os.Remove(tempPath)
		return fmt.Errorf("下载内容为空")
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

// localPathFor 缓存键到磁盘文件路径的映射
func (f *Fetcher) localPathFor(cacheKey string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, cacheKey)
	return filepath.Join(f.cacheDir, safe+".seg")
}

// acquire 尝试成为缓存键的在途下载者
func (f *Fetcher) acquire(cacheKey string) (chan struct{}, bool) {
	f.inflightMu.Lock()
	defer f.inflightMu.Unlock()

	if done, exists := f.inflight[cacheKey]; exists {
		return done, false
	}
	done := make(chan struct{})
	f.inflight[cacheKey] = done
	return done, true
}

// release 结束在途状态并唤醒等待者
func (f *Fetcher) release(cacheKey string, done chan struct{}) {
	f.inflightMu.Lock()
	delete(f.inflight, cacheKey)
	f.inflightMu.Unlock()
	close(done)
}
