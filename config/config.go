package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config 存储应用配置
// 流媒体引擎的参数在进程启动时加载一次，运行期间不热更新
type Config struct {
	// HTTP 服务
	ServerAddr string

	// 音频缓存目录（分片文件落盘位置）
	CacheDir string

	// 流媒体引擎参数
	BufferSizeSec        int     // 目标缓冲时长（秒）
	PreloadDurationSec   int     // 预加载时长（秒）
	MaxConcurrentStreams int     // 最大并发播放会话数
	MaxCacheSizeMB       float64 // 磁盘缓存上限（MB）
	CacheExpiryHours     int     // 缓存条目过期时间（小时）
	SegmentDurationSec   int     // 分片时长（秒）
	NominalBitrateKbps   int     // 估算分片大小用的标称码率

	// CDN 源配置
	PrimaryCDNBase   string // 主 CDN 镜像基础地址
	SecondaryCDNBase string // 备用 CDN 镜像基础地址

	// 数据库配置
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO 源站存储配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// 鉴权
	JWTSecret string

	// 日志
	LogLevel string
	LogPath  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvFloat gets an environment variable as float64 or returns a default value.
func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		CacheDir: getEnv("CACHE_DIR", filepath.Join("data", "audio_cache")),

		BufferSizeSec:        getEnvInt("BUFFER_SIZE_SEC", 30),
		PreloadDurationSec:   getEnvInt("PRELOAD_DURATION_SEC", 10),
		MaxConcurrentStreams: getEnvInt("MAX_CONCURRENT_STREAMS", 3),
		MaxCacheSizeMB:       getEnvFloat("MAX_CACHE_SIZE_MB", 500),
		CacheExpiryHours:     getEnvInt("CACHE_EXPIRY_HOURS", 168), // 默认7天
		SegmentDurationSec:   getEnvInt("SEGMENT_DURATION_SEC", 15),
		NominalBitrateKbps:   getEnvInt("NOMINAL_BITRATE_KBPS", 128),

		PrimaryCDNBase:   getEnv("PRIMARY_CDN_BASE", "https://cdn1.azanfm.app/audio"),
		SecondaryCDNBase: getEnv("SECONDARY_CDN_BASE", "https://cdn2.azanfm.app/audio"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "azanfm"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "azanfm-audio"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		JWTSecret: getEnv("JWT_SECRET", "azanfm-dev-secret"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", filepath.Join("logs", "azanfm.log")),
	}
}
