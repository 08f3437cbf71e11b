package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AzanFM/config"
	"AzanFM/core/cdn"
	"AzanFM/core/stream"
	"AzanFM/db"
	"AzanFM/logger"
	"AzanFM/repository"
	"AzanFM/storage"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	// 缓存目录
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		logger.Fatal("创建缓存目录失败",
			logger.String("dir", cfg.CacheDir),
			logger.ErrorField(err))
	}

	// Redis：索引持久化后端，不可用时降级为内存索引（重启后丢失，不影响播放）
	var blobStore cdn.BlobStore
	if err := db.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 不可用，缓存索引降级为内存模式", logger.ErrorField(err))
		blobStore = cdn.NewMemoryBlobStore()
	} else {
		defer db.CloseRedis()
		blobStore = cdn.NewRedisBlobStore(db.RedisClient)
		logger.Info("Successfully connected to Redis")
	}

	// MinIO：源站存储，不可用时解析链只剩 CDN 镜像和规范地址
	var presign cdn.PresignFunc
	var originDownload cdn.OriginDownloadFunc
	var objectName func(string) string
	if err := storage.InitMinio(cfg); err != nil {
		logger.Warn("MinIO 不可用，源站候选退化为规范地址", logger.ErrorField(err))
	} else {
		presign = storage.PresignObjectURL
		originDownload = storage.DownloadObject
		objectName = storage.ObjectNameFromURL
	}

	// MySQL：资产目录，不可用时只接受显式传地址的会话
	var assetRepo repository.AssetRepository
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("数据库不可用，资产目录功能关闭", logger.ErrorField(err))
	} else {
		defer db.CloseGormDB()
		if err := db.InitSchema(); err != nil {
			logger.Fatal("初始化数据库表结构失败", logger.ErrorField(err))
		}
		assetRepo = repository.NewGormAssetRepository(db.GormDB)
	}

	// 引擎装配
	ctx := context.Background()
	index := cdn.NewCacheIndex(ctx, blobStore, cdn.CacheIndexConfig{
		MaxCacheSizeMB:   cfg.MaxCacheSizeMB,
		CacheExpiryHours: cfg.CacheExpiryHours,
	})
	resolver := cdn.NewSourceResolver(cfg.PrimaryCDNBase, cfg.SecondaryCDNBase, presign, objectName)
	fetcher := cdn.NewFetcher(index, resolver, cfg.CacheDir, originDownload, objectName)
	planner := stream.NewSegmentPlanner(cfg.SegmentDurationSec, cfg.NominalBitrateKbps)

	streamCfg := stream.DefaultConfig()
	streamCfg.MaxConcurrentStreams = cfg.MaxConcurrentStreams
	streamCfg.TargetBufferSec = float64(cfg.BufferSizeSec)

	registry := stream.NewRegistry(planner, index, resolver, fetcher, streamCfg)
	registry.Start()
	defer registry.Stop()

	// 缓存目录监听：文件被外部删除时立即清除索引条目
	watcher, err := cdn.NewCacheWatcher(index, cfg.CacheDir)
	if err != nil {
		logger.Warn("缓存目录监听启动失败，改为惰性清除", logger.ErrorField(err))
	} else {
		defer watcher.Stop()
	}

	apiHandler := NewAPIHandler(registry, index, assetRepo, cfg)

	router := mux.NewRouter()
	router.Use(CORSMiddleware)

	// 流媒体会话 API
	router.HandleFunc("/api/stream/sessions", apiHandler.AuthMiddleware(apiHandler.CreateSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/stream/sessions/{session_id}", apiHandler.AuthMiddleware(apiHandler.GetSessionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/stream/sessions/{session_id}/start", apiHandler.AuthMiddleware(apiHandler.StartStreamingHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/stream/sessions/{session_id}/stop", apiHandler.AuthMiddleware(apiHandler.StopStreamingHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/stream/sessions/{session_id}/position", apiHandler.AuthMiddleware(apiHandler.PositionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/stream/stats", apiHandler.AuthMiddleware(apiHandler.StatsHandler)).Methods(http.MethodGet)

	// 播放进度长连接（凭证在握手时校验，取 token 查询参数或 Authorization 头）
	router.HandleFunc("/ws/stream/{session_id}/position", apiHandler.WSPositionHandler)

	// 资产目录
	router.HandleFunc("/api/assets", apiHandler.AuthMiddleware(apiHandler.AssetsHandler)).Methods(http.MethodGet)

	// 缓存运维接口
	router.HandleFunc("/api/cache/stats", apiHandler.AuthMiddleware(apiHandler.CacheStatsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/cache/cleanup", apiHandler.AuthMiddleware(apiHandler.CacheCleanupHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/cache", apiHandler.AuthMiddleware(apiHandler.CacheClearHandler)).Methods(http.MethodDelete)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 优雅退出
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("收到退出信号，正在关闭服务")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP 服务关闭失败", logger.ErrorField(err))
		}
		close(done)
	}()

	logger.Info("AzanFM 流媒体服务启动", logger.String("addr", cfg.ServerAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("HTTP 服务启动失败", logger.ErrorField(err))
	}

	<-done
}
