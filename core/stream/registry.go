package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"AzanFM/core/cdn"
	"AzanFM/logger"

	"github.com/google/uuid"
)

const (
	// initialPreloadSegments 会话创建时预加载的分片数
	initialPreloadSegments = 3

	// HandleSourceCache 首分片命中本地缓存时的句柄来源标记
	HandleSourceCache = "cache"
)

// Config 流媒体注册表配置
type Config struct {
	MaxConcurrentStreams int
	TargetBufferSec      float64
	PreloadConcurrency   int
	DefaultDurationSec   float64
	SweepInterval        time.Duration
	IdleSessionMaxAge    time.Duration
	CompletedGrace       time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 3,
		TargetBufferSec:      30,
		PreloadConcurrency:   3,
		DefaultDurationSec:   300,
		SweepInterval:        5 * time.Minute,
		IdleSessionMaxAge:    30 * time.Minute,
		CompletedGrace:       5 * time.Minute,
	}
}

// EngineStats 引擎统计，供 UI 层展示
type EngineStats struct {
	ActiveSessions   int     `json:"activeSessions"`
	TotalDataSavedMB float64 `json:"totalDataSavedMB"`
	BufferEfficiency float64 `json:"bufferEfficiency"`
	CacheHitRate     float64 `json:"cacheHitRate"`
}

// Registry 播放会话注册表
// 独占持有会话表，会话字段只能经由注册表（及其预加载器）修改
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*StreamingSession

	// 开播准入串行化：并发计数检查与 IsStreaming 翻转之间不允许插入其他开播
	admitMu sync.Mutex

	planner   *SegmentPlanner
	index     *cdn.CacheIndex
	resolver  *cdn.SourceResolver
	preloader *Preloader
	cfg       Config

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry 创建注册表
func NewRegistry(planner *SegmentPlanner, index *cdn.CacheIndex, resolver *cdn.SourceResolver, fetcher *cdn.Fetcher, cfg Config) *Registry {
	r := &Registry{
		sessions: make(map[string]*StreamingSession),
		planner:  planner,
		index:    index,
		resolver: resolver,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
	r.preloader = NewPreloader(r, index, fetcher, cfg)
	return r
}

// Preloader 返回缓冲监控与预加载器
func (r *Registry) Preloader() *Preloader {
	return r.preloader
}

// Start 启动空闲会话清扫循环
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
	logger.Info("会话注册表已启动",
		logger.Int("maxConcurrentStreams", r.cfg.MaxConcurrentStreams),
		logger.Duration("sweepInterval", r.cfg.SweepInterval))
}

// Stop 停止后台循环并释放全部会话
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.removalTimer != nil {
			s.removalTimer.Stop()
		}
		s.IsStreaming = false
		s.Handle = nil
		s.mu.Unlock()
		delete(r.sessions, id)
	}
	logger.Info("会话注册表已停止")
}

// CreateSession 创建播放会话
// 地址为空或格式错误也照常创建，失败推迟到 StartStreaming 暴露
// durationSec 为 nil 时用默认估计时长做规划；显式传入非正值则生成退化计划
func (r *Registry) CreateSession(ctx context.Context, audioID, originURL string, durationSec *float64) string {
	duration := r.cfg.DefaultDurationSec
	if durationSec != nil {
		duration = *durationSec
	}

	nowMs := time.Now().UnixMilli()
	// 毫秒时间戳编码进 ID 供空闲清扫推算年龄，uuid 后缀避免同毫秒冲突
	sessionID := fmt.Sprintf("%s_%d_%s", audioID, nowMs, uuid.NewString()[:8])

	segments := r.planner.Plan(audioID, originURL, duration)
	for i := range segments {
		segments[i].Cached = r.index.Contains(SegmentCacheKey(audioID, i))
	}

	session := &StreamingSession{
		ID:               sessionID,
		AudioID:          audioID,
		OriginURL:        originURL,
		Segments:         segments,
		TotalDurationSec: duration,
		CreatedAtMs:      nowMs,
	}

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	logger.Info("播放会话已创建",
		logger.String("sessionId", sessionID),
		logger.String("audioId", audioID),
		logger.Int("segments", len(segments)),
		logger.Float64("durationSec", duration))

	// 预加载前几个分片，尽力而为，失败不阻塞会话创建
	go func() {
		if err := r.preloader.PreloadBatch(context.Background(), sessionID, 0, initialPreloadSegments); err != nil {
			logger.Debug("创建时预加载未完成",
				logger.String("sessionId", sessionID),
				logger.ErrorField(err))
		}
	}()

	return sessionID
}

// StartStreaming 开始播放
// 首分片优先取本地缓存，未命中时直接用解析出的源地址，不等待缓存写入
func (r *Registry) StartStreaming(ctx context.Context, sessionID string) (*PlaybackHandle, error) {
	session := r.get(sessionID)
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	// 并发上限检查（不含目标会话自身）
	// 检查和翻转之间持有准入锁，并发开播不会一起越过上限
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if active := r.activeCountExcept(sessionID); active >= r.cfg.MaxConcurrentStreams {
		return nil, fmt.Errorf("%w: %d active", ErrConcurrencyLimit, active)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.IsStreaming && session.Handle != nil {
		return session.Handle, nil
	}

	firstSeg := session.Segments[0]
	segKey := SegmentCacheKey(session.AudioID, 0)

	var handle *PlaybackHandle
	if localPath, found := r.index.Lookup(ctx, segKey); found {
		handle = &PlaybackHandle{
			SessionID:   sessionID,
			SegmentURL:  localPath,
			Source:      HandleSourceCache,
			StartedAtMs: time.Now().UnixMilli(),
		}
	} else {
		candidates := r.resolver.BuildCandidates(ctx, session.AudioID, firstSeg.URL)
		if len(candidates) == 0 {
			logger.Warn("首分片无可用候选源",
				logger.String("sessionId", sessionID),
				logger.String("audioId", session.AudioID))
			return nil, fmt.Errorf("%w: session %s", cdn.ErrSourceResolution, sessionID)
		}
		handle = &PlaybackHandle{
			SessionID:   sessionID,
			SegmentURL:  candidates[0].URL,
			Source:      candidates[0].Source,
			StartedAtMs: time.Now().UnixMilli(),
		}
	}

	if session.removalTimer != nil {
		session.removalTimer.Stop()
		session.removalTimer = nil
	}

	session.IsStreaming = true
	session.CurrentSegmentIndex = 0
	session.Handle = handle

	logger.Info("开始播放",
		logger.String("sessionId", sessionID),
		logger.String("source", handle.Source))

	// 异步预加载后续分片
	go func() {
		if err := r.preloader.PreloadBatch(context.Background(), sessionID, 1, normalPreloadBatch); err != nil {
			logger.Debug("开播预加载未完成",
				logger.String("sessionId", sessionID),
				logger.ErrorField(err))
		}
	}()

	return handle, nil
}

// StopStreaming 停止播放
// 幂等：未知或已停止的会话 ID 是空操作，永不报错
func (r *Registry) StopStreaming(sessionID string) {
	session := r.get(sessionID)
	if session == nil {
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.IsStreaming {
		return
	}

	session.IsStreaming = false
	session.Handle = nil
	logger.Info("停止播放", logger.String("sessionId", sessionID))
}

// OnPlaybackComplete 播放自然结束
// 会话保留一段宽限期，短时间内重播同一内容免去重新规划
func (r *Registry) OnPlaybackComplete(sessionID string) {
	session := r.get(sessionID)
	if session == nil {
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.IsStreaming = false
	session.Handle = nil

	if session.removalTimer != nil {
		session.removalTimer.Stop()
	}
	session.removalTimer = time.AfterFunc(r.cfg.CompletedGrace, func() {
		r.remove(sessionID)
	})

	logger.Info("播放完成，会话进入宽限期",
		logger.String("sessionId", sessionID),
		logger.Duration("grace", r.cfg.CompletedGrace))
}

// GetSession 查询会话快照
func (r *Registry) GetSession(sessionID string) (SessionSnapshot, error) {
	session := r.get(sessionID)
	if session == nil {
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.Snapshot(), nil
}

// GetStats 汇总引擎统计
func (r *Registry) GetStats() EngineStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	healthSum := 0.0
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.IsStreaming {
			active++
			healthSum += s.BufferHealthPct
		}
		s.mu.Unlock()
	}

	efficiency := 0.0
	if active > 0 {
		efficiency = healthSum / float64(active)
	}

	cacheStats := r.index.Stats()
	return EngineStats{
		ActiveSessions:   active,
		TotalDataSavedMB: cacheStats.DataSavedMB,
		BufferEfficiency: efficiency,
		CacheHitRate:     cacheStats.HitRate,
	}
}

// SessionCount 当前注册的会话总数（含未播放的）
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ========== 内部方法 ==========

func (r *Registry) get(sessionID string) *StreamingSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if exists {
		session.mu.Lock()
		if session.removalTimer != nil {
			session.removalTimer.Stop()
		}
		session.IsStreaming = false
		session.Handle = nil
		session.mu.Unlock()
		logger.Debug("会话已移除", logger.String("sessionId", sessionID))
	}
}

// activeCountExcept 正在播放的会话数，排除指定会话
func (r *Registry) activeCountExcept(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for id, s := range r.sessions {
		if id == sessionID {
			continue
		}
		if s.streaming() {
			count++
		}
	}
	return count
}

// sweepLoop 周期清扫空闲会话
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

// sweepIdle 移除超龄的非播放会话，年龄按 ID 中编码的创建时间推算
func (r *Registry) sweepIdle() {
	nowMs := time.Now().UnixMilli()
	maxAgeMs := r.cfg.IdleSessionMaxAge.Milliseconds()

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.streaming() {
			continue
		}
		createdMs, ok := sessionCreatedAtMs(id)
		if !ok {
			createdMs = s.CreatedAtMs
		}
		if nowMs-createdMs > maxAgeMs {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.remove(id)
	}

	if len(stale) > 0 {
		logger.Info("空闲会话清扫完成", logger.Int("removed", len(stale)))
	}
}

// sessionCreatedAtMs 从会话 ID 解析创建时间戳
// ID 格式: <audioId>_<unixMillis>_<uuid前8位>，audioId 自身可能含下划线，从尾部取
func sessionCreatedAtMs(sessionID string) (int64, bool) {
	parts := strings.Split(sessionID, "_")
	if len(parts) < 3 {
		return 0, false
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
