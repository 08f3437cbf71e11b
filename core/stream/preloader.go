package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AzanFM/core/cdn"
	"AzanFM/logger"
)

const (
	// normalPreloadBatch / aggressivePreloadBatch 普通与激进预加载批量
	normalPreloadBatch     = 3
	aggressivePreloadBatch = 5

	// lowHealthThresholdPct 低于此健康度时切换激进预加载
	lowHealthThresholdPct = 30.0

	// segmentTransitionWindowSec 距当前分片结束多少秒内推进到下一分片
	segmentTransitionWindowSec = 2.0

	// maxPreloadConcurrency 单个子批次的并发下载数上限
	maxPreloadConcurrency = 5

	// subBatchPause 子批次之间的停顿，避免打满设备网络栈
	subBatchPause = 200 * time.Millisecond
)

// Preloader 缓冲健康监控与分片预加载
// 消费播放进度回调，计算缓冲健康度并调度受限并发的后台下载
type Preloader struct {
	registry *Registry
	index    *cdn.CacheIndex
	fetcher  *cdn.Fetcher
	cfg      Config
}

// NewPreloader 创建预加载器
func NewPreloader(registry *Registry, index *cdn.CacheIndex, fetcher *cdn.Fetcher, cfg Config) *Preloader {
	return &Preloader{
		registry: registry,
		index:    index,
		fetcher:  fetcher,
		cfg:      cfg,
	}
}

// OnPlaybackPosition 播放进度回调
// 推进分片指针、刷新缓冲健康度，并按健康度调度预加载批次
func (p *Preloader) OnPlaybackPosition(ctx context.Context, sessionID string, positionSec float64) error {
	session := p.registry.get(sessionID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()

	// 会话已停止时丢弃迟到的进度更新
	if !session.IsStreaming {
		session.mu.Unlock()
		return nil
	}

	// 分片切换：临近当前分片结束时推进指针，为下一分片备好地址
	// 快进跨越多个分片时连续推进
	for session.CurrentSegmentIndex < len(session.Segments)-1 {
		cur := &session.Segments[session.CurrentSegmentIndex]
		if positionSec < cur.EndTimeSec()-segmentTransitionWindowSec {
			break
		}
		session.CurrentSegmentIndex++
		logger.Debug("分片切换",
			logger.String("sessionId", sessionID),
			logger.Int("segmentIndex", session.CurrentSegmentIndex))
	}

	curIndex := session.CurrentSegmentIndex
	audioID := session.AudioID
	segments := session.Segments
	session.mu.Unlock()

	health := p.computeBufferHealth(audioID, segments, curIndex, positionSec)

	session.mu.Lock()
	session.BufferHealthPct = health
	session.mu.Unlock()

	batch := normalPreloadBatch
	if health < lowHealthThresholdPct {
		batch = aggressivePreloadBatch
	}

	go func() {
		if err := p.PreloadBatch(context.Background(), sessionID, curIndex, batch); err != nil {
			logger.Debug("进度触发的预加载未完成",
				logger.String("sessionId", sessionID),
				logger.ErrorField(err))
		}
	}()

	return nil
}

// computeBufferHealth 计算缓冲健康度百分比
// 从当前分片起连续已缓存分片的总时长减去当前分片已播部分，对照目标缓冲时长
// Cached 标记只是快照，这里一律向缓存索引核实
func (p *Preloader) computeBufferHealth(audioID string, segments []AudioSegment, curIndex int, positionSec float64) float64 {
	if curIndex >= len(segments) {
		return 0
	}

	// 当前分片未缓存则缓冲为零
	if !p.index.Contains(SegmentCacheKey(audioID, curIndex)) {
		return 0
	}

	bufferedSec := 0.0
	for i := curIndex; i < len(segments); i++ {
		if !p.index.Contains(SegmentCacheKey(audioID, i)) {
			break
		}
		bufferedSec += segments[i].DurationSec
	}

	// 减去当前分片中已经播过的部分
	elapsed := positionSec - segments[curIndex].StartTimeSec
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > segments[curIndex].DurationSec {
		elapsed = segments[curIndex].DurationSec
	}
	bufferedSec -= elapsed

	if bufferedSec < 0 {
		bufferedSec = 0
	}

	target := p.cfg.TargetBufferSec
	if target <= 0 {
		target = 30
	}

	pct := bufferedSec / target * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// PreloadBatch 预加载 [startIndex, startIndex+count) 范围内尚未缓存的分片
// 并发受限、子批次间停顿；单个分片失败只记录并跳过，绝不中断批次或会话
func (p *Preloader) PreloadBatch(ctx context.Context, sessionID string, startIndex, count int) error {
	session := p.registry.get(sessionID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	// 同一会话同时只跑一个批次，进度更新频繁时避免批次踩踏
	session.mu.Lock()
	if session.preloadActive {
		session.mu.Unlock()
		return nil
	}
	session.preloadActive = true
	audioID := session.AudioID

	type task struct {
		index int
		key   string
		url   string
	}
	var tasks []task
	end := startIndex + count
	if end > len(session.Segments) {
		end = len(session.Segments)
	}
	for i := startIndex; i < end && i >= 0; i++ {
		key := SegmentCacheKey(audioID, i)
		if p.index.Contains(key) {
			session.Segments[i].Cached = true
			continue
		}
		tasks = append(tasks, task{index: i, key: key, url: session.Segments[i].URL})
	}
	session.mu.Unlock()

	defer func() {
		session.mu.Lock()
		session.preloadActive = false
		session.mu.Unlock()
	}()

	if len(tasks) == 0 {
		return nil
	}

	concurrency := p.cfg.PreloadConcurrency
	if concurrency > maxPreloadConcurrency {
		concurrency = maxPreloadConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}

	logger.Debug("预加载批次开始",
		logger.String("sessionId", sessionID),
		logger.Int("segments", len(tasks)),
		logger.Int("concurrency", concurrency))

	for chunkStart := 0; chunkStart < len(tasks); chunkStart += concurrency {
		if err := ctx.Err(); err != nil {
			return nil
		}

		chunkEnd := chunkStart + concurrency
		if chunkEnd > len(tasks) {
			chunkEnd = len(tasks)
		}

		var wg sync.WaitGroup
		for _, t := range tasks[chunkStart:chunkEnd] {
			wg.Add(1)
			go func(t task) {
				defer wg.Done()

				if _, err := p.fetcher.EnsureSegment(ctx, t.key, audioID, t.url); err != nil {
					// 预加载失败只记录，不中断批次
					logger.Warn("分片预加载失败，跳过",
						logger.String("sessionId", sessionID),
						logger.Int("segmentIndex", t.index),
						logger.ErrorField(err))
					return
				}

				// 会话可能已在下载期间被移除，结果直接丢弃
				if cur := p.registry.get(sessionID); cur != nil {
					cur.mu.Lock()
					if t.index < len(cur.Segments) {
						cur.Segments[t.index].Cached = true
					}
					cur.mu.Unlock()
				}
			}(t)
		}
		wg.Wait()

		if chunkEnd < len(tasks) {
			time.Sleep(subBatchPause)
		}
	}

	return nil
}
