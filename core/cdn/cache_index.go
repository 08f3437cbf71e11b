package cdn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"AzanFM/logger"
)

const (
	// entryKeyPrefix 缓存条目在持久化后端中的命名空间前缀
	entryKeyPrefix = "cdn:entry:"

	// oneDayMs 访问次数在淘汰评分中的权重（一次访问约等于一天的新鲜度）
	oneDayMs = int64(24 * time.Hour / time.Millisecond)

	// evictionMarginMB 腾出空间时额外预留的余量
	evictionMarginMB = 10.0

	// flushEveryNAccesses 访问计数的懒持久化间隔，限制写放大
	flushEveryNAccesses = 5
)

// CacheEntry 一个已缓存分片/资产的元数据
// 持久化为 JSON，字段名与序列化格式一一对应
type CacheEntry struct {
	CacheKey       string  `json:"-"`
	SourceURL      string  `json:"sourceUrl"`
	LocalPath      string  `json:"localPath"`
	DownloadedAtMs int64   `json:"downloadedAtMs"`
	FileSizeMB     float64 `json:"fileSizeMB"`
	LastAccessedMs int64   `json:"lastAccessedMs"`
	AccessCount    int64   `json:"accessCount"`
}

// evictionScore 淘汰评分：最近访问时间 + 访问次数加权
// 分数低者先被淘汰，高频条目即使不是最新访问也不易被挤出
func (e *CacheEntry) evictionScore() int64 {
	return e.LastAccessedMs + e.AccessCount*oneDayMs
}

// CacheIndexConfig 缓存索引配置
type CacheIndexConfig struct {
	MaxCacheSizeMB   float64
	CacheExpiryHours int
}

// CacheStats 缓存统计快照
type CacheStats struct {
	Entries     int     `json:"entries"`
	TotalSizeMB float64 `json:"totalSizeMB"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	DataSavedMB float64 `json:"dataSavedMB"`
}

// CacheIndex 磁盘缓存索引
// 内存中保存全部条目，变更懒写回 BlobStore；多个会话并发访问同一索引
type CacheIndex struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	store   BlobStore
	cfg     CacheIndexConfig

	hits        int64
	misses      int64
	dataSavedMB float64

	// 便于测试注入时钟
	nowFn func() time.Time
}

// NewCacheIndex 创建缓存索引并从持久化后端加载既有条目
func NewCacheIndex(ctx context.Context, store BlobStore, cfg CacheIndexConfig) *CacheIndex {
	idx := &CacheIndex{
		entries: make(map[string]*CacheEntry),
		store:   store,
		cfg:     cfg,
		nowFn:   time.Now,
	}
	idx.loadEntries(ctx)
	return idx
}

// loadEntries 从持久化后端恢复索引
func (idx *CacheIndex) loadEntries(ctx context.Context) {
	keys, err := idx.store.Keys(ctx, entryKeyPrefix)
	if err != nil {
		logger.Warn("加载缓存索引失败，以空索引启动", logger.ErrorField(err))
		return
	}

	loaded := 0
	for _, storeKey := range keys {
		raw, found, err := idx.store.Get(ctx, storeKey)
		if err != nil || !found {
			continue
		}

		var entry CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// 损坏的条目直接清除，不影响启动
			logger.Warn("缓存条目反序列化失败，已清除",
				logger.String("key", storeKey),
				logger.ErrorField(err))
			_ = idx.store.Remove(ctx, storeKey)
			continue
		}

		entry.CacheKey = storeKey[len(entryKeyPrefix):]
		idx.entries[entry.CacheKey] = &entry
		loaded++
	}

	logger.Info("缓存索引加载完成", logger.Int("entries", loaded))
}

// Lookup 查找缓存条目，命中时更新访问统计
// 过期或文件丢失的条目在此惰性清除，对调用方表现为未命中
func (idx *CacheIndex) Lookup(ctx context.Context, cacheKey string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[cacheKey]
	if !exists {
		idx.misses++
		return "", false
	}

	now := idx.nowFn().UnixMilli()

	// 过期检查
	if idx.expiredLocked(entry, now) {
		logger.Debug("缓存条目已过期，惰性清除", logger.String("cacheKey", cacheKey))
		idx.purgeLocked(ctx, entry, false)
		idx.misses++
		return "", false
	}

	// 文件可能已被系统清理，索引自愈而不报错
	if _, err := os.Stat(entry.LocalPath); err != nil {
		logger.Warn("缓存文件已丢失，清除索引条目",
			logger.String("cacheKey", cacheKey),
			logger.String("localPath", entry.LocalPath))
		idx.purgeLocked(ctx, entry, false)
		idx.misses++
		return "", false
	}

	entry.LastAccessedMs = now
	entry.AccessCount++
	idx.hits++
	idx.dataSavedMB += entry.FileSizeMB

	// 访问计数懒写回：每第 flushEveryNAccesses 次访问落一次
	if entry.AccessCount%flushEveryNAccesses == 0 {
		idx.flushLocked(ctx, entry)
	}

	return entry.LocalPath, true
}

// Contains 判断条目是否有效存在，不更新访问统计
// 供缓冲健康度计算和 Segment.Cached 标记核对使用
func (idx *CacheIndex) Contains(cacheKey string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[cacheKey]
	if !exists {
		return false
	}
	if idx.expiredLocked(entry, idx.nowFn().UnixMilli()) {
		return false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		return false
	}
	return true
}

// Put 登记一个新下载完成的文件
func (idx *CacheIndex) Put(ctx context.Context, cacheKey, sourceURL, downloadedPath string) error {
	info, err := os.Stat(downloadedPath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrStorage, downloadedPath, err)
	}
	sizeMB := float64(info.Size()) / (1024 * 1024)

	if err := idx.EnsureSpace(ctx, sizeMB); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.nowFn().UnixMilli()

	// 并发重复下载同一键时，后写者直接覆盖元数据
	// 若旧文件路径不同则删除旧文件，避免孤儿文件占盘
	if old, exists := idx.entries[cacheKey]; exists && old.LocalPath != downloadedPath {
		os.Remove(old.LocalPath)
	}

	entry := &CacheEntry{
		CacheKey:       cacheKey,
		SourceURL:      sourceURL,
		LocalPath:      downloadedPath,
		DownloadedAtMs: now,
		FileSizeMB:     sizeMB,
		LastAccessedMs: now,
		AccessCount:    1,
	}
	idx.entries[cacheKey] = entry
	idx.flushLocked(ctx, entry)

	logger.Debug("缓存条目已登记",
		logger.String("cacheKey", cacheKey),
		logger.Float64("sizeMB", sizeMB))

	return nil
}

// EnsureSpace 确保容纳 requiredMB 后总量不超上限，必要时按评分升序淘汰
func (idx *CacheIndex) EnsureSpace(ctx context.Context, requiredMB float64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	totalMB := idx.totalSizeLocked()
	if totalMB+requiredMB <= idx.cfg.MaxCacheSizeMB {
		return nil
	}

	availableMB := idx.cfg.MaxCacheSizeMB - totalMB
	needMB := requiredMB - availableMB + evictionMarginMB

	// 评分升序排列，低分先淘汰
	candidates := make([]*CacheEntry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].evictionScore() < candidates[j].evictionScore()
	})

	freedMB := 0.0
	evicted := 0
	for _, entry := range candidates {
		if freedMB >= needMB {
			break
		}
		freedMB += entry.FileSizeMB
		idx.purgeLocked(ctx, entry, true)
		evicted++
	}

	if freedMB < needMB {
		return fmt.Errorf("%w: cannot free %.1fMB (freed %.1fMB)", ErrStorage, needMB, freedMB)
	}

	logger.Info("缓存空间淘汰完成",
		logger.Int("evicted", evicted),
		logger.Float64("freedMB", freedMB),
		logger.Float64("requiredMB", requiredMB))

	return nil
}

// CleanupExpired 主动清理全部过期条目，返回清理数量
func (idx *CacheIndex) CleanupExpired(ctx context.Context) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.nowFn().UnixMilli()
	removed := 0
	for _, entry := range idx.entries {
		if idx.expiredLocked(entry, now) {
			idx.purgeLocked(ctx, entry, true)
			removed++
		}
	}

	if removed > 0 {
		logger.Info("过期缓存清理完成", logger.Int("removed", removed))
	}
	return removed
}

// PurgeByLocalPath 按本地路径清除条目（缓存目录监听器发现文件被删时调用）
func (idx *CacheIndex) PurgeByLocalPath(ctx context.Context, localPath string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, entry := range idx.entries {
		if entry.LocalPath == localPath {
			idx.purgeLocked(ctx, entry, false)
			return true
		}
	}
	return false
}

// Clear 清空全部缓存条目及其文件
func (idx *CacheIndex) Clear(ctx context.Context) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := len(idx.entries)
	for _, entry := range idx.entries {
		idx.purgeLocked(ctx, entry, true)
	}

	logger.Info("缓存已手动清空", logger.Int("removed", removed))
	return removed
}

// Stats 返回统计快照
func (idx *CacheIndex) Stats() CacheStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := idx.hits + idx.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(idx.hits) / float64(total)
	}

	return CacheStats{
		Entries:     len(idx.entries),
		TotalSizeMB: idx.totalSizeLocked(),
		Hits:        idx.hits,
		Misses:      idx.misses,
		HitRate:     hitRate,
		DataSavedMB: idx.dataSavedMB,
	}
}

// TotalSizeMB 当前缓存总大小
func (idx *CacheIndex) TotalSizeMB() float64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.totalSizeLocked()
}

func (idx *CacheIndex) totalSizeLocked() float64 {
	total := 0.0
	for _, entry := range idx.entries {
		total += entry.FileSizeMB
	}
	return total
}

func (idx *CacheIndex) expiredLocked(entry *CacheEntry, nowMs int64) bool {
	expiryMs := int64(idx.cfg.CacheExpiryHours) * int64(time.Hour/time.Millisecond)
	return nowMs-entry.DownloadedAtMs > expiryMs
}

// purgeLocked 删除条目；removeFile 指定是否连带删除磁盘文件
func (idx *CacheIndex) purgeLocked(ctx context.Context, entry *CacheEntry, removeFile bool) {
	delete(idx.entries, entry.CacheKey)
	if err := idx.store.Remove(ctx, entryKeyPrefix+entry.CacheKey); err != nil {
		logger.Warn("持久化后端删除条目失败",
			logger.String("cacheKey", entry.CacheKey),
			logger.ErrorField(err))
	}
	if removeFile {
		os.Remove(entry.LocalPath)
	}
}

// flushLocked 将条目写回持久化后端
func (idx *CacheIndex) flushLocked(ctx context.Context, entry *CacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		logger.Error("缓存条目序列化失败",
			logger.String("cacheKey", entry.CacheKey),
			logger.ErrorField(err))
		return
	}
	if err := idx.store.Set(ctx, entryKeyPrefix+entry.CacheKey, string(raw)); err != nil {
		// 持久化失败只影响重启后的恢复，不影响当前服务
		logger.Warn("缓存条目写回失败",
			logger.String("cacheKey", entry.CacheKey),
			logger.ErrorField(err))
	}
}
