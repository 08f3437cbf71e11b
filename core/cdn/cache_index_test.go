package cdn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore 统计写入次数的内存后端，用于验证懒写回节奏
type countingStore struct {
	*MemoryBlobStore
	mu   sync.Mutex
	sets int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryBlobStore: NewMemoryBlobStore()}
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.MemoryBlobStore.Set(ctx, key, value)
}

func (s *countingStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

func newTestIndex(t *testing.T, maxMB float64) (*CacheIndex, *countingStore, string) {
	t.Helper()
	store := newCountingStore()
	idx := NewCacheIndex(context.Background(), store, CacheIndexConfig{
		MaxCacheSizeMB:   maxMB,
		CacheExpiryHours: 168,
	})
	return idx, store, t.TempDir()
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestPutAndLookup(t *testing.T) {
	idx, _, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "a_seg_0.seg", 4096)
	require.NoError(t, idx.Put(ctx, "a_seg_0", "https://cdn1.example.com/a.mp3?t=0-15", path))

	got, found := idx.Lookup(ctx, "a_seg_0")
	assert.True(t, found)
	assert.Equal(t, path, got)

	stats := idx.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestLookupUnknownKey(t *testing.T) {
	idx, _, _ := newTestIndex(t, 500)

	_, found := idx.Lookup(context.Background(), "nope")
	assert.False(t, found)
	assert.Equal(t, int64(1), idx.Stats().Misses)
}

func TestLookupSelfHealsLostFile(t *testing.T) {
	idx, _, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "b.seg", 1024)
	require.NoError(t, idx.Put(ctx, "b_seg_0", "https://cdn1.example.com/b", path))

	// 文件被系统清掉后，查找表现为未命中且条目被清除，不报错
	require.NoError(t, os.Remove(path))

	_, found := idx.Lookup(ctx, "b_seg_0")
	assert.False(t, found)
	assert.Equal(t, 0, idx.Stats().Entries)

	// 再次查找仍然是普通未命中
	_, found = idx.Lookup(ctx, "b_seg_0")
	assert.False(t, found)
}

func TestLookupPurgesExpired(t *testing.T) {
	idx, store, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "c.seg", 1024)
	require.NoError(t, idx.Put(ctx, "c_seg_0", "https://cdn1.example.com/c", path))

	// 时钟拨到过期之后
	idx.nowFn = func() time.Time { return time.Now().Add(169 * time.Hour) }

	_, found := idx.Lookup(ctx, "c_seg_0")
	assert.False(t, found)

	_, exists, err := store.Get(ctx, entryKeyPrefix+"c_seg_0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanupExpired(t *testing.T) {
	idx, _, dir := newTestIndex(t, 500)
	ctx := context.Background()

	fresh := writeTestFile(t, dir, "fresh.seg", 1024)
	stale := writeTestFile(t, dir, "stale.seg", 1024)
	require.NoError(t, idx.Put(ctx, "fresh", "u1", fresh))
	require.NoError(t, idx.Put(ctx, "stale", "u2", stale))

	// 只把一个条目标记为很久以前下载
	idx.mu.Lock()
	idx.entries["stale"].DownloadedAtMs = time.Now().Add(-200 * time.Hour).UnixMilli()
	idx.mu.Unlock()

	removed := idx.CleanupExpired(ctx)
	assert.Equal(t, 1, removed)
	assert.True(t, idx.Contains("fresh"))
	assert.False(t, idx.Contains("stale"))
}

func TestEnsureSpaceScenario(t *testing.T) {
	idx, _, _ := newTestIndex(t, 500)
	ctx := context.Background()

	// 预置合计 480MB 的条目（元数据合成，无需真实大文件）
	now := time.Now().UnixMilli()
	idx.mu.Lock()
	for i, sizeMB := range []float64{200, 180, 100} {
		key := []string{"old", "mid", "new"}[i]
		idx.entries[key] = &CacheEntry{
			CacheKey:       key,
			LocalPath:      filepath.Join(t.TempDir(), key+".seg"),
			DownloadedAtMs: now,
			FileSizeMB:     sizeMB,
			LastAccessedMs: now + int64(i*1000), // old 最旧
			AccessCount:    0,
		}
	}
	idx.mu.Unlock()

	// 480/500 放入 50：需腾出 50 - 20 + 10 = 40MB
	require.NoError(t, idx.EnsureSpace(ctx, 50))
	assert.LessOrEqual(t, idx.TotalSizeMB()+50, 500.0)
	// 最低分的 old 被淘汰即足够
	assert.False(t, idx.Contains("old"))
}

func TestEvictionOrderFavorsFrequentEntries(t *testing.T) {
	idx, _, _ := newTestIndex(t, 200)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	idx.mu.Lock()
	// recent：刚访问但只访问过一次
	idx.entries["recent"] = &CacheEntry{
		CacheKey: "recent", LocalPath: "/nonexistent/recent.seg",
		DownloadedAtMs: now, FileSizeMB: 80, LastAccessedMs: now, AccessCount: 1,
	}
	// frequent：两小时没碰但访问过 10 次，评分更高
	idx.entries["frequent"] = &CacheEntry{
		CacheKey: "frequent", LocalPath: "/nonexistent/frequent.seg",
		DownloadedAtMs: now, FileSizeMB: 80, LastAccessedMs: now - 2*3600*1000, AccessCount: 10,
	}
	idx.mu.Unlock()

	// 160/200 放入 50：需腾出 50 - 40 + 10 = 20MB，淘汰低分的 recent 即足够
	require.NoError(t, idx.EnsureSpace(ctx, 50))

	idx.mu.Lock()
	_, recentAlive := idx.entries["recent"]
	_, frequentAlive := idx.entries["frequent"]
	idx.mu.Unlock()

	assert.False(t, recentAlive)
	assert.True(t, frequentAlive)
}

func TestAccessFlushCadence(t *testing.T) {
	idx, store, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "d.seg", 1024)
	require.NoError(t, idx.Put(ctx, "d_seg_0", "u", path))
	after := store.setCount() // Put 必然落一次

	// 访问计数 2、3、4 不落盘，到 5 落一次
	for i := 0; i < 4; i++ {
		_, found := idx.Lookup(ctx, "d_seg_0")
		require.True(t, found)
	}
	assert.Equal(t, after+1, store.setCount())
}

func TestEntryJSONRoundTrip(t *testing.T) {
	entry := CacheEntry{
		CacheKey:       "a_seg_3",
		SourceURL:      "https://cdn1.example.com/a.mp3?t=45-60",
		LocalPath:      "/data/audio_cache/a_seg_3.seg",
		DownloadedAtMs: 1724800000000,
		FileSizeMB:     0.24,
		LastAccessedMs: 1724800123456,
		AccessCount:    7,
	}

	raw, err := json.Marshal(&entry)
	require.NoError(t, err)

	var decoded CacheEntry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	decoded.CacheKey = entry.CacheKey // 键不在序列化载荷中，取自存储键名

	assert.Equal(t, entry, decoded)
}

func TestIndexReloadsFromStore(t *testing.T) {
	store := newCountingStore()
	ctx := context.Background()
	dir := t.TempDir()

	idx := NewCacheIndex(ctx, store, CacheIndexConfig{MaxCacheSizeMB: 500, CacheExpiryHours: 168})
	path := writeTestFile(t, dir, "e.seg", 2048)
	require.NoError(t, idx.Put(ctx, "e_seg_0", "u", path))

	// 新索引从同一后端恢复
	reloaded := NewCacheIndex(ctx, store, CacheIndexConfig{MaxCacheSizeMB: 500, CacheExpiryHours: 168})
	got, found := reloaded.Lookup(ctx, "e_seg_0")
	assert.True(t, found)
	assert.Equal(t, path, got)
}
