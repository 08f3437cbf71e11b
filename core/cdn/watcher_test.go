package cdn

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPurgesEntryOnExternalDelete(t *testing.T) {
	idx, _, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "w.seg", 1024)
	require.NoError(t, idx.Put(ctx, "w_seg_0", "u", path))

	cw, err := NewCacheWatcher(idx, dir)
	require.NoError(t, err)
	defer cw.Stop()

	require.True(t, idx.Contains("w_seg_0"))

	// 外部删除缓存文件，监听器清除索引条目
	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		idx.mu.Lock()
		_, alive := idx.entries["w_seg_0"]
		idx.mu.Unlock()
		return !alive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPurgeByLocalPath(t *testing.T) {
	idx, _, dir := newTestIndex(t, 500)
	ctx := context.Background()

	path := writeTestFile(t, dir, "p.seg", 1024)
	require.NoError(t, idx.Put(ctx, "p_seg_0", "u", path))

	assert.True(t, idx.PurgeByLocalPath(ctx, path))
	assert.False(t, idx.Contains("p_seg_0"))

	// 未知路径是空操作
	assert.False(t, idx.PurgeByLocalPath(ctx, "/nonexistent"))
}
