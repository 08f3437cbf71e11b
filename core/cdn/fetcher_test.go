package cdn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, primaryBase, secondaryBase string) (*Fetcher, *CacheIndex) {
	t.Helper()
	idx := NewCacheIndex(context.Background(), NewMemoryBlobStore(), CacheIndexConfig{
		MaxCacheSizeMB:   500,
		CacheExpiryHours: 168,
	})
	resolver := NewSourceResolver(primaryBase, secondaryBase, nil, nil)
	return NewFetcher(idx, resolver, t.TempDir(), nil, nil), idx
}

func TestEnsureSegmentDownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio bytes"))
	}))
	defer srv.Close()

	f, idx := newTestFetcher(t, srv.URL, "")
	ctx := context.Background()

	path, err := f.EnsureSegment(ctx, "a_seg_0", "a", "https://origin.example.com/a.mp3?t=0-15")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(data))
	assert.True(t, idx.Contains("a_seg_0"))

	// 二次调用走缓存，不再发请求
	again, err := f.EnsureSegment(ctx, "a_seg_0", "a", "https://origin.example.com/a.mp3?t=0-15")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestEnsureSegmentFallsThroughCandidates(t *testing.T) {
	var primaryHits, secondaryHits int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondaryHits, 1)
		w.Write([]byte("from secondary"))
	}))
	defer secondary.Close()

	f, _ := newTestFetcher(t, primary.URL, secondary.URL)

	path, err := f.EnsureSegment(context.Background(), "b_seg_0", "b",
		"http://127.0.0.1:9/b.mp3?t=0-15")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from secondary", string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondaryHits))
}

func TestEnsureSegmentAllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, idx := newTestFetcher(t, srv.URL, srv.URL)

	_, err := f.EnsureSegment(context.Background(), "c_seg_0", "c",
		"http://127.0.0.1:9/c.mp3?t=0-15")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceResolution)
	assert.False(t, idx.Contains("c_seg_0"))
}

func TestEnsureSegmentRejectsEmptyBody(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer empty.Close()

	full := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("real content"))
	}))
	defer full.Close()

	// 主镜像返回空响应体视为失败，降级到备用镜像
	f, _ := newTestFetcher(t, empty.URL, full.URL)

	path, err := f.EnsureSegment(context.Background(), "d_seg_0", "d",
		"http://127.0.0.1:9/d.mp3")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "real content", string(data))
}

func TestEnsureSegmentCoalescesConcurrentFetches(t *testing.T) {
	var requests int32
	arrived := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			close(arrived)
		}
		<-block
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, "")
	ctx := context.Background()

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]error, waiters)
	run := func(i int) {
		defer wg.Done()
		_, results[i] = f.EnsureSegment(ctx, "e_seg_0", "e",
			"https://origin.example.com/e.mp3?t=0-15")
	}

	// 先让第一个调用占住在途锁，其余调用在它完成前发起
	wg.Add(1)
	go run(0)
	<-arrived
	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go run(i)
	}
	time.Sleep(50 * time.Millisecond)

	close(block)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		assert.NoError(t, results[i])
	}
	// 同一缓存键只允许一个下载在途，其余等待者复用结果
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestEnsureSegmentOriginDownloadFallback(t *testing.T) {
	idx := NewCacheIndex(context.Background(), NewMemoryBlobStore(), CacheIndexConfig{
		MaxCacheSizeMB:   500,
		CacheExpiryHours: 168,
	})
	resolver := NewSourceResolver("", "", nil, nil)

	originDownload := func(ctx context.Context, objectName, destPath string) (int64, error) {
		require.NoError(t, os.WriteFile(destPath, []byte("from object store"), 0644))
		return int64(len("from object store")), nil
	}
	objectName := func(originURL string) string { return "f.mp3" }

	f := NewFetcher(idx, resolver, t.TempDir(), originDownload, objectName)

	// 唯一的 HTTP 候选（源站规范地址）不可达，触发对象存储直连兜底
	path, err := f.EnsureSegment(context.Background(), "f_seg_0", "f",
		"http://127.0.0.1:9/f.mp3")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from object store", string(data))
	assert.True(t, idx.Contains("f_seg_0"))
}

func TestLocalPathForSanitizesKey(t *testing.T) {
	f, _ := newTestFetcher(t, "", "")
	name := filepath.Base(f.localPathFor("adhan/makkah:seg 0"))
	assert.Equal(t, "adhan_makkah_seg_0.seg", name)
}
