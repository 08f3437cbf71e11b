package cdn

import (
	"context"
	"fmt"

	"AzanFM/logger"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher 监听缓存目录
// 缓存文件被系统或用户删除时立即清除索引条目，而不是等到下次查找才惰性发现
type CacheWatcher struct {
	index    *CacheIndex
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewCacheWatcher 创建并启动缓存目录监听
func NewCacheWatcher(index *CacheIndex, cacheDir string) (*CacheWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}

	if err := watcher.Add(cacheDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监听缓存目录失败: %w", err)
	}

	cw := &CacheWatcher{
		index:    index,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	go cw.loop()

	logger.Info("缓存目录监听已启动", logger.String("dir", cacheDir))
	return cw, nil
}

func (cw *CacheWatcher) loop() {
	ctx := context.Background()
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if cw.index.PurgeByLocalPath(ctx, event.Name) {
					logger.Debug("缓存文件被外部删除，索引条目已清除",
						logger.String("path", event.Name))
				}
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("缓存目录监听错误", logger.ErrorField(err))
		}
	}
}

// Stop 停止监听
func (cw *CacheWatcher) Stop() {
	close(cw.stopChan)
	cw.watcher.Close()
}
