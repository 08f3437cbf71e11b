package stream

import (
	"sync"
	"time"
)

// PlaybackHandle 播放句柄，由会话独占持有
// SegmentURL 为首个分片的可播地址（缓存命中时是本地路径）
type PlaybackHandle struct {
	SessionID   string `json:"sessionId"`
	SegmentURL  string `json:"segmentUrl"`
	Source      string `json:"source"` // cache / primary_cdn / secondary_cdn / origin
	StartedAtMs int64  `json:"startedAtMs"`
}

// StreamingSession 一次进行中（或刚结束）的播放会话
// 所有字段变更都经由注册表发起，外部组件不直接改写
type StreamingSession struct {
	mu sync.Mutex

	ID                  string
	AudioID             string
	OriginURL           string
	Segments            []AudioSegment
	CurrentSegmentIndex int
	TotalDurationSec    float64
	CreatedAtMs         int64

	Handle          *PlaybackHandle
	IsStreaming     bool
	BufferHealthPct float64

	// 自然播完后的延迟清理定时器，重新开播时取消
	removalTimer *time.Timer

	// 同一会话同一时刻只允许一个预加载批次在途
	preloadActive bool
}

// SessionSnapshot 会话状态快照，供 API 层查询
type SessionSnapshot struct {
	ID                  string  `json:"id"`
	AudioID             string  `json:"audioId"`
	SegmentCount        int     `json:"segmentCount"`
	CurrentSegmentIndex int     `json:"currentSegmentIndex"`
	TotalDurationSec    float64 `json:"totalDurationSec"`
	IsStreaming         bool    `json:"isStreaming"`
	BufferHealthPct     float64 `json:"bufferHealthPct"`
	CreatedAtMs         int64   `json:"createdAtMs"`
}

// Snapshot 生成当前状态快照
func (s *StreamingSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionSnapshot{
		ID:                  s.ID,
		AudioID:             s.AudioID,
		SegmentCount:        len(s.Segments),
		CurrentSegmentIndex: s.CurrentSegmentIndex,
		TotalDurationSec:    s.TotalDurationSec,
		IsStreaming:         s.IsStreaming,
		BufferHealthPct:     s.BufferHealthPct,
		CreatedAtMs:         s.CreatedAtMs,
	}
}

// streaming 读取播放状态
func (s *StreamingSession) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsStreaming
}
