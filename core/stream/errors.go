package stream

import "errors"

var (
	// ErrSessionNotFound 未知的会话 ID
	ErrSessionNotFound = errors.New("stream: session not found")

	// ErrConcurrencyLimit 并发播放会话数已达上限
	ErrConcurrencyLimit = errors.New("stream: concurrent stream limit reached")
)
