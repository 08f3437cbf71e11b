package cdn

import "errors"

var (
	// ErrSourceResolution 所有候选源均获取失败
	ErrSourceResolution = errors.New("cdn: all source candidates failed")

	// ErrStorage 本地磁盘读写失败（如磁盘已满）
	ErrStorage = errors.New("cdn: storage operation failed")
)
