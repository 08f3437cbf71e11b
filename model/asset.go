package model

import "time"

// 资产类别
const (
	CategoryAdhan = "adhan" // 宣礼词
	CategoryQuran = "quran" // 古兰经诵读
)

// AudioAsset represents a premium audio asset (adhan or Qur'an recitation)
// available for streaming.
type AudioAsset struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	Title       string    `json:"title" gorm:"size:255"`
	Reciter     string    `json:"reciter" gorm:"size:255"`
	Category    string    `json:"category" gorm:"size:32;index"` // adhan / quran
	OriginURL   string    `json:"originUrl" gorm:"size:1024"`    // 源站规范地址
	DurationSec float64   `json:"durationSec"`                   // 音频时长（秒），0表示未知
	FileSizeMB  float64   `json:"fileSizeMB"`                    // 完整文件大小（MB）
	State       int8      `json:"state" gorm:"default:1"`        // 0=下架, 1=正常
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (AudioAsset) TableName() string {
	return "audio_assets"
}
