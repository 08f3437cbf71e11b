package stream

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AudioSegment 音频时间轴上一个固定时长的分片
// Cached 是创建时的快照标记，仅供参考，判定以缓存索引为准
type AudioSegment struct {
	URL                string  `json:"url"`
	Index              int     `json:"index"`
	StartTimeSec       float64 `json:"startTimeSec"`
	DurationSec        float64 `json:"durationSec"`
	EstimatedSizeBytes int64   `json:"estimatedSizeBytes"`
	Cached             bool    `json:"cached"`
}

// EndTimeSec 分片结束时刻
func (s *AudioSegment) EndTimeSec() float64 {
	return s.StartTimeSec + s.DurationSec
}

// SegmentPlanner 将音频按固定时长切分并生成带范围参数的分片地址
type SegmentPlanner struct {
	segmentDurationSec int
	nominalBitrateKbps int
}

// NewSegmentPlanner 创建分片规划器
func NewSegmentPlanner(segmentDurationSec, nominalBitrateKbps int) *SegmentPlanner {
	if segmentDurationSec <= 0 {
		segmentDurationSec = 15
	}
	if nominalBitrateKbps <= 0 {
		nominalBitrateKbps = 128
	}
	return &SegmentPlanner{
		segmentDurationSec: segmentDurationSec,
		nominalBitrateKbps: nominalBitrateKbps,
	}
}

// Plan 生成资产的分片计划
// 分片连续且按起始时刻排序，末段时长为余数
// totalDurationSec <= 0 时仍返回一个零长分片而不是空计划，保证会话总有可播对象
func (p *SegmentPlanner) Plan(assetID, originURL string, totalDurationSec float64) []AudioSegment {
	segDur := float64(p.segmentDurationSec)

	if totalDurationSec <= 0 {
		return []AudioSegment{{
			URL:          p.segmentURL(originURL, 0, 0),
			Index:        0,
			StartTimeSec: 0,
			DurationSec:  0,
		}}
	}

	count := int(math.Ceil(totalDurationSec / segDur))
	segments := make([]AudioSegment, 0, count)

	for i := 0; i < count; i++ {
		start := float64(i) * segDur
		duration := segDur
		if start+duration > totalDurationSec {
			duration = totalDurationSec - start
		}

		segments = append(segments, AudioSegment{
			URL:                p.segmentURL(originURL, start, start+duration),
			Index:              i,
			StartTimeSec:       start,
			DurationSec:        duration,
			EstimatedSizeBytes: p.estimateSize(duration),
		})
	}

	return segments
}

// SegmentCacheKey 资产 ID 与分片序号推导缓存键
func SegmentCacheKey(assetID string, index int) string {
	return fmt.Sprintf("%s_seg_%d", assetID, index)
}

// segmentURL 分片地址：originUrl + 分隔符 + t=<start>-<end>
// 原地址已带查询串时用 & 连接，否则用 ?
// 原地址为空时分片地址同样为空，源解析阶段会据此报告无可用候选
func (p *SegmentPlanner) segmentURL(originURL string, startSec, endSec float64) string {
	if originURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(originURL, "?") {
		sep = "&"
	}
	return originURL + sep + "t=" + formatSec(startSec) + "-" + formatSec(endSec)
}

// estimateSize 按标称码率估算分片大小（规划用途，非实测）
func (p *SegmentPlanner) estimateSize(durationSec float64) int64 {
	return int64(durationSec * float64(p.nominalBitrateKbps) * 1000 / 8)
}

// formatSec 整数秒不带小数位
func formatSec(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
