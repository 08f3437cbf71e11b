package cdn

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"
)

// 候选源标签，固定优先级：主镜像 → 备用镜像 → 源站
const (
	SourcePrimaryCDN   = "primary_cdn"
	SourceSecondaryCDN = "secondary_cdn"
	SourceOrigin       = "origin"
)

// SourceCandidate 一个可尝试的下载地址
type SourceCandidate struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// PresignFunc 为源站对象生成预签名地址；不可用时为 nil
type PresignFunc func(ctx context.Context, objectName string, expiry time.Duration) (string, error)

// SourceResolver 将资产的规范地址展开为按优先级排序的候选地址列表
// 顺序固定，运行期不做基于延迟的重排
type SourceResolver struct {
	primaryBase   string
	secondaryBase string
	presign       PresignFunc
	objectName    func(originURL string) string
}

// NewSourceResolver 创建源解析器
// presign 与 objectName 可为 nil，此时源站候选直接使用规范地址
func NewSourceResolver(primaryBase, secondaryBase string, presign PresignFunc, objectName func(string) string) *SourceResolver {
	return &SourceResolver{
		primaryBase:   strings.TrimRight(primaryBase, "/"),
		secondaryBase: strings.TrimRight(secondaryBase, "/"),
		presign:       presign,
		objectName:    objectName,
	}
}

// BuildCandidates 生成候选地址列表
// 镜像地址由源地址的规范文件名代入各源的路径模板得到，范围参数原样保留
func (r *SourceResolver) BuildCandidates(ctx context.Context, assetID, originURL string) []SourceCandidate {
	if originURL == "" {
		return nil
	}

	filename, query := splitCanonical(originURL)
	var candidates []SourceCandidate

	if r.primaryBase != "" && filename != "" {
		candidates = append(candidates, SourceCandidate{
			URL:    r.primaryBase + "/" + filename + query,
			Source: SourcePrimaryCDN,
		})
	}
	if r.secondaryBase != "" && filename != "" {
		candidates = append(candidates, SourceCandidate{
			URL:    r.secondaryBase + "/" + filename + query,
			Source: SourceSecondaryCDN,
		})
	}

	// 源站候选：优先预签名地址，预签名不可用时退回规范地址
	originCandidate := originURL
	if r.presign != nil && r.objectName != nil {
		if signed, err := r.presign(ctx, r.objectName(originURL), 15*time.Minute); err == nil && signed != "" {
			originCandidate = signed + queryAppendix(signed, query)
		}
	}
	candidates = append(candidates, SourceCandidate{
		URL:    originCandidate,
		Source: SourceOrigin,
	})

	return candidates
}

// splitCanonical 从规范地址中取出文件名和查询串
func splitCanonical(originURL string) (filename, query string) {
	raw := originURL
	if idx := strings.Index(raw, "?"); idx >= 0 {
		query = raw[idx:]
		raw = raw[:idx]
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return path.Base(raw), query
	}
	return path.Base(parsed.Path), query
}

// queryAppendix 预签名地址自带查询串时改用 & 连接范围参数
func queryAppendix(signedURL, query string) string {
	if query == "" {
		return ""
	}
	if strings.Contains(signedURL, "?") {
		return "&" + strings.TrimPrefix(query, "?")
	}
	return query
}
