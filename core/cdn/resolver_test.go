package cdn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCandidatesOrder(t *testing.T) {
	r := NewSourceResolver("https://cdn1.example.com/audio", "https://cdn2.example.com/audio", nil, nil)

	candidates := r.BuildCandidates(context.Background(), "adhan_makkah",
		"https://origin.example.com/bucket/adhan_makkah.mp3?t=0-15")

	require.Len(t, candidates, 3)
	assert.Equal(t, SourcePrimaryCDN, candidates[0].Source)
	assert.Equal(t, "https://cdn1.example.com/audio/adhan_makkah.mp3?t=0-15", candidates[0].URL)
	assert.Equal(t, SourceSecondaryCDN, candidates[1].Source)
	assert.Equal(t, "https://cdn2.example.com/audio/adhan_makkah.mp3?t=0-15", candidates[1].URL)
	assert.Equal(t, SourceOrigin, candidates[2].Source)
	assert.Equal(t, "https://origin.example.com/bucket/adhan_makkah.mp3?t=0-15", candidates[2].URL)
}

func TestBuildCandidatesEmptyURL(t *testing.T) {
	r := NewSourceResolver("https://cdn1.example.com/audio", "https://cdn2.example.com/audio", nil, nil)
	assert.Nil(t, r.BuildCandidates(context.Background(), "x", ""))
}

func TestBuildCandidatesNoQuery(t *testing.T) {
	r := NewSourceResolver("https://cdn1.example.com/audio", "", nil, nil)

	candidates := r.BuildCandidates(context.Background(), "quran_001",
		"https://origin.example.com/quran_001.mp3")

	require.Len(t, candidates, 2)
	assert.Equal(t, "https://cdn1.example.com/audio/quran_001.mp3", candidates[0].URL)
	assert.Equal(t, SourceOrigin, candidates[1].Source)
}

func TestBuildCandidatesPresignedOrigin(t *testing.T) {
	presign := func(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
		assert.Equal(t, "adhan_fajr.mp3", objectName)
		return "https://minio.internal/azan-audio/adhan_fajr.mp3?X-Amz-Signature=abc", nil
	}
	objectName := func(originURL string) string { return "adhan_fajr.mp3" }

	r := NewSourceResolver("https://cdn1.example.com/audio", "https://cdn2.example.com/audio", presign, objectName)
	candidates := r.BuildCandidates(context.Background(), "adhan_fajr",
		"https://origin.example.com/adhan_fajr.mp3?t=30-45")

	require.Len(t, candidates, 3)
	// 预签名地址自带查询串，范围参数用 & 续接
	assert.Equal(t,
		"https://minio.internal/azan-audio/adhan_fajr.mp3?X-Amz-Signature=abc&t=30-45",
		candidates[2].URL)
}

func TestBuildCandidatesPresignFailureFallsBack(t *testing.T) {
	presign := func(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
		return "", errors.New("minio unavailable")
	}
	objectName := func(originURL string) string { return "x.mp3" }

	r := NewSourceResolver("https://cdn1.example.com/audio", "", presign, objectName)
	candidates := r.BuildCandidates(context.Background(), "x",
		"https://origin.example.com/x.mp3?t=0-15")

	require.Len(t, candidates, 2)
	assert.Equal(t, "https://origin.example.com/x.mp3?t=0-15", candidates[1].URL)
}

func TestSplitCanonical(t *testing.T) {
	filename, query := splitCanonical("https://origin.example.com/a/b/c.mp3?t=15-30&x=1")
	assert.Equal(t, "c.mp3", filename)
	assert.Equal(t, "?t=15-30&x=1", query)

	filename, query = splitCanonical("https://origin.example.com/c.mp3")
	assert.Equal(t, "c.mp3", filename)
	assert.Equal(t, "", query)
}
