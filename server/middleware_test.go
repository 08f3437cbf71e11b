package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AzanFM/config"
	"AzanFM/core/auth"
)

func newAuthTestHandler() *APIHandler {
	return NewAPIHandler(nil, nil, nil, &config.Config{JWTSecret: "test-secret"})
}

func protectedEcho(h *APIHandler) http.HandlerFunc {
	return h.AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(DeviceIDFromContext(r.Context())))
	})
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	rec := httptest.NewRecorder()

	protectedEcho(newAuthTestHandler())(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	req.Header.Set("Authorization", "Basic abc123")
	rec := httptest.NewRecorder()

	protectedEcho(newAuthTestHandler())(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareInvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()

	protectedEcho(newAuthTestHandler())(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareNonPremium(t *testing.T) {
	token, err := auth.GenerateToken("test-secret", "device-1", false, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	// 凭证有效但非付费用户，拒绝访问付费音频接口
	protectedEcho(newAuthTestHandler())(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthMiddlewarePremiumPasses(t *testing.T) {
	token, err := auth.GenerateToken("test-secret", "device-42", true, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	protectedEcho(newAuthTestHandler())(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	// 设备 ID 随请求上下文透传给业务处理器
	assert.Equal(t, "device-42", rec.Body.String())
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stream/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// 预检请求直接放行
	preflight := httptest.NewRequest(http.MethodOptions, "/api/stream/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	assert.Equal(t, http.StatusOK, rec.Code)
}
