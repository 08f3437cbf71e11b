package server

import (
	"context"
	"net/http"
	"strings"

	"AzanFM/core/auth"
)

type contextKey string

const (
	ctxKeyDeviceID contextKey = "deviceId"
	ctxKeyPremium  contextKey = "premium"
)

// CORSMiddleware 跨域中间件
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware 校验订阅凭证
// 付费音频接口要求应用后端签发的 Bearer Token
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(h.cfg.JWTSecret, parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		if !claims.Premium {
			http.Error(w, "Premium subscription required", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyDeviceID, claims.DeviceID)
		ctx = context.WithValue(ctx, ctxKeyPremium, claims.Premium)

		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// DeviceIDFromContext 从请求上下文取设备 ID
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyDeviceID).(string); ok {
		return v
	}
	return ""
}
