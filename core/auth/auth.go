package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 订阅凭证携带的声明
// 由应用后端签发，本服务只做校验
type Claims struct {
	DeviceID string `json:"deviceId"`
	Premium  bool   `json:"premium"`
	jwt.RegisteredClaims
}

// GenerateToken 为设备签发订阅凭证（主要供测试和运维工具使用）
func GenerateToken(secret, deviceID string, premium bool, ttl time.Duration) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		Premium:  premium,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "azanfm",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken 校验并解析订阅凭证
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
