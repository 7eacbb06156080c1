package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken 请求未携带 Bearer token
var ErrMissingToken = errors.New("missing bearer token")

type AuthToken struct {
	secretKey []byte
	ttl       time.Duration
}

func NewAuthToken(secretKey string) *AuthToken {
	return &AuthToken{
		secretKey: []byte(secretKey),
		ttl:       time.Hour,
	}
}

// GenerateToken 为客户端签发 HS256 token，默认1小时过期
func (at *AuthToken) GenerateToken(clientID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"client_id": clientID,
		"exp":       now.Add(at.ttl).Unix(),
		"iat":       now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(at.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken 校验 token 并返回 client_id
func (at *AuthToken) VerifyToken(tokenString string) (string, error) {
	if at == nil || len(at.secretKey) == 0 {
		return "", errors.New("secret key is not initialized")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return at.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	clientID, ok := claims["client_id"].(string)
	if !ok {
		return "", errors.New("invalid client_id in claims")
	}
	return clientID, nil
}

// VerifyRequest 从 Authorization 头或 token 查询参数中取出并校验 token
func (at *AuthToken) VerifyRequest(r *http.Request) (string, error) {
	tokenString := ""
	if header := r.Header.Get("Authorization"); header != "" {
		tokenString = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return "", ErrMissingToken
	}
	return at.VerifyToken(tokenString)
}
