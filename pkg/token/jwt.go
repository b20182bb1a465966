// Package token 提供了用于生成和验证面板令牌 (JWT) 的功能。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken 表示令牌签名不匹配、已过期或缺少面板 ID。
var ErrInvalidToken = errors.New("invalid token")

// JWTManager 负责管理面板令牌的生成和验证。
type JWTManager struct {
	secretKey []byte
	tokenDur  time.Duration
}

// PanelClaims 是面板令牌携带的声明。面板是匿名的，只有一个随机的 ClientID。
type PanelClaims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string, expireHours int) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secret),
		tokenDur:  time.Hour * time.Duration(expireHours),
	}
}

// IssuePanelToken 为一个新面板生成 ClientID 与令牌。
func (m *JWTManager) IssuePanelToken() (token, clientID string, err error) {
	clientID = uuid.NewString()
	token, err = m.GenerateToken(clientID)
	return token, clientID, err
}

// GenerateToken 为指定面板生成令牌。
func (m *JWTManager) GenerateToken(clientID string) (string, error) {
	now := time.Now()
	claims := PanelClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secretKey)
}

// VerifyToken 验证令牌并返回其中的声明。
func (m *JWTManager) VerifyToken(tokenString string) (*PanelClaims, error) {
	t, err := jwt.ParseWithClaims(tokenString, &PanelClaims{}, func(t *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := t.Claims.(*PanelClaims)
	if !ok || !t.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
