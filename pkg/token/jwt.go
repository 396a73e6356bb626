// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission 团队成员对知识库的权限级别。
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermManage Permission = "manage"
)

func (p Permission) rank() int {
	switch p {
	case PermRead:
		return 1
	case PermWrite:
		return 2
	case PermManage:
		return 3
	}
	return 0
}

// Allows 报告 p 是否覆盖 need。
func (p Permission) Allows(need Permission) bool {
	return p.rank() > 0 && p.rank() >= need.rank()
}

// JWTManager 负责管理 JWT 的生成和验证。
type JWTManager struct {
	secretKey      []byte
	accessTokenDur time.Duration
}

// CustomClaims 在 JWT 中携带团队、成员与权限。
type CustomClaims struct {
	TeamID     string     `json:"teamId"`
	TmbID      string     `json:"tmbId"`
	Permission Permission `json:"permission"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string, accessTokenExpireHours int) *JWTManager {
	if accessTokenExpireHours <= 0 {
		accessTokenExpireHours = 24
	}
	return &JWTManager{
		secretKey:      []byte(secret),
		accessTokenDur: time.Hour * time.Duration(accessTokenExpireHours),
	}
}

// GenerateToken 为团队成员签发 access token。
func (m *JWTManager) GenerateToken(teamID, tmbID string, perm Permission) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		TeamID:     teamID,
		TmbID:      tmbID,
		Permission: perm,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证给定的 token 字符串。
// 如果 token 有效，它会返回 CustomClaims 对象。
func (m *JWTManager) VerifyToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*CustomClaims); ok && token.Valid {
		if claims.TeamID == "" || claims.TmbID == "" {
			return nil, errors.New("token missing team")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
