// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/token"
)

const principalKey = "principal"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 解析出的团队成员以 service.Principal 存入上下文；浏览器无法为 WebSocket 设置请求头，因此也接受 ?token= 参数。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含有效的授权信息"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnf("[Auth] token 校验失败, path: %s, error: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}
		if claims.TeamID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token 缺少团队信息"})
			return
		}

		c.Set(principalKey, service.Principal{
			TeamID:     claims.TeamID,
			TmbID:      claims.TmbID,
			Permission: claims.Permission,
		})
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	const bearerPrefix = "Bearer "
	if h := c.GetHeader("Authorization"); h != "" {
		if !strings.HasPrefix(h, bearerPrefix) {
			return "", false
		}
		return strings.TrimPrefix(h, bearerPrefix), true
	}
	if t := c.Query("token"); t != "" {
		return t, true
	}
	return "", false
}

// CurrentPrincipal 取出 AuthMiddleware 写入的团队成员。
func CurrentPrincipal(c *gin.Context) (service.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return service.Principal{}, false
	}
	p, ok := v.(service.Principal)
	return p, ok
}

// SetPrincipal 供测试或内部调用直接注入身份。
func SetPrincipal(c *gin.Context, p service.Principal) {
	c.Set(principalKey, p)
}
