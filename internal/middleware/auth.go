package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bmw-assistant-go/pkg/token"
)

// ClientIDKey 是面板 ID 在 Gin 上下文中的键。
const ClientIDKey = "clientId"

// PanelAuth 创建一个 Gin 中间件，用于面板令牌认证。
// 令牌优先从 Authorization 头读取，<img> 等无法设置请求头的场景可使用 token 查询参数。
// 验证通过后将 claims 与面板 ID 存入上下文。
func PanelAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含有效的授权信息", "data": nil})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set("claims", claims)
		c.Set(ClientIDKey, claims.ClientID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	// Token 以 "Bearer <token>" 的形式提供
	const bearerPrefix = "Bearer "
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", false
		}
		return strings.TrimPrefix(authHeader, bearerPrefix), true
	}
	if t := c.Query("token"); t != "" {
		return t, true
	}
	return "", false
}

// ClientID 返回 PanelAuth 写入上下文的面板 ID。
func ClientID(c *gin.Context) string {
	return c.GetString(ClientIDKey)
}
