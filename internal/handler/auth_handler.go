// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bmw-assistant-go/pkg/log"
	"bmw-assistant-go/pkg/token"
)

// AuthHandler 负责为新面板签发令牌。
type AuthHandler struct {
	jwtManager *token.JWTManager
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(jwtManager *token.JWTManager) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager}
}

// IssuePanelToken 处理签发面板令牌的请求。
func (h *AuthHandler) IssuePanelToken(c *gin.Context) {
	tok, clientID, err := h.jwtManager.IssuePanelToken()
	if err != nil {
		log.Errorf("IssuePanelToken: failed to sign token, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法签发令牌", "data": nil})
		return
	}
	log.Infof("IssuePanelToken: 新面板 %s", clientID)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"token": tok, "clientId": clientID},
	})
}
