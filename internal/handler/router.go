package handler

import (
	"github.com/gin-gonic/gin"

	"bmw-assistant-go/internal/middleware"
	"bmw-assistant-go/internal/service"
	"bmw-assistant-go/pkg/token"
)

// RegisterRoutes 注册面板的全部路由。
func RegisterRoutes(r *gin.Engine, panels service.PanelService, jwtManager *token.JWTManager, maxUploadBytes int64) {
	uploadHandler := NewUploadHandler(panels, maxUploadBytes)
	conversationHandler := NewConversationHandler(panels, uploadHandler)

	apiV1 := r.Group("/api/v1")
	{
		// 无需认证：签发匿名面板令牌
		apiV1.POST("/panel/token", NewAuthHandler(jwtManager).IssuePanelToken)

		chat := apiV1.Group("/chat")
		chat.Use(middleware.PanelAuth(jwtManager))
		{
			chat.GET("/messages", conversationHandler.GetMessages)
			chat.POST("/send", conversationHandler.Send)
			chat.POST("/retry/:id", conversationHandler.Retry)
			chat.POST("/clear", conversationHandler.Clear)
			chat.PUT("/draft", conversationHandler.PutDraft)
			chat.PUT("/visibility", conversationHandler.PutVisibility)
			chat.GET("/previews/:id", uploadHandler.GetPreview)
		}
	}

	// Chat 路由 (WebSocket)
	r.GET("/chat/:token", NewChatHandler(panels, jwtManager).Handle)
}
