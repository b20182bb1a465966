package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bmw-assistant-go/internal/middleware"
	"bmw-assistant-go/internal/service"
	"bmw-assistant-go/pkg/log"
)

// ConversationHandler 处理面板的界面意图：发送、重试、清空、输入框与可见性。
type ConversationHandler struct {
	panels  service.PanelService
	uploads *UploadHandler
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(panels service.PanelService, uploads *UploadHandler) *ConversationHandler {
	return &ConversationHandler{panels: panels, uploads: uploads}
}

// SendRequest 是 JSON 形式的发送请求，附件需使用 multipart 表单提交。
type SendRequest struct {
	Text string `json:"text"`
}

// DraftRequest 定义了更新输入框的请求体。
type DraftRequest struct {
	Text string `json:"text"`
}

// VisibilityRequest 定义了切换面板可见性的请求体。
type VisibilityRequest struct {
	Open *bool `json:"open" binding:"required"`
}

func (h *ConversationHandler) panel(c *gin.Context) *service.SessionManager {
	return h.panels.Get(c.Request.Context(), middleware.ClientID(c))
}

// GetMessages 返回面板的完整状态。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": h.panel(c).Snapshot()})
}

// Send 接收 text 与 files，校验通过后立即返回 202，投递结果通过快照推送。
func (h *ConversationHandler) Send(c *gin.Context) {
	sm := h.panel(c)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		mf, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的表单", "data": nil})
			return
		}
		var text string
		if v := mf.Value["text"]; len(v) > 0 {
			text = v[0]
		}
		files, err := h.uploads.readFiles(mf)
		if err != nil {
			log.Warnf("Send: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取附件", "data": nil})
			return
		}
		h.accept(c, sm.SendAsync(text, files))
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	h.accept(c, sm.SendAsync(req.Text, nil))
}

// Retry 重新发送一条失败的消息。
func (h *ConversationHandler) Retry(c *gin.Context) {
	sm := h.panel(c)
	id := c.Param("id")
	if _, ok := sm.Message(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "消息不存在", "data": nil})
		return
	}
	h.accept(c, sm.RetryAsync(id))
}

func (h *ConversationHandler) accept(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "accepted", "data": nil})
	case errors.Is(err, service.ErrNothingToSend):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
	case errors.Is(err, service.ErrBusy), errors.Is(err, service.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error(), "data": nil})
	default:
		log.Errorf("accept: unexpected error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "内部错误", "data": nil})
	}
}

// Clear 清空对话。
func (h *ConversationHandler) Clear(c *gin.Context) {
	sm := h.panel(c)
	sm.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": sm.Snapshot()})
}

// PutDraft 更新输入框内容。
func (h *ConversationHandler) PutDraft(c *gin.Context) {
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	h.panel(c).SetDraft(req.Text)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// PutVisibility 打开或关闭面板。
func (h *ConversationHandler) PutVisibility(c *gin.Context) {
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	h.panel(c).SetOpen(*req.Open)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}
