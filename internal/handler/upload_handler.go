package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/middleware"
	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/internal/service"
)

// UploadHandler 负责附件的读取与本地预览的访问。
type UploadHandler struct {
	panels   service.PanelService
	maxBytes int64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。maxBytes 为单个附件的大小上限。
func NewUploadHandler(panels service.PanelService, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = attachment.DefaultMaxBytes
	}
	return &UploadHandler{panels: panels, maxBytes: maxBytes}
}

// GetPreview 返回上传完成前的本地图片预览。
func (h *UploadHandler) GetPreview(c *gin.Context) {
	sm := h.panels.Get(c.Request.Context(), middleware.ClientID(c))
	p, ok := sm.Preview(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "预览不存在或已释放", "data": nil})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, p.MimeType, p.Data)
}

// readFiles 读取 multipart 表单中的 files 字段。
// 超出大小上限的文件不读取内容，只保留元数据，交由 Encoder 过滤。
func (h *UploadHandler) readFiles(form *multipart.Form) ([]model.LocalFile, error) {
	if form == nil {
		return nil, nil
	}
	headers := form.File["files"]
	files := make([]model.LocalFile, 0, len(headers))
	for _, fh := range headers {
		f := model.LocalFile{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
		}
		if fh.Size <= h.maxBytes {
			data, err := readAll(fh)
			if err != nil {
				return nil, fmt.Errorf("读取附件 %s 失败: %w", fh.Filename, err)
			}
			f.Data = data
		}
		files = append(files, f)
	}
	return files, nil
}

func readAll(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}
