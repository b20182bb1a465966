// Package attachment 决定哪些本地文件可以作为附件，以及如何在上传完成前预览它们。
package attachment

import (
	"mime"
	"path/filepath"
	"strings"

	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/pkg/log"
)

// DefaultMaxBytes 是单个附件的大小上限 (10 MiB)。
const DefaultMaxBytes int64 = 10 << 20

var acceptedExactTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
}

// Encoder 负责附件的接收过滤。
type Encoder struct {
	maxBytes int64
}

// NewEncoder 创建 Encoder，maxBytes <= 0 时使用默认上限。
func NewEncoder(maxBytes int64) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Encoder{maxBytes: maxBytes}
}

// MimeTypeOf 返回文件的 MIME 类型，缺失时根据扩展名推断。
func MimeTypeOf(f model.LocalFile) string {
	if t := strings.TrimSpace(f.MimeType); t != "" {
		return strings.ToLower(t)
	}
	ext := filepath.Ext(f.Name)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// baseType 去掉 MIME 参数部分，例如 "text/plain; charset=utf-8"。
func baseType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(strings.ToLower(t))
}

// AcceptsType 判断 MIME 类型是否在白名单内。
func AcceptsType(mimeType string) bool {
	t := baseType(mimeType)
	if strings.HasPrefix(t, "image/") || strings.HasPrefix(t, "text/") {
		return true
	}
	_, ok := acceptedExactTypes[t]
	return ok
}

// IsImage 判断是否为图片，只有图片会生成本地预览。
func IsImage(mimeType string) bool {
	return strings.HasPrefix(baseType(mimeType), "image/")
}

// Accepts 判断单个文件是否可以作为附件。
func (e *Encoder) Accepts(f model.LocalFile) bool {
	return AcceptsType(MimeTypeOf(f)) && sizeOf(f) <= e.maxBytes
}

// Filter 过滤一批文件：类型不符或超出大小的文件被静默丢弃，其余文件照常处理。
func (e *Encoder) Filter(files []model.LocalFile) []model.LocalFile {
	accepted := make([]model.LocalFile, 0, len(files))
	for _, f := range files {
		if !e.Accepts(f) {
			log.Debugf("[Encoder] 丢弃附件 %s (type=%s, size=%d)", f.Name, MimeTypeOf(f), sizeOf(f))
			continue
		}
		f.MimeType = MimeTypeOf(f)
		f.Size = sizeOf(f)
		accepted = append(accepted, f)
	}
	return accepted
}

func sizeOf(f model.LocalFile) int64 {
	if f.Size > 0 {
		return f.Size
	}
	return int64(len(f.Data))
}
