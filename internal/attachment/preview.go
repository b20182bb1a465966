package attachment

import (
	"strings"
	"sync"

	"bmw-assistant-go/internal/model"

	"github.com/google/uuid"
)

// ObjectURLPrefix 是本地预览引用的前缀。
const ObjectURLPrefix = "blob:"

// Preview 是注册表中保存的预览数据。
type Preview struct {
	MimeType string
	Data     []byte
}

// PreviewRegistry 跟踪一个面板创建的全部本地预览引用。
// 每个引用在所属消息被清除或面板销毁时都必须被释放。
type PreviewRegistry struct {
	mu      sync.Mutex
	objects map[string]Preview
}

// NewPreviewRegistry 创建一个空的预览注册表。
func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{objects: make(map[string]Preview)}
}

// Create 为图片生成一个本地预览引用，非图片返回 false。
func (r *PreviewRegistry) Create(f model.LocalFile) (string, bool) {
	mimeType := MimeTypeOf(f)
	if !IsImage(mimeType) {
		return "", false
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.objects[id] = Preview{MimeType: mimeType, Data: f.Data}
	r.mu.Unlock()
	return ObjectURLPrefix + id, true
}

// Resolve 根据引用或其 ID 查找预览数据。
func (r *PreviewRegistry) Resolve(ref string) (Preview, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.objects[strings.TrimPrefix(ref, ObjectURLPrefix)]
	return p, ok
}

// Revoke 释放单个引用，重复释放无副作用。
func (r *PreviewRegistry) Revoke(ref string) {
	if !strings.HasPrefix(ref, ObjectURLPrefix) {
		return
	}
	r.mu.Lock()
	delete(r.objects, strings.TrimPrefix(ref, ObjectURLPrefix))
	r.mu.Unlock()
}

// RevokeAll 释放全部引用并返回释放的数量。
func (r *PreviewRegistry) RevokeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.objects)
	r.objects = make(map[string]Preview)
	return n
}

// Len 返回当前持有的引用数量。
func (r *PreviewRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// IsObjectURL 判断是否为本地预览引用。
func IsObjectURL(ref string) bool {
	return strings.HasPrefix(ref, ObjectURLPrefix)
}
