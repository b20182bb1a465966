// Package pipeline 定义了附件上传的核心流程。
package pipeline

import (
	"context"
	"fmt"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/pkg/ingest"
	"bmw-assistant-go/pkg/log"
)

// Processor 将本地文件逐个提交到解析服务，得到可随消息发送的附件。
type Processor struct {
	client   ingest.Client
	previews *attachment.PreviewRegistry
}

// NewProcessor 创建一个新的 Processor 实例。previews 可以为 nil，此时不释放本地预览。
func NewProcessor(client ingest.Client, previews *attachment.PreviewRegistry) *Processor {
	return &Processor{client: client, previews: previews}
}

// Run 按顺序上传 files，返回与输入等长、顺序一致的附件列表。
// localPreviews[i] 是 files[i] 的本地预览引用，没有时为空字符串。
// 单个文件失败不会中断整批，失败的附件没有 RemoteURL，ExtractedContent 记录失败原因。
func (p *Processor) Run(ctx context.Context, files []model.LocalFile, localPreviews []string) []model.Attachment {
	out := make([]model.Attachment, 0, len(files))
	for i, f := range files {
		localPreview := ""
		if i < len(localPreviews) {
			localPreview = localPreviews[i]
		}
		out = append(out, p.process(ctx, f, localPreview))
	}
	return out
}

func (p *Processor) process(ctx context.Context, f model.LocalFile, localPreview string) model.Attachment {
	a := model.Attachment{
		Name:       f.Name,
		MimeType:   attachment.MimeTypeOf(f),
		Size:       f.Size,
		PreviewURL: localPreview,
	}
	if a.Size == 0 {
		a.Size = int64(len(f.Data))
	}

	log.Infof("[Processor] 开始上传附件, FileName: %s, Type: %s, Size: %d", a.Name, a.MimeType, a.Size)
	res, err := p.client.Upload(ctx, a.Name, a.MimeType, f.Data)
	if err != nil {
		log.Warnw("[Processor] 附件上传失败", "fileName", a.Name, "type", a.MimeType, "size", a.Size, "error", err)
		a.ExtractedContent = FailureNote(a, err.Error())
		return a
	}

	a.RemoteURL = res.URL
	a.ExtractedContent = res.Content
	if res.PreviewDataURL != "" {
		if p.previews != nil && localPreview != "" {
			p.previews.Revoke(localPreview)
		}
		a.PreviewURL = res.PreviewDataURL
	}
	log.Infof("[Processor] 附件上传成功, FileName: %s, URL: %s", a.Name, a.RemoteURL)
	return a
}

// FailureNote 生成上传失败附件的说明文本，助手据此知道有文件未能读取。
func FailureNote(a model.Attachment, reason string) string {
	return fmt.Sprintf("[Attachment %q (%s, %s) could not be processed: %s]", a.Name, a.MimeType, FormatSize(a.Size), reason)
}

// FormatSize 以 B / KB / MB 显示文件大小。
func FormatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
