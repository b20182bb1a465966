package model

import (
	"fmt"
	"strings"
)

// Attachment 是随消息发送的文件，可能处于本地待上传或已由服务端解析的状态。
type Attachment struct {
	Name             string `json:"name"`
	MimeType         string `json:"type"`
	Size             int64  `json:"size"`
	RemoteURL        string `json:"url,omitempty"`
	PreviewURL       string `json:"previewUrl,omitempty"`
	ExtractedContent string `json:"content,omitempty"`
}

// OutboundAttachment 是发送给对话接口的附件形式，不含二进制与预览数据。
type OutboundAttachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Outbound 将附件裁剪为 {name, type, content}。
func (a Attachment) Outbound() OutboundAttachment {
	return OutboundAttachment{Name: a.Name, Type: a.MimeType, Content: a.ExtractedContent}
}

// LocalFile 是用户选中的本地文件。
type LocalFile struct {
	Name     string
	MimeType string
	Size     int64
	Data     []byte `json:"-"`
}

// AttachmentPlaceholder 为只有附件的用户消息生成显示文本。
func AttachmentPlaceholder(attachments []Attachment) string {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Name)
	}
	return fmt.Sprintf("Sent %d attachment(s): %s", len(attachments), strings.Join(names, ", "))
}
