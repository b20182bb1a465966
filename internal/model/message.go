// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DeliveryStatus 是用户消息一次往返的投递状态。
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

const (
	// DefaultGreeting 是新会话唯一的一条助手消息。
	DefaultGreeting = "Hi! I'm the Building Material Warehouse assistant. Tell me your budget and the look you want, and I’ll recommend materials from our Collections."
	// DefaultApology 在投递失败时追加，保证用户总能看到回复。
	DefaultApology = "Sorry, I encountered an error. Please try again later or use the Contact Us button to reach our team."
)

// ErrStatusOnAssistant 在尝试给助手消息设置投递状态时返回。
var ErrStatusOnAssistant = errors.New("delivery status is only carried by user messages")

// Product 是助手返回的商品引用，结构对本系统不透明。
type Product = json.RawMessage

// Message 是对话中的一条消息。Status 只对用户消息有意义。
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Products    []Product      `json:"products,omitempty"`
	Status      DeliveryStatus `json:"status,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// NewUserMessage 创建一条处于 sending 状态的用户消息。
// 仅带附件的消息使用合成的占位文本，保证 Content 非空。
func NewUserMessage(content string, attachments []Attachment) Message {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) > 0 {
		content = AttachmentPlaceholder(attachments)
	}
	return Message{
		ID:          NewMessageID(),
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
		Status:      StatusSending,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// NewAssistantMessage 创建一条助手消息，助手消息构造后即视为已送达。
func NewAssistantMessage(content string, products []Product) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleAssistant,
		Content:   content,
		Products:  products,
		Timestamp: time.Now().UnixMilli(),
	}
}

// IsUser 判断是否为用户消息。
func (m Message) IsUser() bool { return m.Role == RoleUser }

// SetStatus 修改用户消息的投递状态。
func (m *Message) SetStatus(status DeliveryStatus) error {
	if m.Role != RoleUser {
		return ErrStatusOnAssistant
	}
	m.Status = status
	return nil
}

// Clone 返回一份不共享附件与商品切片的副本。
func (m Message) Clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Products != nil {
		c.Products = append([]Product(nil), m.Products...)
	}
	return c
}

// UnmarshalJSON 丢弃助手消息上的 status 字段，保证状态只出现在用户消息上。
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	if m.Role != RoleUser {
		m.Status = ""
	}
	return nil
}

// NewMessageID 生成基于时间的消息 ID，并带随机后缀避免冲突。
func NewMessageID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + suffix
}

// CloneMessages 深拷贝消息列表。
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
