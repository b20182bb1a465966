package repository

import (
	"context"
	"encoding/json"
	"errors"

	"bmw-assistant-go/internal/model"
	"bmw-assistant-go/pkg/log"
)

// ConversationRepository 保存与恢复一个面板的完整对话记录。
// 所有错误只记录日志，不向调用方返回。
type ConversationRepository interface {
	Save(ctx context.Context, messages []model.Message)
	Load(ctx context.Context) []model.Message
	Clear(ctx context.Context)
}

type conversationRepository struct {
	store    KeyValueStore
	key      string
	greeting string
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
// greeting 为空时使用默认欢迎语。
func NewConversationRepository(store KeyValueStore, key, greeting string) ConversationRepository {
	if greeting == "" {
		greeting = model.DefaultGreeting
	}
	return &conversationRepository{store: store, key: key, greeting: greeting}
}

// Save 序列化对话记录，本地预览引用在写入前被剥离。
func (r *conversationRepository) Save(ctx context.Context, messages []model.Message) {
	stored := make([]model.Message, len(messages))
	for i, m := range messages {
		c := m.Clone()
		for j := range c.Attachments {
			c.Attachments[j].PreviewURL = ""
		}
		stored[i] = c
	}

	data, err := json.Marshal(stored)
	if err != nil {
		log.Errorf("[ConversationRepository] 序列化对话记录失败, key: %s, error: %v", r.key, err)
		return
	}
	if err := r.store.Set(ctx, r.key, data); err != nil {
		log.Errorf("[ConversationRepository] 保存对话记录失败, key: %s, error: %v", r.key, err)
	}
}

// Load 返回已保存的对话记录；不存在、无法解析或为空时返回仅含欢迎语的新会话。
func (r *conversationRepository) Load(ctx context.Context) []model.Message {
	data, err := r.store.Get(ctx, r.key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			log.Errorf("[ConversationRepository] 读取对话记录失败, key: %s, error: %v", r.key, err)
		}
		return r.fresh()
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		log.Errorf("[ConversationRepository] 对话记录已损坏, key: %s, error: %v", r.key, err)
		return r.fresh()
	}
	if len(messages) == 0 {
		return r.fresh()
	}
	return messages
}

// Clear 删除已保存的对话记录。
func (r *conversationRepository) Clear(ctx context.Context) {
	if err := r.store.Delete(ctx, r.key); err != nil {
		log.Errorf("[ConversationRepository] 清除对话记录失败, key: %s, error: %v", r.key, err)
	}
}

func (r *conversationRepository) fresh() []model.Message {
	return []model.Message{model.NewAssistantMessage(r.greeting, nil)}
}
