// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"bmw-assistant-go/pkg/events"
	"bmw-assistant-go/pkg/log"
)

// Producer 将投递事件写入 Kafka 主题，同一面板的事件使用相同的 key 以保证顺序。
type Producer struct {
	writer *kafka.Writer
}

var _ events.Publisher = (*Producer)(nil)

// NewProducer 初始化 Kafka 生产者。brokers 为逗号分隔的地址列表。
func NewProducer(brokers, topic string) *Producer {
	addrs := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Infof("Kafka 生产者初始化成功, topic: %s", topic)
	return &Producer{writer: w}
}

// Publish 发送一个投递事件到 Kafka。
func (p *Producer) Publish(ctx context.Context, e events.DeliveryEvent) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write delivery event: %w", err)
	}
	return nil
}

// Close 关闭生产者并刷新缓冲中的消息。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func encode(e events.DeliveryEvent) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	return kafka.Message{Key: []byte(e.ClientID), Value: value}, nil
}
