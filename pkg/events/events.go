// Package events defines the delivery events emitted by chat sessions.
package events

import "context"

// Kind is the outcome recorded by a DeliveryEvent.
type Kind string

const (
	KindDelivered Kind = "delivered"
	KindFailed    Kind = "failed"
	KindRetry     Kind = "retry"
)

// DeliveryEvent represents one terminal outcome (or retry) of a user message.
type DeliveryEvent struct {
	ClientID    string `json:"client_id"`
	MessageID   string `json:"message_id"`
	Kind        Kind   `json:"kind"`
	Attachments int    `json:"attachments"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Publisher sends delivery events to a downstream sink.
type Publisher interface {
	Publish(ctx context.Context, e DeliveryEvent) error
}

type nopPublisher struct{}

// Nop returns a Publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, DeliveryEvent) error { return nil }
