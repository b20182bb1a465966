// Package llm provides a client for the assistant's chat completion endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnsuccessful 表示对话接口未返回成功结果：非 2xx、status 不为 success 或响应无法解析。
var ErrUnsuccessful = errors.New("completion unsuccessful")

// Client defines the interface for a chat completion client.
type Client interface {
	// Complete 发送完整的对话记录，返回助手的一条回复。
	Complete(ctx context.Context, messages []Message) (*Reply, error)
}

// Attachment 是随消息发送的附件摘要。
type Attachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Message 表示一条角色消息
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Reply 是助手的回复。
type Reply struct {
	Content  string
	Products []json.RawMessage
}

type chatRequest struct {
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Status   string            `json:"status"`
	Message  string            `json:"message"`
	Content  string            `json:"content"`
	Products []json.RawMessage `json:"products"`
}

type httpClient struct {
	url    string
	client *http.Client
}

// NewClient creates a completion client posting to baseURL+path.
func NewClient(baseURL, path string, timeout time.Duration) Client {
	return &httpClient{
		url:    strings.TrimRight(baseURL, "/") + path,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) Complete(ctx context.Context, messages []Message) (*Reply, error) {
	reqBytes, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: chat api returned %s, body: %s", ErrUnsuccessful, resp.Status, strings.TrimSpace(string(body)))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid chat response: %v", ErrUnsuccessful, err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("%w: chat api status %q", ErrUnsuccessful, out.Status)
	}

	reply := &Reply{Content: out.Message, Products: out.Products}
	if strings.TrimSpace(reply.Content) == "" {
		reply.Content = out.Content
	}
	if strings.TrimSpace(reply.Content) == "" {
		return nil, fmt.Errorf("%w: chat api returned an empty reply", ErrUnsuccessful)
	}
	return reply, nil
}
