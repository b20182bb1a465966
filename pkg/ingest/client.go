// Package ingest 提供了与附件解析服务交互的客户端。
// 服务端负责存储文件、提取文本并可选地生成预览图。
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnsuccessful 表示解析服务返回了非 2xx 状态或缺少文件地址。
var ErrUnsuccessful = errors.New("ingestion unsuccessful")

// Result 是解析服务的响应。
type Result struct {
	URL            string `json:"url"`
	PreviewDataURL string `json:"previewDataUrl,omitempty"`
	Content        string `json:"content"`
}

// Client 上传单个文件并返回解析结果。
type Client interface {
	Upload(ctx context.Context, name, mimeType string, data []byte) (*Result, error)
}

type restyClient struct {
	http *resty.Client
	path string
}

// NewClient 创建解析服务客户端，baseURL 为 API 根地址，path 为上传接口路径。
func NewClient(baseURL, path string, timeout time.Duration) Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &restyClient{http: c, path: path}
}

// Upload 以 multipart 的 file 字段提交文件。
func (c *restyClient) Upload(ctx context.Context, name, mimeType string, data []byte) (*Result, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", name, mimeType, bytes.NewReader(data)).
		Post(c.path)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnsuccessful, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var result Result
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %v", ErrUnsuccessful, err)
	}
	if result.URL == "" {
		return nil, fmt.Errorf("%w: response has no url", ErrUnsuccessful)
	}
	return &result, nil
}
