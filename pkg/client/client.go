package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chunkdrop/pkg/types"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// 错误响应体最多读取这么多字节用于展示
const maxErrorBody = 4 << 10

// StatusError 表示服务端返回了非 2xx 状态码
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Code, e.Body)
}

// ObjectInfo 是列表接口返回的对象描述
type ObjectInfo struct {
	Key         types.ObjectKey `json:"key"`
	Size        int64           `json:"size"`
	ContentType string          `json:"content_type"`
	BatchID     types.BatchID   `json:"batch_id"`
	ChunkSizes  []int64         `json:"chunk_sizes"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Client 封装了与 chunkdrop 服务端的 HTTP 交互
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

type options struct {
	retryMax   int
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*options)

// WithRetryMax 设置传输层自动重试次数，默认 0 (不重试)
func WithRetryMax(n int) Option {
	return func(o *options) { o.retryMax = n }
}

// WithTimeout 设置单个请求的超时，0 表示不超时
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHTTPClient 替换底层的 http.Client (测试里用 httptest 的 client)
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New 创建客户端
// 这里不发起任何网络请求，地址不可达要到第一次调用时才会发现
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", baseURL)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = o.retryMax
	rc.Logger = leveledLogger{l: log.With().Str("component", "http").Logger()}
	// 重试耗尽后仍然把响应交给调用方，以便读出错误信息
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if o.httpClient != nil {
		rc.HTTPClient = o.httpClient
	}
	if o.timeout > 0 {
		rc.HTTPClient.Timeout = o.timeout
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    rc,
	}, nil
}

// BaseURL 返回服务端地址
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// 上传协议
// =============================================================================

// OpenBatch 申请新批次，返回响应体原文
func (c *Client) OpenBatch(ctx context.Context) (string, error) {
	body, err := c.do(ctx, "open batch", http.MethodPost, "/upload", nil, "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PutChunk 上传一个分片
func (c *Client) PutChunk(ctx context.Context, batch types.BatchID, key types.ObjectKey, index types.ChunkIndex, contentType string, data []byte) error {
	p := fmt.Sprintf("/upload/%s/%s/%s", batch, escapeKey(key), index)
	if contentType != "" {
		p += "?content-type=" + url.QueryEscape(contentType)
	}
	op := fmt.Sprintf("put chunk %d of %s", index, key)
	_, err := c.do(ctx, op, http.MethodPut, p, data, "application/octet-stream")
	return err
}

// Commit 请求组装对象，请求体是批次号
func (c *Client) Commit(ctx context.Context, batch types.BatchID, key types.ObjectKey, contentType string) error {
	p := fmt.Sprintf("/upload/commit/%s/%s", batch, escapeKey(key))
	if contentType != "" {
		p += "?content-type=" + url.QueryEscape(contentType)
	}
	_, err := c.do(ctx, "commit "+key.String(), http.MethodPost, p, []byte(batch.String()), "text/plain")
	return err
}

// Delete 按 key 删除对象，返回服务端的文本响应
func (c *Client) Delete(ctx context.Context, key types.ObjectKey) (string, error) {
	body, err := c.do(ctx, "delete "+key.String(), http.MethodDelete, "/upload/"+escapeKey(key), nil, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// =============================================================================
// 查询
// =============================================================================

// List 列出前缀下的对象
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	p := "/objects"
	if prefix != "" {
		p += "?prefix=" + url.QueryEscape(prefix)
	}
	body, err := c.do(ctx, "list", http.MethodGet, p, nil, "")
	if err != nil {
		return nil, err
	}

	var objs []ObjectInfo
	if err := json.Unmarshal(body, &objs); err != nil {
		return nil, fmt.Errorf("failed to decode object list: %w", err)
	}
	return objs, nil
}

// Download 把对象内容写入 w，返回写入的字节数
func (c *Client) Download(ctx context.Context, key types.ObjectKey, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/objects/"+escapeKey(key), nil, "")
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("download "+key.String(), resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

// Health 检查服务端是否可用
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "health", http.MethodGet, "/healthz", nil, "")
	return err
}

// =============================================================================
// 内部实现
// =============================================================================

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// do 发送请求并读取完整响应体，非 2xx 转换为 *StatusError
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, contentType string) ([]byte, error) {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}
	return data, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// escapeKey 逐段转义 key，去掉前导 "/"
// 服务端会重新规范化，"/a/b" 和 "a/b" 指向同一个对象
func escapeKey(key types.ObjectKey) string {
	parts := strings.Split(string(key), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, url.PathEscape(p))
		}
	}
	return strings.Join(out, "/")
}

// leveledLogger 把 retryablehttp 的日志接到 zerolog
type leveledLogger struct {
	l zerolog.Logger
}

func (a leveledLogger) Error(msg string, kv ...interface{}) { a.l.Error().Fields(kv).Msg(msg) }
func (a leveledLogger) Info(msg string, kv ...interface{})  { a.l.Info().Fields(kv).Msg(msg) }
func (a leveledLogger) Debug(msg string, kv ...interface{}) { a.l.Debug().Fields(kv).Msg(msg) }
func (a leveledLogger) Warn(msg string, kv ...interface{})  { a.l.Warn().Fields(kv).Msg(msg) }
