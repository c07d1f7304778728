// Package client talks to the collections HTTP API. Store implements
// database.CollectionStore so the sync core can run against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/utils"

	"github.com/avast/retry-go/v4"
)

var (
	// ErrUnauthorized 服务端拒绝了访问令牌
	ErrUnauthorized = errors.New("remote store rejected credentials")
	// ErrIdentityMismatch 令牌所属用户与请求的用户不一致
	ErrIdentityMismatch = errors.New("credentials belong to a different user")
)

// StatusError is a non-2xx answer that has no more specific mapping.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote store returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote store returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Option 配置 HTTP 传输
type Option func(*transport)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.http = c }
}

// WithRetry sets the attempt count and the initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(t *transport) {
		if attempts > 0 {
			t.attempts = attempts
		}
		t.delay = delay
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(t *transport) {
		if l != nil {
			t.log = l
		}
	}
}

type transport struct {
	baseURL  string
	http     *http.Client
	attempts uint
	delay    time.Duration
	log      *slog.Logger
}

func newTransport(baseURL string, opts []Option) *transport {
	t := &transport{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		attempts: 3,
		delay:    200 * time.Millisecond,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// wireEnvelope 与 utils.APIResponse 对应，data 保留原始 JSON 以便按端点校验
type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *utils.APIError `json:"error"`
}

// call 发送请求并把 data 按 schema 校验后解码到 out
// 网络错误、5xx 与 429 重试；其余错误立即返回
func (t *transport) call(ctx context.Context, method, path string, query url.Values, token string, body interface{}, schema string, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	raw, err := retry.DoWithData(func() ([]byte, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := t.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Unrecoverable(ctx.Err())
			}
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, statusToError(resp.StatusCode, data)
		}
		return data, nil
	},
		retry.Context(ctx),
		retry.Attempts(t.attempts),
		retry.Delay(t.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// RetryIf 会替换默认判断，这里需要显式尊重 Unrecoverable
			if !retry.IsRecoverable(err) {
				return false
			}
			var serr *StatusError
			if errors.As(err, &serr) {
				return serr.Temporary()
			}
			return true
		}),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn("🔁 Remote store retry", "method", method, "path", path, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return err
	}

	return decodeEnvelope(raw, schema, out)
}

func decodeEnvelope(raw []byte, schema string, out interface{}) error {
	if err := validateJSON(schemaEnvelope, raw); err != nil {
		return err
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", database.ErrMalformedResponse, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: success=false on 2xx response", database.ErrMalformedResponse)
	}

	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := validateJSON(schema, data); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", database.ErrMalformedResponse, err)
	}
	return nil
}

// statusToError 将HTTP错误状态映射为存储错误
func statusToError(status int, body []byte) error {
	serr := &StatusError{Status: status, Message: http.StatusText(status)}
	var env wireEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		serr.Code = env.Error.Code
		serr.Message = env.Error.Message
	}

	switch {
	case status == http.StatusConflict:
		return retry.Unrecoverable(fmt.Errorf("%w: %s", database.ErrConflict, serr.Message))
	case status == http.StatusUnauthorized:
		return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrUnauthorized, serr.Message))
	case serr.Temporary():
		return serr
	}
	return retry.Unrecoverable(serr)
}
