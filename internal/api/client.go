// Package api is the client for the Mall Pelayanan Publik REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client talks to the API with two resty clients: reads retry on transport
// errors and 5xx, mutations are sent exactly once.
type Client struct {
	read   *resty.Client
	write  *resty.Client
	logger *zap.Logger
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(opts.Transport)}

	read := newResty(httpClient, opts).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode() >= http.StatusInternalServerError)
		})
	write := newResty(httpClient, opts)

	return &Client{read: read, write: write, logger: opts.Logger}
}

func newResty(httpClient *http.Client, opts Options) *resty.Client {
	client := resty.NewWithClient(httpClient).
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if r.Header.Get("X-Request-ID") == "" {
				r.SetHeader("X-Request-ID", uuid.NewString())
			}
			return nil
		})
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return client
}

// SetToken replaces the bearer token carried by every later request.
func (c *Client) SetToken(token string) {
	c.read.SetAuthToken(token)
	c.write.SetAuthToken(token)
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	req := c.read.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	return c.decode(http.MethodGet, path, resp, err, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.write.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	return c.decode(method, path, resp, err, out)
}

func (c *Client) decode(method, path string, resp *resty.Response, err error, out interface{}) error {
	if err != nil {
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var body errorBody
		_ = json.Unmarshal(resp.Body(), &body)
		apiErr := &Error{Status: resp.StatusCode(), Message: body.message(), Fields: body.Errors}
		c.logger.Info("api request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", apiErr.Status),
			zap.String("message", apiErr.Message),
		)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return decodeData(resp.Body(), out)
}

// decodeData unwraps the {message, data} envelope and, for paginated lists,
// the nested {data: [...]} page.
func decodeData(raw []byte, out interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	payload := json.RawMessage(raw)
	if raw[0] == '{' {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if len(env.Data) > 0 {
			payload = env.Data
		}
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(payload, out); err == nil {
		return nil
	}
	var page envelope
	if err := json.Unmarshal(payload, &page); err != nil || len(page.Data) == 0 {
		return fmt.Errorf("decode payload: unexpected shape")
	}
	if err := json.Unmarshal(page.Data, out); err != nil {
		return fmt.Errorf("decode page: %w", err)
	}
	return nil
}
