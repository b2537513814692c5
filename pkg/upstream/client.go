package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/logutil"
)

const (
	DefaultBaseURL = "https://api-bj.wenxiaobai.com"
	DefaultTimeout = 30 * time.Second

	chatPath     = "/api/v1.0/core/conversation/chat/v3"
	webOrigin    = "https://www.wenxiaobai.com"
	webUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.5845.97 Safari/537.36 Core/1.116.597.400 QQBrowser/19.9.7033.400"
	maxErrorBody = 8 << 10
)

// Credentials identify both the signing identity and the end-user account.
type Credentials struct {
	Username    string
	SecretKey   string
	AccessToken string
	DeviceID    string
}

type Options struct {
	BaseURL            string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time
}

// Stream is an accepted chat call. The caller owns Body.
type Stream struct {
	Body       io.ReadCloser
	StatusCode int
	Header     http.Header
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Bounded wait for headers only; generation can stream for minutes.
	transport.ResponseHeaderTimeout = timeout
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Transport: transport},
		now:     time.Now,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send signs req and opens the event stream. It never retries.
func (c *Client) Send(ctx context.Context, cred Credentials, req ChatRequest) (*Stream, error) {
	body, err := req.Encode()
	if err != nil {
		return nil, err
	}
	sig := Sign(cred.SecretKey, cred.Username, body, c.now())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	h := httpReq.Header
	h.Set("Accept", "text/event-stream, application/json, text/event-stream")
	h.Set("Authorization", sig.Authorization)
	h.Set("Content-Type", "application/json")
	h.Set("Digest", sig.Digest)
	h.Set("Origin", webOrigin)
	h.Set("Referer", webOrigin+"/")
	h.Set("User-Agent", webUserAgent)
	h.Set("X-Yuanshi-Authorization", "Bearer "+cred.AccessToken)
	h.Set("X-Yuanshi-Channel", "browser")
	h.Set("X-Yuanshi-DeviceId", cred.DeviceID)
	h.Set("X-Yuanshi-Platform", "web")
	h["x-date"] = []string{sig.Date}
	slog.Debug("upstream chat request", "url", httpReq.URL.String(), "bytes", len(body), "headers", logutil.RedactHeaders(h))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		slog.Debug("upstream rejected chat", "status", resp.StatusCode, "body", string(b))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		_ = resp.Body.Close()
		return nil, &ContentTypeError{ContentType: ct}
	}
	return &Stream{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}, nil
}
