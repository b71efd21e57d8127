// Package apiclient is the JSON-over-HTTP client shared by the remote collaborators
// of a chat session (assistant, handoff and feedback endpoints).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx answer of the remote API. Code and Message come from a
// structured body ({"error":{"code","message"}} or {"detail": ...}) when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "api: HTTP %d", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// IsStatus reports whether err wraps an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	header  http.Header
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its Timeout must stay zero when
// the client is used for streamed responses.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds every non-streaming request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("apiclient: base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "apiclient: invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("apiclient: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{},
		timeout: 15 * time.Second,
		header:  http.Header{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Endpoint resolves a path template against the base URL. Every "{name}" is
// replaced by the path-escaped value of vars[name].
func (c *Client) Endpoint(tmpl string, vars map[string]string) string {
	p := tmpl
	for k, v := range vars {
		p = strings.ReplaceAll(p, "{"+k+"}", url.PathEscape(v))
	}
	return c.base.JoinPath(p).String()
}

// Do sends the request and returns the response when its status is 2xx. Any
// other status is returned as *APIError with the body consumed and closed.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, DecodeError(resp)
	}
	return resp, nil
}

// GetJSON performs a bounded GET and decodes the JSON answer into out.
func (c *Client) GetJSON(ctx context.Context, endpoint string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, endpoint, nil, out)
}

// PostJSON performs a bounded POST of in and decodes the answer into out (if non-nil).
func (c *Client) PostJSON(ctx context.Context, endpoint string, in, out any) error {
	return c.roundTrip(ctx, http.MethodPost, endpoint, in, out)
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.Do(ctx, method, endpoint, in, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, endpoint)
	}
	return nil
}

// DecodeError builds an APIError from a non-2xx response. It reads, but does not close, the body.
func DecodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var body struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
		Msg    string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		apiErr.Message = truncate(string(raw), 200)
		return apiErr
	}

	if len(body.Error) > 0 {
		var structured struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &structured) == nil {
			apiErr.Code = structured.Code
			apiErr.Message = structured.Message
		} else {
			var s string
			if json.Unmarshal(body.Error, &s) == nil {
				apiErr.Message = s
			}
		}
	}
	if apiErr.Message == "" && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Message = s
		} else {
			apiErr.Message = truncate(string(body.Detail), 200)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = body.Msg
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
