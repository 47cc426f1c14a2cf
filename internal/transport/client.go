// Package transport delivers resources and bundles to a FHIR server over
// HTTP. Every call is a single attempt; callers decide what a failure means.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// DefaultMediaType is sent as both Accept and Content-Type.
const DefaultMediaType = "application/fhir+json"

// Bundle endpoints relative to the base URL.
const (
	TransactionPath = ""
	CollectionPath  = "Bundle"
)

// maxBodyRead bounds how much of a response body is kept.
const maxBodyRead = 64 * 1024

// Response is the outcome of one request.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: non-2xx response: %d", e.Method, e.URL, e.StatusCode)
}

// TokenSource supplies a bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to one FHIR server base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	mediaType  string
	tokens     TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout sets a per-request timeout on the client's HTTP client. Zero
// disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		hc := *cl.httpClient
		hc.Timeout = d
		cl.httpClient = &hc
	}
}

// WithMediaType overrides the FHIR JSON media type.
func WithMediaType(mt string) Option {
	return func(cl *Client) {
		if mt != "" {
			cl.mediaType = mt
		}
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(cl *Client) {
		cl.tokens = ts
	}
}

// NewClient validates baseURL and returns a Client for it.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		mediaType:  DefaultMediaType,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("base url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base url must include a host")
	}
	return nil
}

// BaseURL returns the normalized base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Endpoint joins path segments onto the base URL.
func (c *Client) Endpoint(segments ...string) string {
	parts := []string{c.baseURL}
	for _, s := range segments {
		if s = strings.Trim(s, "/"); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// PutResource upserts one resource at {resourceType}/{id}.
func (c *Client) PutResource(ctx context.Context, resourceType, id string, r *fhir.Object) (*Response, error) {
	if resourceType == "" || id == "" {
		return nil, fmt.Errorf("resource type and id are required")
	}
	body, err := fhir.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}
	return c.do(ctx, http.MethodPut, c.Endpoint(resourceType, url.PathEscape(id)), body)
}

// PostBundle submits a bundle to the endpoint at path, relative to the base
// URL. Use TransactionPath or CollectionPath.
func (c *Client) PostBundle(ctx context.Context, path string, b *fhir.Bundle) (*Response, error) {
	body, err := fhir.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode %s bundle: %w", b.Type, err)
	}
	return c.do(ctx, http.MethodPost, c.Endpoint(path), body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", c.mediaType)
	req.Header.Set("Content-Type", c.mediaType)
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	out := &Response{StatusCode: resp.StatusCode, Body: respBody}
	if !out.OK() {
		return out, &StatusError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return out, nil
}
