package command

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

	"github.com/MrWong99/brokervoice/internal/resilience"
)

// maxErrorBody bounds how much of a failed response body is kept for the error.
const maxErrorBody = 512

// Request is the one-shot command payload.
type Request struct {
	UserID      string `json:"userId"`
	AudioBase64 string `json:"audioBase64"`
}

// Result is the command endpoint's answer.
type Result struct {
	Success     bool   `json:"success"`
	Transcript  string `json:"transcript,omitempty"`
	ActionTaken string `json:"actionTaken,omitempty"`
}

// Endpoint sends one command request and returns the decoded response. A
// response with Success false is not an error at this layer.
type Endpoint interface {
	Send(ctx context.Context, req Request) (Result, error)
}

// StatusError reports a non-2xx response from the command endpoint.
type StatusError struct {
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("command: endpoint returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("command: endpoint returned HTTP %d: %s", e.Code, e.Body)
}

// HTTPClient posts command requests as JSON. When a circuit breaker is
// configured and open, Send fails immediately without issuing a request.
//
// HTTPClient is safe for concurrent use.
type HTTPClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

var _ Endpoint = (*HTTPClient)(nil)

// ClientOption is a functional option for [NewHTTPClient].
type ClientOption func(*HTTPClient)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. Default 30s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithBreaker guards every request with cb.
func WithBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *HTTPClient) { c.breaker = cb }
}

// NewHTTPClient returns a client for the command endpoint at url.
func NewHTTPClient(url string, opts ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("command: endpoint url must not be empty")
	}
	c := &HTTPClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send implements [Endpoint].
func (c *HTTPClient) Send(ctx context.Context, req Request) (Result, error) {
	var res Result
	call := func(ctx context.Context) error {
		var err error
		res, err = c.post(ctx, req)
		return err
	}
	if c.breaker == nil {
		err := call(ctx)
		return res, err
	}
	err := c.breaker.Execute(ctx, call)
	return res, err
}

func (c *HTTPClient) post(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("command: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("command: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("command: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("command: decode response: %w", err)
	}
	return res, nil
}
