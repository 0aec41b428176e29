// Package cloud is a client for the OpenRouter Responses API.
package cloud

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

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second

	// Attempts made when the API answers 429, counting the first.
	rateLimitAttempts = 3
	rateLimitBackoff  = 500 * time.Millisecond
)

// ErrUnauthorized is returned when the API rejects the key (HTTP 401 or 403).
var ErrUnauthorized = errors.New("unauthorized")

// ErrRateLimited is returned once rate limit retries are used up.
var ErrRateLimited = errors.New("rate limited")

// Client talks to an OpenRouter compatible endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	headers http.Header
}

// NewClient returns a client for the public OpenRouter API.
func NewClient(apiKey string) *Client {
	h := http.Header{}
	h.Set("HTTP-Referer", "https://github.com/kalambet/nanoviz")
	h.Set("X-Title", "nanoviz")
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		headers: h,
	}
}

// NewClientWithBaseURL is NewClient with a different endpoint. An empty
// baseURL keeps the default.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// HasKey reports whether an API key is configured.
func (c *Client) HasKey() bool {
	return c.apiKey != ""
}

// Respond posts req to /responses. A 429 answer is retried with exponential
// backoff; every other failure is returned at once.
func (c *Client) Respond(ctx context.Context, req ResponseRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rateLimitBackoff
	eb.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, rateLimitAttempts-1), ctx)

	resp, err := backoff.RetryWithData(func() (*Response, error) {
		out, err := c.respondOnce(ctx, body)
		if err != nil && !errors.Is(err, ErrRateLimited) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, policy)
	if errors.Is(err, ErrRateLimited) {
		return nil, fmt.Errorf("giving up after %d attempts: %w", rateLimitAttempts, err)
	}
	return resp, err
}

func (c *Client) respondOnce(ctx context.Context, body []byte) (*Response, error) {
	resp, err := c.do(ctx, http.MethodPost, "/responses", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, fmt.Errorf("response error: %s", out.Error.Message)
	}
	return &out, nil
}

// ListModels returns the models the endpoint offers.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

// do sends one request and maps non-200 answers to errors. On success the
// caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(snippet))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w (HTTP 429)", ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnauthorized, resp.StatusCode, msg)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}
