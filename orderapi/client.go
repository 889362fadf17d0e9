package orderapi

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
	"strconv"
	"time"

	"github.com/keychainkit/keychain-go/retry"
)

// Client calls the order API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       TokenSource
	retry      retry.Config
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithAuth sets the bearer token source. Requests are unauthenticated without one.
func WithAuth(auth TokenSource) Option {
	return func(cl *Client) {
		cl.auth = auth
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg retry.Config) Option {
	return func(cl *Client) {
		cl.retry = cfg
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:  retry.DefaultConfig,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder creates a purchase order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var order Order
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderStatus returns the current status of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Quote returns the bridge fee for a deposit. It is not retried here; the
// settlement engine applies its own quote retry policy.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var quote Quote
	if err := c.doRequest(ctx, http.MethodPost, "/quotes", req, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		token, err := c.auth.Token(method, path, bodyBytes)
		if err != nil {
			return fmt.Errorf("generate JWT: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classifyError(resp, method, path)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) classifyError(resp *http.Response, method, path string) error {
	errorType, message, retryable := classify(resp.StatusCode)
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorType:  errorType,
		Message:    message,
		RequestID:  resp.Header.Get("X-Request-ID"),
		Retryable:  retryable,
		Method:     method,
		Path:       path,
	}
	if text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); len(text) > 0 {
		apiErr.Message = string(bytes.TrimSpace(text))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return apiErr
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, body, result interface{}) error {
	attempt := 0
	_, err := retry.WithRetry(ctx, c.retry, Retryable, func() (struct{}, error) {
		err := c.doRequest(ctx, method, path, body, result)
		if err != nil && Retryable(err) {
			c.logger.Warn("order API request failed", "method", method, "path", path, "attempt", attempt+1, "error", err)
		}
		attempt++
		return struct{}{}, err
	})
	return err
}

// Retryable reports whether err is a transient order API failure.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// parseRetryAfter reads integer seconds or an HTTP date, defaulting to a minute.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return time.Minute
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}
