// Package restapi is the typed client for the order REST endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"go.uber.org/zap"
)

const maxResponseBytes = 10 << 20

var (
	// ErrNetwork matches every *NetworkError.
	ErrNetwork      = errors.New("network error")
	ErrNotFound     = errors.New("order not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// NetworkError is a failed or timed-out request, or a server-side failure.
// It is always worth retrying.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// APIError is a request the server understood and refused.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known statuses onto package and status machine sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return orderstatus.ErrInvalidTransition
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(e.Message), "status") {
			return orderstatus.ErrInvalidStatus
		}
	}
	return nil
}

// Client talks to the order API with a bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, for custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func NewClient(baseURL, token string, log *zap.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.OrNop(log).Named("restapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken swaps the bearer token used by later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ListOrders fetches orders, optionally filtered to the given statuses.
func (c *Client) ListOrders(ctx context.Context, statuses ...orderstatus.Status) ([]order.Order, error) {
	path := "/api/orders"
	if len(statuses) > 0 {
		codes := make([]string, len(statuses))
		for i, s := range statuses {
			codes[i] = s.Code()
		}
		path += "?status=" + url.QueryEscape(strings.Join(codes, ","))
	}
	return c.list(ctx, "list orders", path)
}

// KitchenActive fetches the orders the kitchen display works on.
func (c *Client) KitchenActive(ctx context.Context) ([]order.Order, error) {
	return c.list(ctx, "list kitchen orders", "/api/orders/kitchen/active")
}

func (c *Client) GetOrder(ctx context.Context, id order.ID) (order.Order, error) {
	body, err := c.do(ctx, "get order", http.MethodGet, orderPath(id), nil)
	if err != nil {
		return order.Order{}, err
	}
	return decodeOrder(body)
}

// UpdateStatus asks the server to move an order to status and returns the
// authoritative record.
func (c *Client) UpdateStatus(ctx context.Context, id order.ID, status orderstatus.Status) (order.Order, error) {
	payload := struct {
		Status orderstatus.Status `json:"status"`
	}{Status: status}

	body, err := c.do(ctx, "update order status", http.MethodPut, orderPath(id)+"/status", payload)
	if err != nil {
		return order.Order{}, err
	}
	return decodeOrder(body)
}

// CancelOrder cancels an order. A server answering without a body yields the
// zero Order.
func (c *Client) CancelOrder(ctx context.Context, id order.ID) (order.Order, error) {
	body, err := c.do(ctx, "cancel order", http.MethodDelete, orderPath(id), nil)
	if err != nil {
		return order.Order{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return order.Order{}, nil
	}
	return decodeOrder(body)
}

func orderPath(id order.ID) string {
	return "/api/orders/" + url.PathEscape(id.String())
}

func (c *Client) list(ctx context.Context, op, path string) ([]order.Order, error) {
	body, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(unwrapData(body), &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, order.ErrMalformedOrder, err)
	}

	orders := make([]order.Order, 0, len(raw))
	for i, entry := range raw {
		o, err := order.Decode(entry)
		if err != nil {
			c.logger.Warn("dropping malformed order from list", zap.String("op", op), zap.Int("index", i), zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: create request failed: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(errorMessage(resp.StatusCode, body))}
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	}
}

func decodeOrder(body []byte) (order.Order, error) {
	return order.Decode(unwrapData(body))
}

// unwrapData accepts both {"data": ...} envelopes and bare bodies.
func unwrapData(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	if data, ok := env["data"]; ok {
		return data
	}
	return trimmed
}

func errorMessage(status int, body []byte) string {
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return http.StatusText(status)
}
