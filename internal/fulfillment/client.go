package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"merch-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.printify.com/v1"
	userAgent      = "merch-service/1.0"
	maxBodyBytes   = 4 << 20
)

// Response is the uniform result of every provider call. Transport failures
// are folded into it with StatusCode 0 so callers never branch on them.
type Response[T any] struct {
	Success    bool
	Data       T
	StatusCode int
	Message    string
}

type Options struct {
	BaseURL        string
	Token          string
	ShopID         string
	Timeout        time.Duration
	RequestsPerMin int
	RetryAttempts  int
	InitialBackoff time.Duration
	MaxRetryAfter  time.Duration
	HTTPClient     *http.Client
}

// Client talks to the Printify REST API
type Client struct {
	baseURL       string
	token         string
	shopID        string
	httpClient    *http.Client
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker[*result]
	maxAttempts   int
	backoffStart  time.Duration
	maxRetryAfter time.Duration
	logger        *zap.Logger
}

type result struct {
	status int
	header http.Header
	body   []byte
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.status)
}

// NewClient creates a provider client with its own http client, limiter and breaker
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = 600
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	logger := util.GetLogger()
	burst := opts.RequestsPerMin / 60
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		shopID:      opts.ShopID,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMin)/60), burst),
		maxAttempts: opts.RetryAttempts,
		breaker: gobreaker.NewCircuitBreaker[*result](gobreaker.Settings{
			Name:        "printify",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		backoffStart:  opts.InitialBackoff,
		maxRetryAfter: opts.MaxRetryAfter,
		logger:        logger,
	}
}

// ListProducts fetches one page of the shop's products
func (c *Client) ListProducts(ctx context.Context, page, limit int) Response[*ProductPage] {
	path := fmt.Sprintf("/shops/%s/products.json?page=%d&limit=%d", url.PathEscape(c.shopID), page, limit)
	return call[*ProductPage](ctx, c, "list_products", http.MethodGet, path, nil, true)
}

// GetProduct fetches a single product
func (c *Client) GetProduct(ctx context.Context, productID string) Response[*Product] {
	path := fmt.Sprintf("/shops/%s/products/%s.json", url.PathEscape(c.shopID), url.PathEscape(productID))
	return call[*Product](ctx, c, "get_product", http.MethodGet, path, nil, true)
}

// CreateOrder submits an order. It is never retried: a timed out submission may
// still have been accepted upstream.
func (c *Client) CreateOrder(ctx context.Context, order *OrderRequest) Response[*OrderResult] {
	path := fmt.Sprintf("/shops/%s/orders.json", url.PathEscape(c.shopID))
	return call[*OrderResult](ctx, c, "create_order", http.MethodPost, path, order, false)
}

func call[T any](ctx context.Context, c *Client, op, method, path string, body interface{}, retry bool) Response[T] {
	ctx, span := util.StartSpan(ctx, "FulfillmentClient."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("printify", op).Observe(time.Since(start).Seconds())
	}()

	var resp Response[T]

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			resp.Message = fmt.Sprintf("failed to encode request: %v", err)
			return resp
		}
		payload = b
	}

	res, err := c.execute(ctx, method, path, payload, retry)
	if res == nil {
		resp.Message = fmt.Sprintf("request failed: %v", err)
		return resp
	}

	resp.StatusCode = res.status
	if res.status < 200 || res.status >= 300 {
		resp.Message = errorMessage(res.status, res.body)
		return resp
	}

	if err := json.Unmarshal(res.body, &resp.Data); err != nil {
		resp.Message = fmt.Sprintf("failed to decode response: %v", err)
		return resp
	}

	resp.Success = true
	resp.Message = "Success"
	return resp
}

// execute runs the request through limiter, breaker and retry policy. It returns
// the last response seen, or nil when no response was ever received.
func (c *Client) execute(ctx context.Context, method, path string, payload []byte, retry bool) (*result, error) {
	attempts := 1
	if retry {
		attempts = c.maxAttempts
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoffStart
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var last *result
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		res, err := c.breaker.Execute(func() (*result, error) {
			res, err := c.send(ctx, method, path, payload)
			if err != nil {
				return nil, err
			}
			if retryableStatus(res.status) {
				return res, &statusError{status: res.status}
			}
			return res, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			last = nil
			return backoff.Permanent(err)
		}
		if res != nil {
			last = res
		}
		if err == nil {
			return nil
		}
		if !retry {
			return backoff.Permanent(err)
		}
		if res != nil && res.status == http.StatusTooManyRequests {
			if err := c.waitRetryAfter(ctx, res.header.Get("Retry-After")); err != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Warn("Fulfillment provider request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	return last, err
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &result{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) waitRetryAfter(ctx context.Context, header string) error {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return nil
	}
	wait := time.Duration(secs) * time.Second
	if wait > c.maxRetryAfter {
		wait = c.maxRetryAfter
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// errorMessage extracts a readable message from a provider error body
func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		text := string(body)
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		return fmt.Sprintf("HTTP %d: %s", status, text)
	}

	if payload.Message != "" {
		if details := fieldErrors(payload.Errors); len(details) > 0 {
			return payload.Message + " - " + strings.Join(details, "; ")
		}
		return payload.Message
	}

	if len(payload.Error) > 0 {
		var msg string
		if err := json.Unmarshal(payload.Error, &msg); err == nil && msg != "" {
			return msg
		}
		return string(payload.Error)
	}

	return fmt.Sprintf("API error: %d", status)
}

func fieldErrors(raw json.RawMessage) []string {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var details []string
	for _, field := range keys {
		var list []string
		if err := json.Unmarshal(fields[field], &list); err == nil {
			for _, msg := range list {
				details = append(details, fmt.Sprintf("%s: %s", field, msg))
			}
			continue
		}
		var msg string
		if err := json.Unmarshal(fields[field], &msg); err == nil {
			details = append(details, fmt.Sprintf("%s: %s", field, msg))
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s", field, string(fields[field])))
	}
	return details
}
