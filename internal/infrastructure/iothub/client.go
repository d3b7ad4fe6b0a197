package iothub

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

	"github.com/cenkalti/backoff"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
)

const (
	defaultAPIVersion = "2021-04-12"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 4

	maxResponseSize = 4 << 20

	headerContinuation = "x-ms-continuation"
	headerMaxItemCount = "x-ms-max-item-count"
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options tune a Client.
type Options struct {
	APIVersion string
	Timeout    time.Duration
	MaxRetries int

	// BaseURL overrides https://{HostName}. Used by tests.
	BaseURL string

	// InitialBackoff overrides the first retry delay.
	InitialBackoff time.Duration
}

// Client talks to the IoT Hub service REST API.
//
// Throttled (429) and unavailable (5xx) responses are retried with
// exponential backoff; every other failure is returned immediately as a
// *StatusError wrapping a sentinel.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	conn           ConnectionString
	baseURL        string
	apiVersion     string
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time

	logger Logger
}

// NewFromConfig builds a client from the iothub config section.
func NewFromConfig(cfg config.IoTHubConfig) (*Client, error) {
	return New(cfg.ConnectionString, Options{
		APIVersion: cfg.APIVersion,
		Timeout:    time.Duration(cfg.Timeout) * time.Second,
		MaxRetries: cfg.MaxRetries,
	})
}

// New parses the connection string and returns a client. No request is made.
func New(connectionString string, opts Options) (*Client, error) {
	conn, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	if opts.APIVersion == "" {
		opts.APIVersion = defaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://" + conn.HostName
	}

	return &Client{
		conn:           conn,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiVersion:     opts.APIVersion,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		now:            time.Now,
		logger:         noopLogger{},
	}, nil
}

// SetLogger sets the logger for retry diagnostics.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// HostName returns the hub host the client talks to.
func (c *Client) HostName() string {
	return c.conn.HostName
}

// HealthCheck reads the service statistics to prove credentials and
// connectivity.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.Statistics(ctx); err != nil {
		return fmt.Errorf("iothub health check: %w", err)
	}
	return nil
}

// request describes one REST call.
type request struct {
	method  string
	path    string
	query   url.Values
	headers map[string]string
	body    any
	out     any
}

// do executes req with retries and returns the final response headers.
func (c *Client) do(ctx context.Context, req request) (http.Header, error) {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", req.method, req.path, err)
		}
	}

	query := url.Values{}
	for k, v := range req.query {
		query[k] = v
	}
	query.Set("api-version", c.apiVersion)
	target := c.baseURL + req.path + "?" + query.Encode()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = time.Minute

	var headers http.Header
	attempt := 0
	op := func() error {
		attempt++
		h, err := c.send(ctx, req, target, payload)
		if err == nil {
			headers = h
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("retrying iothub request", "method", req.method, "path", req.path, "attempt", attempt, "error", err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if attempt > 1 {
			c.logger.Warn("iothub request failed after retries", "method", req.method, "path", req.path, "attempts", attempt, "error", err)
		}
		return nil, err
	}
	return headers, nil
}

func (c *Client) send(ctx context.Context, req request, target string, payload []byte) (http.Header, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.authorization())
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}
	if len(data) > maxResponseSize {
		return nil, ErrResponseTooLarge
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
			kind:       statusKind(resp.StatusCode),
		}
	}

	if req.out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, req.out); err != nil {
			return nil, fmt.Errorf("decoding %s %s response: %w", req.method, req.path, err)
		}
	}
	return resp.Header, nil
}

// errorMessage extracts the hub's error text from a response body.
func errorMessage(body []byte) string {
	var payload struct {
		Message          string `json:"Message"`
		ExceptionMessage string `json:"ExceptionMessage"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func escape(id string) string {
	return url.PathEscape(id)
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
