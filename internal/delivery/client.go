package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/oicur0t/sqlaudit/pkg/retry"
	"go.uber.org/zap"
)

// StatusError is returned for a non-2xx response
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// ClientConfig configures the collector client
type ClientConfig struct {
	URL       string
	Token     string
	UserAgent string
	Timeout   time.Duration
	Compress  bool
	TLSConfig *tls.Config
	Retry     retry.Config
}

// Client posts JSON payloads to the collector with bounded retries
type Client struct {
	url         string
	token       string
	userAgent   string
	compress    bool
	httpClient  *http.Client
	logger      *zap.Logger
	retryConfig retry.Config
}

// NewClient creates a new HTTP client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     cfg.TLSConfig,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}

	return &Client{
		url:         cfg.URL,
		token:       cfg.Token,
		userAgent:   cfg.UserAgent,
		compress:    cfg.Compress,
		httpClient:  httpClient,
		logger:      logger,
		retryConfig: cfg.Retry,
	}
}

// Post sends payload, retrying transport errors and non-2xx responses
// per the retry policy. Cancelling ctx stops further attempts but lets
// an in-flight request finish under the client timeout.
func (c *Client) Post(ctx context.Context, payload []byte) error {
	body, encoding, err := c.encode(payload)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	attempts := c.retryConfig.Attempts()

	return retry.Do(ctx, c.retryConfig, func(attempt int) error {
		err := c.sendRequest(ctx, body, encoding, requestID)
		if err != nil {
			c.logger.Warn("Request failed",
				zap.String("request_id", requestID),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Bool("timeout", IsTimeout(err)),
				zap.Error(err))
		}
		return err
	})
}

func (c *Client) encode(payload []byte) ([]byte, string, error) {
	if !c.compress {
		return payload, "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}

// sendRequest makes a single HTTP request
func (c *Client) sendRequest(ctx context.Context, body []byte, encoding, requestID string) error {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	c.logger.Debug("Payload accepted",
		zap.String("request_id", requestID),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("bytes", len(body)))

	return nil
}

// IsTimeout reports whether err came from the client timeout
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
