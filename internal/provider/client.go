package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/codexbridge/codexbridge/internal/common/config"
	apperrors "github.com/codexbridge/codexbridge/internal/common/errors"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Client is the messaging-provider HTTP client
type Client struct {
	apiBase    string
	apiKey     string
	apiSecret  string
	fromNumber string

	httpClient *http.Client

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration

	logger *logger.Logger
}

// NewClient creates a provider client from configuration
func NewClient(cfg config.ProviderConfig, poll config.PollConfig, log *logger.Logger) *Client {
	attempts := poll.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := time.Duration(poll.RetryBaseMs) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := time.Duration(poll.RetryMaxMs) * time.Millisecond
	if max <= 0 {
		max = 4 * time.Second
	}
	timeout := poll.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		apiBase:       strings.TrimSuffix(cfg.APIBase, "/"),
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		fromNumber:    cfg.FromNumber,
		httpClient:    &http.Client{Timeout: timeout},
		retryAttempts: attempts,
		retryBase:     base,
		retryMax:      max,
		logger:        log.WithFields(zap.String("component", "provider-client")),
	}
}

// NormalizePhoneNumber strips non-digits and prefixes "+". An input with no
// digits is rejected.
func NormalizePhoneNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return "", fmt.Errorf("phone number %q has no digits", raw)
	}
	return "+" + digits.String(), nil
}

// GetMessages fetches up to limit latest messages, retrying transient failures
func (c *Client) GetMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	url := fmt.Sprintf("%s/v2/messages?limit=%d", c.apiBase, limit)

	body, err := c.doWithRetry(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.ProviderRejected("malformed messages response", err)
	}
	return resp.Data, nil
}

// SendMessage sends one outbound message chunk and returns its handle
func (c *Client) SendMessage(ctx context.Context, number, content string) (string, error) {
	payload := map[string]string{
		"number":      number,
		"from_number": c.fromNumber,
		"content":     content,
	}
	body, err := c.doWithRetry(ctx, http.MethodPost, c.apiBase+"/send-message", payload)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.ProviderRejected("malformed send response", err)
	}
	if resp.MessageHandle != "" {
		return resp.MessageHandle, nil
	}
	return resp.ID, nil
}

// SendTypingIndicator signals typing to the user; best-effort
func (c *Client) SendTypingIndicator(ctx context.Context, number string) error {
	payload := map[string]string{
		"number":      number,
		"from_number": c.fromNumber,
	}
	_, err := c.do(ctx, http.MethodPost, c.apiBase+"/send-typing-indicator", payload)
	return err
}

// MarkRead marks an inbound message read; best-effort and advisory only
func (c *Client) MarkRead(ctx context.Context, messageHandle string) error {
	payload := map[string]string{
		"message_handle": messageHandle,
	}
	_, err := c.do(ctx, http.MethodPost, c.apiBase+"/mark-read", payload)
	return err
}

// doWithRetry performs a request with exponential backoff and jitter on
// retryable statuses and network errors
func (c *Client) doWithRetry(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		body, err := c.do(ctx, method, url, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		if attempt == c.retryAttempts {
			break
		}

		delay := c.retryBase << (attempt - 1)
		if delay > c.retryMax {
			delay = c.retryMax
		}
		delay += time.Duration(rand.Int63n(int64(delay) / 2))

		c.logger.Debug("retrying provider request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Secret", c.apiSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.ProviderTransient("provider request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, apperrors.ProviderTransient("failed to read provider response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case isRetryableStatus(resp.StatusCode):
		return nil, apperrors.ProviderTransient(
			fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	default:
		return nil, apperrors.ProviderRejected(
			fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncateBody(body)), nil)
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max])
}
