package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
	maxErrorBody    = 2048
)

// StatusError reports a non-2xx response from a collaborator.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("integration: %s %s returned %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// ClientConfig configures an HTTP collaborator client.
type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

type restClient struct {
	base     string
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRestClient(cfg ClientConfig) (*restClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("integration: base url required")
	}
	c := &restClient{base: base, http: cfg.Client, attempts: cfg.Attempts, backoff: cfg.Backoff, logger: cfg.Logger, sleep: sleepCtx}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.attempts <= 0 {
		c.attempts = defaultAttempts
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// do sends the request and decodes a JSON response into out. Transport errors
// and 5xx responses are retried with linear backoff.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("integration: encode request: %w", err)
		}
	}
	url := c.base + path
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		retry, err := c.once(ctx, method, url, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.attempts {
			break
		}
		c.logger.Warn("integration call failed, retrying",
			slog.String("method", method),
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if err := c.sleep(ctx, time.Duration(attempt)*c.backoff); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *restClient) once(ctx context.Context, method, url string, payload []byte, out any) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		return resp.StatusCode >= 500, statusErr
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("integration: decode %s: %w", url, err)
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
