package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultTimeout bounds one delivery attempt when AlertConfig.Timeout is unset.
	DefaultTimeout = 5 * time.Second
	// DefaultAttempts is the delivery budget when AlertConfig.Attempts is unset.
	DefaultAttempts = 3
)

var (
	httpClient = &http.Client{}
	retryDelay = time.Second
)

func (c AlertConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c AlertConfig) attempts() int {
	if c.Attempts > 0 {
		return c.Attempts
	}
	return DefaultAttempts
}

// Send posts event to the webhook in cfg. Each attempt is bounded by the
// webhook's timeout; 5xx responses and transport errors are retried with a
// linear backoff, 4xx responses are not. Cancelling ctx stops the retries.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	attempts := cfg.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook %s: %w (last error: %v)", event.Event, ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt-1) * retryDelay):
			}
		}

		retry, err := post(ctx, cfg, body, event.Event, attempt)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
}

// post makes one delivery attempt and reports whether a failure is worth
// retrying.
func post(ctx context.Context, cfg AlertConfig, body []byte, event string, attempt int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wardwatch-alert")
	req.Header.Set("X-Wardwatch-Event", event)
	req.Header.Set("X-Wardwatch-Attempt", strconv.Itoa(attempt))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return true, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
	default:
		return true, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}
