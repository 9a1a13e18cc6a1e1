package alert

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/payvault/internal/redact"
)

const (
	requestTimeout  = 5 * time.Second
	deliveryTimeout = 30 * time.Second
	maxRetries      = 3
	maxRetryAfter   = 10 * time.Second
	maxErrorBody    = 256
)

var (
	httpClient = &http.Client{Timeout: requestTimeout}
	retryDelay = time.Second
)

// Send posts an alert event with a background context.
func Send(cfg AlertConfig, event AlertEvent) error {
	return SendContext(context.Background(), cfg, event)
}

// SendContext posts an alert event to a webhook endpoint. Transport errors,
// 5xx and 429 are retried up to maxRetries, waiting for Retry-After when
// the receiver sends one. Other 4xx responses fail immediately. Every
// attempt carries the same Idempotency-Key so receivers can drop repeats.
func SendContext(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}
	key := idempotencyKey(body)

	var lastErr error
	var wait time.Duration
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, wait); err != nil {
				return fmt.Errorf("alert: webhook abandoned after %d attempts: %w", attempt, errors.Join(err, lastErr))
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("alert: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Payvault-Event", event.Kind)
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		wait = time.Duration(attempt+1) * retryDelay
		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("alert: webhook abandoned: %w", ctx.Err())
			}
			lastErr = err
			continue
		}
		reason := readReason(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = d
			}
			lastErr = fmt.Errorf("webhook returned HTTP %d%s", resp.StatusCode, reason)
		default:
			return fmt.Errorf("alert: webhook rejected: HTTP %d%s", resp.StatusCode, reason)
		}
	}

	return fmt.Errorf("alert: webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// idempotencyKey is derived from the formatted payload, so a retried
// delivery and a re-dispatched identical event share a key.
func idempotencyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

// readReason returns a short scrubbed excerpt of an error body, prefixed
// for appending to an error message. Receivers sometimes echo the payload.
func readReason(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ""
	}
	return ": " + redact.Text(text)
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form,
// capped at maxRetryAfter.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = max(at.Sub(now), 0)
	} else {
		return 0, false
	}
	return min(d, maxRetryAfter), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
