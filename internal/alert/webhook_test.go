package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/payvault/internal/notify"
)

func init() {
	retryDelay = time.Millisecond
}

func countingServer(t *testing.T, called *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNotifyMatchesKind(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"fraud_blocked"}},
	}, "coach-1", "device-1", nil)

	d.Notify(notify.Event{Kind: notify.KindFraudBlocked, Message: "blocked tx-1"})
	d.Notify(notify.Event{Kind: notify.KindHaptic})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	srv1 := countingServer(t, &called, http.StatusOK)
	srv2 := countingServer(t, &called, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{"session_lockout"}},
		{URL: srv2.URL, Format: "slack", Events: []string{"*"}},
	}, "coach-1", "device-1", nil)

	d.Notify(notify.Event{Kind: notify.KindSessionLockout, Message: "locked"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestGenericPayloadCarriesIdentity(t *testing.T) {
	got := make(chan AlertEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"fraud_alert"}}}, "coach-1", "device-1", nil)
	d.Notify(notify.Event{
		Kind:    notify.KindFraudAlert,
		Message: "score 0.75",
		Details: map[string]string{"transaction_id": "tx-9"},
		Time:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	})
	d.Wait()

	ev := <-got
	if ev.UserID != "coach-1" || ev.DeviceID != "device-1" || ev.Severity != "warning" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Details["transaction_id"] != "tx-9" || ev.Timestamp != "2026-03-02T14:00:00Z" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestPayloadIsScrubbed(t *testing.T) {
	got := make(chan AlertEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"*"}}}, "coach-1", "device-1", nil)
	d.Notify(notify.Event{
		Kind:    notify.KindFraudBlocked,
		Message: "gateway said card 4111111111111111 is invalid",
		Details: map[string]string{"reason": "token=abc123", "transaction_id": "tx-9"},
	})
	d.Wait()

	ev := <-got
	if ev.Message != "gateway said card [PAN] is invalid" {
		t.Errorf("message = %q", ev.Message)
	}
	if ev.Details["reason"] != "[CRED]" || ev.Details["transaction_id"] != "tx-9" {
		t.Errorf("details = %v", ev.Details)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Kind: "fraud_blocked"}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := countingServer(t, &attempts, http.StatusBadRequest)

	if err := Send(AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Kind: "fraud_blocked"}); err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := countingServer(t, &attempts, http.StatusBadGateway)

	if err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Kind: "fraud_blocked"}); err == nil {
		t.Error("expected error after persistent 5xx")
	}
	if attempts.Load() != maxRetries {
		t.Errorf("expected %d attempts, got %d", maxRetries, attempts.Load())
	}
}

func TestRateLimitedHonorsRetryAfterAndKeepsKey(t *testing.T) {
	var attempts atomic.Int32
	keys := make(chan string, maxRetries)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if r.Header.Get("X-Payvault-Event") != "session_lockout" {
			t.Errorf("event header = %q", r.Header.Get("X-Payvault-Event"))
		}
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Kind: "session_lockout"}); err != nil {
		t.Fatalf("expected success after 429, got: %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
	first, second := <-keys, <-keys
	if first == "" || first != second {
		t.Errorf("idempotency keys = %q / %q", first, second)
	}
}

func TestRejectionReasonIsScrubbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("bad field card=4111111111111111"))
	}))
	defer srv.Close()

	err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Kind: "fraud_blocked"})
	if err == nil {
		t.Fatal("expected error on 422")
	}
	if strings.Contains(err.Error(), "4111111111111111") || !strings.Contains(err.Error(), "HTTP 422") {
		t.Errorf("error = %v", err)
	}
}

func TestSendStopsWhenContextCancelled(t *testing.T) {
	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		cancel()
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := SendContext(ctx, AlertConfig{URL: srv.URL}, AlertEvent{Kind: "fraud_blocked"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"2", 2 * time.Second, true},
		{"3600", maxRetryAfter, true},
		{"-1", 0, false},
		{"soon", 0, false},
		{now.Add(4 * time.Second).Format(http.TimeFormat), 4 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
	}
	for _, tt := range tests {
		got, ok := retryAfter(tt.in, now)
		if got != tt.want || ok != tt.ok {
			t.Errorf("retryAfter(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", AlertEvent{
		Kind:     "fraud_blocked",
		Severity: "critical",
		Message:  "blocked",
		Details:  map[string]string{"score": "0.9"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 5 {
		t.Errorf("expected 5 fields in section, got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	data, err := FormatPayload("pagerduty", AlertEvent{Kind: "session_lockout", Severity: "critical", Message: "locked"})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}
	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" || payload["source"] != "payvault" {
		t.Errorf("payload = %v", payload)
	}
}

func TestSeverityFor(t *testing.T) {
	tests := map[notify.Kind]string{
		notify.KindFraudBlocked:   "critical",
		notify.KindSessionLockout: "critical",
		notify.KindFraudAlert:     "warning",
		notify.KindSessionExpired: "info",
	}
	for kind, want := range tests {
		if got := SeverityFor(kind); got != want {
			t.Errorf("SeverityFor(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, "", "", nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
}
