package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ppiankov/payvault/internal/model"
)

type fakeClient struct {
	name  string
	err   error
	id    string
	block bool
	calls int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Submit(ctx context.Context, _ model.Transaction) (Receipt, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}
	if f.err != nil {
		return Receipt{}, f.err
	}
	return Receipt{ID: f.id}, nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []map[string]string
}

func (r *recordingAuditor) Record(ctx context.Context, kind model.EventKind, details map[string]string) (model.AuditEntry, error) {
	if ctx.Err() != nil {
		return model.AuditEntry{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, details)
	return model.AuditEntry{Kind: kind, Details: details}, nil
}

func (r *recordingAuditor) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e["gateway"]+":"+e["outcome"])
	}
	return out
}

func testTx() model.Transaction {
	return model.Transaction{
		ID:        "tx-1",
		Amount:    decimal.RequireFromString("50.00"),
		Currency:  "USD",
		ClientID:  "client-1",
		Kind:      model.KindSessionFee,
		Timestamp: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestFirstSuccessWins(t *testing.T) {
	aud := &recordingAuditor{}
	r := NewRouter(WithAuditor(aud))
	a := &fakeClient{name: "alpha", id: "a-1"}
	b := &fakeClient{name: "beta", id: "b-1"}

	res, err := r.Submit(context.Background(), testTx(), []Client{a, b})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Gateway != "alpha" || res.Receipt.ID != "a-1" || b.calls != 0 {
		t.Fatalf("unexpected result %+v, beta calls %d", res, b.calls)
	}
	if got := aud.outcomes(); len(got) != 1 || got[0] != "alpha:success" {
		t.Fatalf("audit = %v", got)
	}
}

func TestFailover(t *testing.T) {
	aud := &recordingAuditor{}
	r := NewRouter(WithAuditor(aud))
	clients := []Client{
		&fakeClient{name: "alpha", err: errors.New("connection refused")},
		&fakeClient{name: "beta", err: errors.New("HTTP 503")},
		&fakeClient{name: "gamma", id: "g-1"},
	}
	res, err := r.Submit(context.Background(), testTx(), clients)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Gateway != "gamma" || len(res.Attempts) != 3 {
		t.Fatalf("result = %+v", res)
	}
	want := []string{"alpha:error", "beta:error", "gamma:success"}
	got := aud.outcomes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit = %v, want %v", got, want)
		}
	}
}

func TestAllFailed(t *testing.T) {
	r := NewRouter()
	clients := []Client{
		&fakeClient{name: "alpha", err: errors.New("down")},
		&fakeClient{name: "beta", err: errors.New("down")},
		&fakeClient{name: "gamma", err: errors.New("down")},
	}
	_, err := r.Submit(context.Background(), testTx(), clients)
	if !errors.Is(err, model.ErrAllGatewaysFailed) {
		t.Fatalf("expected ErrAllGatewaysFailed, got %v", err)
	}
	var all *AllFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected *AllFailedError, got %T", err)
	}
	if len(all.Attempts) != 3 || len(all.Errors()) != 3 || all.Declined() {
		t.Fatalf("attempts = %+v", all.Attempts)
	}
}

func TestDeclined(t *testing.T) {
	r := NewRouter()
	declined := func(name string) Client {
		return &fakeClient{name: name, err: errors.Join(errors.New("card refused"), model.ErrDeclined)}
	}

	_, err := r.Submit(context.Background(), testTx(), []Client{declined("a"), declined("b")})
	var all *AllFailedError
	if !errors.As(err, &all) || !all.Declined() {
		t.Fatalf("expected every gateway declined, got %v", err)
	}

	_, err = r.Submit(context.Background(), testTx(), []Client{declined("a"), &fakeClient{name: "b", err: errors.New("down")}})
	if !errors.As(err, &all) || all.Declined() {
		t.Fatalf("mixed failures must not count as declined: %v", err)
	}
}

func TestNoClients(t *testing.T) {
	_, err := NewRouter().Submit(context.Background(), testTx(), nil)
	var all *AllFailedError
	if !errors.As(err, &all) || all.Declined() {
		t.Fatalf("expected AllFailedError without decline, got %v", err)
	}
}

func TestAttemptTimeout(t *testing.T) {
	aud := &recordingAuditor{}
	r := NewRouter(WithAttemptTimeout(20*time.Millisecond), WithAuditor(aud))
	slow := &fakeClient{name: "slow", block: true}
	fast := &fakeClient{name: "fast", id: "f-1"}

	res, err := r.Submit(context.Background(), testTx(), []Client{slow, fast})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Gateway != "fast" {
		t.Fatalf("gateway = %s", res.Gateway)
	}
	if got := aud.outcomes(); got[0] != "slow:timeout" {
		t.Fatalf("audit = %v", got)
	}
}

func TestCancellationStillAudits(t *testing.T) {
	aud := &recordingAuditor{}
	r := NewRouter(WithAuditor(aud))
	ctx, cancel := context.WithCancel(context.Background())
	slow := &fakeClient{name: "slow", block: true}
	next := &fakeClient{name: "next", id: "n-1"}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Submit(ctx, testTx(), []Client{slow, next})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if next.calls != 0 {
		t.Fatal("no further gateway may be tried after cancellation")
	}
	if got := aud.outcomes(); len(got) != 1 || got[0] != "slow:cancelled" {
		t.Fatalf("audit = %v", got)
	}
}

func TestHTTPClient(t *testing.T) {
	var gotBody submitRequest
	var gotHeader, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"id":"gw-123"}`))
		case "/empty":
			_, _ = w.Write([]byte(`{}`))
		case "/declined":
			w.WriteHeader(http.StatusPaymentRequired)
		case "/invalid":
			w.WriteHeader(http.StatusUnprocessableEntity)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	tests := []struct {
		path     string
		wantID   string
		declined bool
		wantErr  bool
	}{
		{path: "/ok", wantID: "gw-123"},
		{path: "/empty", wantErr: true},
		{path: "/declined", wantErr: true, declined: true},
		{path: "/invalid", wantErr: true, declined: true},
		{path: "/down", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c, err := NewHTTPClient(HTTPConfig{
				Name:    "test",
				URL:     srv.URL + tt.path,
				Headers: map[string]string{"X-Api-Key": "k"},
			}, srv.Client())
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			rec, err := c.Submit(context.Background(), testTx())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, model.ErrDeclined) != tt.declined {
				t.Fatalf("declined = %v, want %v (%v)", !tt.declined, tt.declined, err)
			}
			if rec.ID != tt.wantID {
				t.Fatalf("receipt = %q", rec.ID)
			}
			if gotHeader != "k" || gotKey != "tx-1" {
				t.Fatalf("headers = %q %q", gotHeader, gotKey)
			}
			if gotBody.Amount != "50" || gotBody.Currency != "USD" {
				t.Fatalf("body = %+v", gotBody)
			}
		})
	}
}

func TestHTTPClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{Name: "limited", URL: srv.URL, RateLimit: 0.001, Burst: 1}, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if _, err := c.Submit(context.Background(), testTx()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Submit(ctx, testTx()); err == nil {
		t.Fatal("expected the second call to be rate limited")
	}
}

func TestNewHTTPClientValidation(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{URL: "http://x"}, nil); err == nil {
		t.Fatal("expected missing name to fail")
	}
	if _, err := NewHTTPClient(HTTPConfig{Name: "x"}, nil); err == nil {
		t.Fatal("expected missing url to fail")
	}
}

func TestHTTPClientScrubsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"card 4111111111111111 has insufficient funds"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{Name: "scrub", URL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	_, err = c.Submit(context.Background(), testTx())
	if !errors.Is(err, model.ErrDeclined) {
		t.Fatalf("expected a decline, got %v", err)
	}
	if strings.Contains(err.Error(), "4111111111111111") || !strings.Contains(err.Error(), "[PAN] has insufficient funds") {
		t.Fatalf("error = %q", err)
	}

	down, err := NewHTTPClient(HTTPConfig{Name: "down", URL: "http://127.0.0.1:1/pay?api_key=sk_live_9"}, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	_, err = down.Submit(context.Background(), testTx())
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if strings.Contains(err.Error(), "sk_live_9") {
		t.Fatalf("credential leaked: %q", err)
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("cause lost: %T", errors.Unwrap(err))
	}
}
