package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/redact"
)

const (
	maxResponseBytes = 64 << 10
	maxReasonLen     = 200
)

// HTTPConfig describes a JSON-over-HTTP gateway endpoint.
type HTTPConfig struct {
	Name      string            `yaml:"name"       json:"name"`
	URL       string            `yaml:"url"        json:"url"`
	Headers   map[string]string `yaml:"headers"    json:"headers,omitempty"`
	RateLimit float64           `yaml:"rate_limit" json:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst     int               `yaml:"burst"      json:"burst,omitempty"`
}

// HTTPClient posts transactions as JSON. 2xx with {"id": ...} is success,
// 402 and 422 are definitive declines, anything else is transient.
type HTTPClient struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates an HTTPClient. The per-attempt deadline comes from
// the router's context, so the underlying http.Client has no timeout of
// its own unless one is passed in.
func NewHTTPClient(cfg HTTPConfig, client *http.Client) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("gateway: name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway %s: url is required", cfg.Name)
	}
	if client == nil {
		client = &http.Client{}
	}
	c := &HTTPClient{cfg: cfg, client: client}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// Name returns the configured gateway name.
func (c *HTTPClient) Name() string { return c.cfg.Name }

type submitRequest struct {
	ID        string     `json:"id"`
	Amount    string     `json:"amount"`
	Currency  string     `json:"currency"`
	ClientID  string     `json:"client_id"`
	Kind      model.Kind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// gatewayError carries a scrubbed message and keeps the cause for
// errors.Is. Transport errors embed the request URL, which may hold
// credentials.
type gatewayError struct {
	msg string
	err error
}

func (e *gatewayError) Error() string { return e.msg }
func (e *gatewayError) Unwrap() error { return e.err }

// reason extracts the gateway's own explanation from an error body,
// scrubbed and truncated.
func reason(data []byte) string {
	var out errorResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return ""
	}
	r := out.Error
	if r == "" {
		r = out.Message
	}
	r = redact.Text(strings.TrimSpace(r))
	if len(r) > maxReasonLen {
		r = r[:maxReasonLen] + "..."
	}
	return r
}

// Submit posts tx to the gateway.
func (c *HTTPClient) Submit(ctx context.Context, tx model.Transaction) (Receipt, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Receipt{}, fmt.Errorf("gateway %s: rate limit: %w", c.cfg.Name, err)
		}
	}

	body, err := json.Marshal(submitRequest{
		ID:        tx.ID,
		Amount:    tx.Amount.String(),
		Currency:  tx.Currency,
		ClientID:  tx.ClientID,
		Kind:      tx.Kind,
		Timestamp: tx.Timestamp,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("gateway %s: encode request: %w", c.cfg.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("gateway %s: create request: %w", c.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", tx.ID)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, &gatewayError{
			msg: fmt.Sprintf("gateway %s: %s", c.cfg.Name, redact.Text(err.Error())),
			err: err,
		}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Receipt{}, fmt.Errorf("gateway %s: read response: %w", c.cfg.Name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out submitResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return Receipt{}, fmt.Errorf("gateway %s: decode response: %w", c.cfg.Name, err)
		}
		if out.ID == "" {
			return Receipt{}, fmt.Errorf("gateway %s: response has no transaction id", c.cfg.Name)
		}
		return Receipt{ID: out.ID}, nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		if r := reason(data); r != "" {
			return Receipt{}, fmt.Errorf("gateway %s: HTTP %d: %s: %w", c.cfg.Name, resp.StatusCode, r, model.ErrDeclined)
		}
		return Receipt{}, fmt.Errorf("gateway %s: HTTP %d: %w", c.cfg.Name, resp.StatusCode, model.ErrDeclined)
	default:
		if r := reason(data); r != "" {
			return Receipt{}, fmt.Errorf("gateway %s: HTTP %d: %s", c.cfg.Name, resp.StatusCode, r)
		}
		return Receipt{}, fmt.Errorf("gateway %s: HTTP %d", c.cfg.Name, resp.StatusCode)
	}
}
