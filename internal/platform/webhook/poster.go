// Package webhook posts HMAC-SHA256 signed JSON events to a single endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope delivered to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records the outcome of one POST.
type DeliveryAttempt struct {
	EventID      string        `json:"event_id"`
	Signature    string        `json:"signature,omitempty"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Poster.
type Option func(*Poster)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poster) { p.httpClient = c }
}

// Poster delivers events to one URL. An empty secret disables signing.
type Poster struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewPoster validates rawURL and returns a Poster for it.
func NewPoster(rawURL, secret string, opts ...Option) (*Poster, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	p := &Poster{
		url:        rawURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook: url must have a host")
	}
	return nil
}

// Post signs and sends event. The returned attempt is always non-nil; err is
// set when the endpoint could not be reached or answered non-2xx.
func (p *Poster) Post(ctx context.Context, event Event) (*DeliveryAttempt, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attempt := &DeliveryAttempt{EventID: event.ID, Status: "failed"}

	payload, err := json.Marshal(event)
	if err != nil {
		attempt.Error = err.Error()
		return attempt, fmt.Errorf("webhook: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		return attempt, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", event.ID)
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", event.Timestamp.UTC().Format(time.RFC3339))
	if p.secret != "" {
		attempt.Signature = SignPayload(payload, p.secret)
		req.Header.Set("X-Webhook-Signature", "sha256="+attempt.Signature)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = err.Error()
		return attempt, fmt.Errorf("webhook: post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		return attempt, fmt.Errorf("webhook: %s", attempt.Error)
	}

	attempt.Status = "success"
	return attempt, nil
}
