package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

func newHTTPTransport(tlsCfg *tls.Config) *http.Transport {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func (d *Dispatcher) sendHTTP(ctx context.Context, mode Mode, client *http.Client, del Delivery) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(del.Body))
	if err != nil {
		return Result{}, &ConfigError{Setting: "DISPATCH_WEBHOOK_URL", Reason: "is not a valid URL: " + err.Error()}
	}
	for k, v := range del.Headers {
		req.Header.Set(k, v)
	}
	if del.ContentType != "" {
		req.Header.Set("Content-Type", del.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &TransportError{Mode: mode, Message: fmt.Sprintf("request timed out after %s", d.cfg.HTTPTimeout), Err: err}
		}
		return Result{}, &TransportError{Mode: mode, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, resultBodyLimit))
	body := string(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &TransportError{
			Mode:       mode,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, truncate(body, errorBodyLimit)),
		}
	}

	return Result{
		Mode:              mode,
		StatusCode:        resp.StatusCode,
		Body:              body,
		ExternalMessageID: externalMessageID(resp.Header, raw),
	}, nil
}

// externalMessageID prefers the x-message-id and x-request-id headers, then
// messageId or externalMessageId in a JSON body.
func externalMessageID(h http.Header, body []byte) string {
	for _, name := range []string{"X-Message-Id", "X-Request-Id"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}

	var parsed struct {
		MessageID         json.RawMessage `json:"messageId"`
		ExternalMessageID json.RawMessage `json:"externalMessageId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{parsed.MessageID, parsed.ExternalMessageID} {
		if id := scalarString(raw); id != "" {
			return id
		}
	}
	return ""
}

// scalarString renders a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
