package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"ehr.dispatch.dlq_alert"}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != SignPayload(payload, "secret") {
		t.Error("expected deterministic signature")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte("body")
	sig := SignPayload(payload, "k")
	if !VerifySignature(payload, "k", sig) {
		t.Error("expected bare signature to verify")
	}
	if !VerifySignature(payload, "k", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte("tampered"), "k", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestNewPoster_ValidatesURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "https://", "://bad"} {
		if _, err := NewPoster(u, ""); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
	if _, err := NewPoster("https://alerts.example.com/hook", "s"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPoster_Post(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewPoster(srv.URL, "alert-secret")
	if err != nil {
		t.Fatalf("NewPoster: %v", err)
	}

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	attempt, err := p.Post(context.Background(), Event{
		ID:        "evt-1",
		Type:      "ehr.dispatch.dlq_alert",
		TenantID:  "org_1",
		Payload:   json.RawMessage(`{"deadLetterCount":7}`),
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Status != "success" || attempt.StatusCode != http.StatusNoContent {
		t.Errorf("unexpected attempt %+v", attempt)
	}

	sig := gotHeaders.Get("X-Webhook-Signature")
	if !strings.HasPrefix(sig, "sha256=") || !VerifySignature(gotBody, "alert-secret", sig) {
		t.Errorf("signature header %q does not verify", sig)
	}
	if gotHeaders.Get("X-Webhook-Timestamp") != "2024-03-01T10:00:00Z" {
		t.Errorf("unexpected timestamp header %q", gotHeaders.Get("X-Webhook-Timestamp"))
	}
	if gotHeaders.Get("X-Webhook-Event") != "ehr.dispatch.dlq_alert" {
		t.Errorf("unexpected event header %q", gotHeaders.Get("X-Webhook-Event"))
	}

	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TenantID != "org_1" || string(decoded.Payload) != `{"deadLetterCount":7}` {
		t.Errorf("unexpected body %s", gotBody)
	}
}

func TestPoster_Post_Unsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Signature") != "" {
			t.Error("expected no signature without a secret")
		}
	}))
	defer srv.Close()

	p, _ := NewPoster(srv.URL, "")
	attempt, err := p.Post(context.Background(), Event{Type: "ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.EventID == "" {
		t.Error("expected generated event id")
	}
}

func TestPoster_Post_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("e", 4096)))
	}))
	defer srv.Close()

	p, _ := NewPoster(srv.URL, "s")
	attempt, err := p.Post(context.Background(), Event{Type: "ping"})
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if attempt.Status != "failed" || attempt.StatusCode != 500 {
		t.Errorf("unexpected attempt %+v", attempt)
	}
	if len(attempt.ResponseBody) != 1024 {
		t.Errorf("expected response body capped at 1KB, got %d", len(attempt.ResponseBody))
	}
}

func TestPoster_Post_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, _ := NewPoster(url, "s")
	attempt, err := p.Post(context.Background(), Event{Type: "ping"})
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if attempt.Error == "" || attempt.Status != "failed" {
		t.Errorf("unexpected attempt %+v", attempt)
	}
}
