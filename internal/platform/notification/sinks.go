package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ehr/dispatch/internal/platform/webhook"
)

// WebhookSink posts alerts as signed JSON events.
type WebhookSink struct {
	poster *webhook.Poster
}

func NewWebhookSink(poster *webhook.Poster) *WebhookSink {
	return &WebhookSink{poster: poster}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) SendAlert(ctx context.Context, event AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook sink: encode alert: %w", err)
	}
	_, err = s.poster.Post(ctx, webhook.Event{
		Type:      event.Type,
		TenantID:  event.Scope,
		Payload:   payload,
		Timestamp: event.DetectedAt,
	})
	return err
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// SMSSink texts the alert to each configured recipient.
type SMSSink struct {
	sender     SMSSender
	recipients []string
}

// NewSMSSink returns a sink for a comma-separated recipient list.
func NewSMSSink(sender SMSSender, recipients string) *SMSSink {
	var to []string
	for _, r := range strings.Split(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	return &SMSSink{sender: sender, recipients: to}
}

func (s *SMSSink) Name() string { return "sms" }

func (s *SMSSink) SendAlert(ctx context.Context, event AlertEvent) error {
	if len(s.recipients) == 0 {
		return errors.New("sms sink: no recipients configured")
	}
	body := FormatAlertText(event)
	var errs []error
	for _, to := range s.recipients {
		if err := s.sender.SendSMS(ctx, to, body); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioSMSSender sends SMS through the Twilio Messages API.
type TwilioSMSSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSMSSender(cfg TwilioConfig) (*TwilioSMSSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio: from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSSender{client: client, from: cfg.FromNumber}, nil
}

func (s *TwilioSMSSender) SendSMS(_ context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio: send to %s: %w", to, err)
	}
	return nil
}

// LogSink writes the alert to the structured log. It is always configured so
// an alert is never silently dropped.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) SendAlert(_ context.Context, event AlertEvent) error {
	s.logger.Error().
		Str("alert", event.Type).
		Str("scope", event.Scope).
		Int("dead_letter_count", event.DeadLetterCount).
		Int("retrying_count", event.RetryingCount).
		Int("pending_count", event.PendingCount).
		Int("threshold", event.Threshold).
		Int("window_minutes", event.WindowMinutes).
		Msg(FormatAlertText(event))
	return nil
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
