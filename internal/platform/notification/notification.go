// Package notification fans dead-letter alerts out to operator channels:
// a signed webhook, SMS through Twilio, and the structured log.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AlertEvent describes a dead-letter threshold breach for one scope.
type AlertEvent struct {
	Type            string    `json:"type"`
	Scope           string    `json:"scope"`
	DeadLetterCount int       `json:"deadLetterCount"`
	RetryingCount   int       `json:"retryingCount"`
	PendingCount    int       `json:"pendingCount"`
	Threshold       int       `json:"threshold"`
	WindowMinutes   int       `json:"windowMinutes"`
	DetectedAt      time.Time `json:"detectedAt"`
}

// AlertSink is one alert delivery channel.
type AlertSink interface {
	Name() string
	SendAlert(ctx context.Context, event AlertEvent) error
}

// SinkResult is the outcome of delivering to one sink.
type SinkResult struct {
	Sink  string `json:"sink"`
	Error string `json:"error,omitempty"`
}

// Broadcast delivers event to every sink concurrently. Sinks are independent:
// a failing or slow sink never cancels the others. Failures are logged and
// reported in the results, which keep the order of sinks.
func Broadcast(ctx context.Context, sinks []AlertSink, event AlertEvent, logger zerolog.Logger) []SinkResult {
	results := make([]SinkResult, len(sinks))

	var g errgroup.Group
	for i, sink := range sinks {
		i, sink := i, sink
		results[i].Sink = sink.Name()
		g.Go(func() error {
			if err := sink.SendAlert(ctx, event); err != nil {
				results[i].Error = err.Error()
				logger.Warn().Err(err).
					Str("sink", sink.Name()).
					Str("scope", event.Scope).
					Msg("alert sink failed")
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// FormatAlertText renders the short human-readable alert used by SMS and logs.
func FormatAlertText(e AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EHR dispatch dead-letter alert [%s]: %d job(s) dead-lettered in the last %d min (threshold %d).",
		e.Scope, e.DeadLetterCount, e.WindowMinutes, e.Threshold)
	if e.RetryingCount > 0 || e.PendingCount > 0 {
		fmt.Fprintf(&b, " Retrying: %d, pending: %d.", e.RetryingCount, e.PendingCount)
	}
	return b.String()
}

// MockAlertSink is a test double for AlertSink.
type MockAlertSink struct {
	SinkName   string
	ShouldFail bool
	FailError  string
	Delay      time.Duration

	mu    sync.Mutex
	calls []AlertEvent
}

func (m *MockAlertSink) Name() string {
	if m.SinkName == "" {
		return "mock"
	}
	return m.SinkName
}

// SendAlert records the call and optionally fails.
func (m *MockAlertSink) SendAlert(ctx context.Context, event AlertEvent) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, event)
	if m.ShouldFail {
		return fmt.Errorf("%s", m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded alerts.
func (m *MockAlertSink) Calls() []AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertEvent, len(m.calls))
	copy(out, m.calls)
	return out
}
