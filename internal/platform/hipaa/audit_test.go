package hipaa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestNewDispatchEvent(t *testing.T) {
	event := NewDispatchEvent("org_1", ActionDispatchFailed, "job-1", OutcomeFailure, map[string]interface{}{
		"terminal": false,
		"attempt":  2,
	})

	if event.EntityType != "DispatchJob" {
		t.Errorf("expected entity_type DispatchJob, got %q", event.EntityType)
	}
	if event.EntityID != "job-1" || event.OrgID != "org_1" {
		t.Errorf("unexpected identity fields %+v", event)
	}
	if event.Action != "ehr.dispatch.failed" {
		t.Errorf("expected action ehr.dispatch.failed, got %q", event.Action)
	}
	if event.Outcome != "failure" {
		t.Errorf("expected outcome failure, got %q", event.Outcome)
	}
	if event.Recorded.IsZero() {
		t.Error("expected recorded timestamp to be set")
	}
	if event.Details["terminal"] != false {
		t.Error("expected details to be carried")
	}
}

func TestLogAuditWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogAuditWriter(zerolog.New(&buf))

	event := NewDispatchEvent("org_1", ActionDispatchSucceeded, "job-9", OutcomeSuccess, map[string]interface{}{
		"externalMessageId": "ehr-42",
	})
	event.ActorID = "user-1"

	if err := w.WriteAudit(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}
	if event.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if line["action"] != "ehr.dispatch.succeeded" {
		t.Errorf("expected action in log line, got %v", line["action"])
	}
	if line["entity_id"] != "job-9" || line["actor_id"] != "user-1" {
		t.Errorf("unexpected log fields %v", line)
	}
	if line["component"] != "audit" {
		t.Errorf("expected component=audit, got %v", line["component"])
	}
	details, _ := line["details"].(map[string]interface{})
	if details["externalMessageId"] != "ehr-42" {
		t.Errorf("expected details in log line, got %v", line["details"])
	}
}

type recordingWriter struct {
	events []*AuditEvent
	err    error
}

func (r *recordingWriter) WriteAudit(_ context.Context, e *AuditEvent) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiAuditWriter(t *testing.T) {
	failing := &recordingWriter{err: errors.New("db down")}
	ok := &recordingWriter{}
	m := MultiAuditWriter{failing, ok}

	err := m.WriteAudit(context.Background(), NewDispatchEvent("org", ActionDispatchReplayed, "job", OutcomeSuccess, nil))
	if err == nil || err.Error() != "db down" {
		t.Errorf("expected first error to be returned, got %v", err)
	}
	if len(ok.events) != 1 {
		t.Error("a failing writer must not stop the others")
	}
}
