package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/platform/contract"
	"github.com/ehr/dispatch/internal/platform/db"
	"github.com/ehr/dispatch/internal/platform/hipaa"
	"github.com/ehr/dispatch/internal/platform/transport"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testPayload(t *testing.T, idempotencyKey string) json.RawMessage {
	t.Helper()
	p := contract.ClinicalPayload{
		OrgID: "org1",
		Encounter: contract.EncounterInfo{
			ID:         "enc-1",
			ExternalID: "V-1001",
			StartedAt:  "2024-06-01T10:00:00Z",
		},
		Patient: contract.PatientInfo{
			ID:          "pat-1",
			ExternalID:  "MRN-77",
			FirstName:   "Jane",
			LastName:    "Doe",
			DateOfBirth: "1980-05-15",
			Sex:         "female",
		},
		Provider:       contract.ProviderInfo{Name: "Dr. Smith", NPI: "1234567890"},
		Note:           contract.NoteInfo{ID: "note-1", Text: "Cough for three days."},
		PatientSummary: "Stable adult with acute bronchitis.",
		Billing: contract.BillingInfo{
			CPTCodes:             []contract.CPTCode{{Code: "99213", Units: 1}},
			ICD10Codes:           []string{"J20.9"},
			EstimatedChargeCents: 12500,
		},
	}
	if idempotencyKey != "" {
		p.Dispatch = &contract.DispatchMetadata{IdempotencyKey: idempotencyKey}
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func tenantCtx() context.Context {
	return db.WithTenantID(context.Background(), "org1")
}

type sendCall struct {
	Delivery transport.Delivery
}

// mockSender returns the queued outcomes in order, then repeats the last.
type mockSender struct {
	mu      sync.Mutex
	calls   []sendCall
	results []transport.Result
	errs    []error
}

func (m *mockSender) Send(_ context.Context, d transport.Delivery) (transport.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, sendCall{Delivery: d})

	var res transport.Result
	var err error
	if len(m.results) > 0 {
		res = m.results[min(i, len(m.results)-1)]
	}
	if len(m.errs) > 0 {
		err = m.errs[min(i, len(m.errs)-1)]
	}
	return res, err
}

func (m *mockSender) Calls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

type mockAuditWriter struct {
	mu     sync.Mutex
	events []*hipaa.AuditEvent
}

func (m *mockAuditWriter) WriteAudit(_ context.Context, ev *hipaa.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockAuditWriter) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

func (m *mockAuditWriter) Last() *hipaa.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func newTestEngine(repo JobRepository, sender Sender, audit hipaa.AuditWriter, cfg EngineConfig) *Engine {
	e := NewEngine(repo, sender, audit, cfg, zerolog.Nop())
	e.nowFunc = func() time.Time { return testNow }
	return e
}

func seedJob(t *testing.T, repo JobRepository, target contract.Target, vendor contract.Vendor, maxAttempts int, payload json.RawMessage) *Job {
	t.Helper()
	j := &Job{
		OrgID:        "org1",
		EncounterID:  "enc-1",
		Target:       target,
		Vendor:       vendor,
		ContractType: contract.ContractTypeFor(target),
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		Payload:      payload,
	}
	if err := repo.Create(tenantCtx(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}
