package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/config"
	"github.com/ehr/dispatch/internal/domain/dispatch"
	"github.com/ehr/dispatch/internal/platform/contract"
	"github.com/ehr/dispatch/internal/platform/db"
)

const samplePayload = `{
	"encounter": {"id": "enc-42", "externalId": "V-42"},
	"patient": {"id": "pat-1", "externalId": "MRN-1", "firstName": "Jane", "lastName": "Doe"},
	"provider": {"name": "Dr. Smith"},
	"note": {"id": "note-9", "text": "Follow-up visit."},
	"billing": {"cptCodes": [{"code": "99213"}], "icd10Codes": ["J20.9"], "estimatedChargeCents": 9000}
}`

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                     "development",
		Port:                    "0",
		JobStore:                config.DriverMemory,
		DefaultTenant:           "default",
		DispatchTarget:          "NONE",
		DispatchVendor:          "GENERIC",
		DispatchAuthMode:        "NONE",
		MaxAttempts:             3,
		BackoffBaseMS:           1000,
		WorkerIntervalSeconds:   1,
		BatchSize:               10,
		LeaseSeconds:            60,
		DLQAlertThreshold:       5,
		DLQAlertWindowMinutes:   60,
		DLQAlertCooldownMinutes: 30,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.DispatchTarget = "CDA"
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestRunServer_ConfigError(t *testing.T) {
	t.Setenv("JOBSTORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })

	err := runServer()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["level"] != "error" || line["message"] != "failed to load config" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestServer_Health(t *testing.T) {
	e := newServer(newTestApp(t, memoryConfig()))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["store"] != "memory" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestServer_EnqueueThenWorkerClosesNoneTarget(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	e := newServer(a)

	reqBody := `{"payload": ` + samplePayload + `}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/jobs", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var job dispatch.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != dispatch.StatusPending {
		t.Errorf("expected PENDING, got %s", job.Status)
	}
	if job.OrgID != "default" || job.EncounterID != "enc-42" {
		t.Errorf("unexpected job identity org=%q encounter=%q", job.OrgID, job.EncounterID)
	}
	if job.Target != contract.TargetNone || job.MaxAttempts != 3 {
		t.Errorf("expected configured defaults, got target=%s max=%d", job.Target, job.MaxAttempts)
	}

	if n := a.newWorker().RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected worker to process 1 job, got %d", n)
	}

	ctx := db.WithTenantID(context.Background(), "default")
	got, err := a.svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != dispatch.StatusDispatched {
		t.Errorf("expected DISPATCHED, got %s", got.Status)
	}
}

func TestServer_ProductionRequiresToken(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.AuthJWTSecret = "test-secret"
	e := newServer(newTestApp(t, cfg))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch/jobs", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAlertSinks(t *testing.T) {
	cfg := memoryConfig()
	sinks, err := alertSinks(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("alertSinks: %v", err)
	}
	if len(sinks) != 1 || sinks[0].Name() != "log" {
		t.Fatalf("expected only the log sink, got %d", len(sinks))
	}

	cfg.AlertWebhookURL = "https://alerts.example.com/hook"
	cfg.TwilioAccountSID = "AC0000"
	cfg.TwilioAuthToken = "token"
	cfg.TwilioFromNumber = "+15550000000"
	cfg.AlertSMSTo = "+15551111111"
	sinks, err = alertSinks(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("alertSinks: %v", err)
	}
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if strings.Join(names, ",") != "log,webhook,sms" {
		t.Errorf("unexpected sinks %v", names)
	}

	cfg.AlertWebhookURL = "ftp://alerts.example.com"
	if _, err := alertSinks(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for non-http webhook url")
	}
}

func TestMonitorState_InvalidRedisURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisURL = "not a url"
	a := newTestApp(t, cfg)
	if _, err := a.newMonitor(); err == nil {
		t.Fatal("expected error for invalid REDIS_URL")
	}
}

func TestPrintJobs(t *testing.T) {
	next := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	lastErr := "https: endpoint returned 503: " + strings.Repeat("x", 100)
	jobs := []*dispatch.Job{{
		ID:           uuid.MustParse("8f14e45f-ceea-467a-9575-0f7e8d1c2a10"),
		Status:       dispatch.StatusRetrying,
		Target:       contract.TargetFHIRR4,
		AttemptCount: 2,
		MaxAttempts:  5,
		EncounterID:  "enc-1",
		NextRetryAt:  &next,
		LastError:    &lastErr,
	}}

	var buf bytes.Buffer
	printJobs(&buf, jobs, 7)
	out := buf.String()

	for _, want := range []string{"8f14e45f-ceea-467a-9575-0f7e8d1c2a10", "RETRYING", "FHIR_R4", "2/5", "2024-06-01T10:00:00Z", "1 of 7 job(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 100)) {
		t.Error("expected last error to be truncated")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("truncate = %q, want %q", got, "abcde...")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{
		"serve": false, "migrate": false, "tenant": false, "jobs": false,
		"validate": false, "readiness": false, "sandbox-mllp": false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}
