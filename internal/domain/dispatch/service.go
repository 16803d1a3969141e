package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/dispatch/internal/platform/auth"
	"github.com/ehr/dispatch/internal/platform/contract"
	"github.com/ehr/dispatch/internal/platform/db"
	"github.com/ehr/dispatch/internal/platform/transport"
)

// ServiceConfig holds the deployment defaults applied at enqueue and the
// settings inspected by the readiness check.
type ServiceConfig struct {
	DefaultTarget contract.Target
	Vendor        contract.Vendor
	MaxAttempts   int
	Auth          auth.OutboundAuth
	Transport     transport.Config
	AlertWindow   time.Duration
}

type Service struct {
	repo    JobRepository
	engine  *Engine
	cfg     ServiceConfig
	nowFunc func() time.Time
}

func NewService(repo JobRepository, engine *Engine, cfg ServiceConfig) *Service {
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = contract.TargetNone
	}
	if cfg.Vendor == "" {
		cfg.Vendor = contract.VendorGeneric
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = DefaultAlertWindow
	}
	return &Service{
		repo:    repo,
		engine:  engine,
		cfg:     cfg,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueRequest creates a job for a finalized encounter. Empty target and
// vendor take the deployment defaults.
type EnqueueRequest struct {
	EncounterID string          `json:"encounter_id"`
	NoteID      string          `json:"note_id,omitempty"`
	Target      string          `json:"target,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Enqueue validates req and stores a PENDING job scoped to the tenant in ctx.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	p, err := contract.DecodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	target := s.cfg.DefaultTarget
	if strings.TrimSpace(req.Target) != "" {
		if target, err = contract.ParseTarget(req.Target); err != nil {
			return nil, err
		}
	}
	vendor := s.cfg.Vendor
	if strings.TrimSpace(req.Vendor) != "" {
		if vendor, err = contract.ParseVendor(req.Vendor); err != nil {
			return nil, err
		}
	}

	encounterID := firstNonBlank(req.EncounterID, p.Encounter.ID)
	if encounterID == "" {
		return nil, fmt.Errorf("encounter_id is required")
	}
	orgID := firstNonBlank(db.TenantFromContext(ctx), p.OrgID)
	if orgID == "" {
		return nil, fmt.Errorf("org_id is required")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be positive")
	}
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	j := &Job{
		ID:           uuid.New(),
		OrgID:        orgID,
		EncounterID:  encounterID,
		NoteID:       strPtr(firstNonBlank(req.NoteID, p.Note.ID)),
		Target:       target,
		Vendor:       vendor,
		ContractType: contract.ContractTypeFor(target),
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		Payload:      cloneBytes(req.Payload),
		CreatedByID:  strPtr(auth.UserIDFromContext(ctx)),
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f ListFilter, limit, offset int) ([]*Job, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Replay(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.engine.Replay(ctx, id)
}

func (s *Service) MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) (*Job, error) {
	return s.engine.MarkDeadLetter(ctx, id, strings.TrimSpace(reason))
}

// ValidateRequest asks for an offline contract check. Empty target and
// vendor take the deployment defaults.
type ValidateRequest struct {
	Payload json.RawMessage `json:"payload"`
	Target  string          `json:"target,omitempty"`
	Vendor  string          `json:"vendor,omitempty"`
}

// ValidateContract builds the contract for req without sending it. Problems,
// including unknown targets or vendors, are reported in the result.
func (s *Service) ValidateContract(req ValidateRequest) contract.ValidationResult {
	target := s.cfg.DefaultTarget
	vendor := s.cfg.Vendor
	var issues []string
	if strings.TrimSpace(req.Target) != "" {
		t, err := contract.ParseTarget(req.Target)
		if err != nil {
			issues = append(issues, err.Error())
		}
		target = t
	}
	if strings.TrimSpace(req.Vendor) != "" {
		v, err := contract.ParseVendor(req.Vendor)
		if err != nil {
			issues = append(issues, err.Error())
		}
		vendor = v
	}
	if len(issues) > 0 {
		return contract.ValidationResult{ContractType: contract.ContractTypeFor(target), Errors: issues}
	}
	return contract.Validate(req.Payload, target, vendor, s.nowFunc())
}

// ReadinessReport describes whether the configured deployment could deliver
// a contract right now.
type ReadinessReport struct {
	Ready        bool                  `json:"ready"`
	Target       contract.Target       `json:"target"`
	Vendor       contract.Vendor       `json:"vendor"`
	ContractType contract.ContractType `json:"contract_type"`
	AuthMode     auth.AuthMode         `json:"auth_mode"`
	Transport    transport.Mode        `json:"transport,omitempty"`
	Issues       []string              `json:"issues"`
}

// Readiness checks the configured target, vendor, auth mode and transport
// without contacting the EHR.
func (s *Service) Readiness() ReadinessReport {
	ct := contract.ContractTypeFor(s.cfg.DefaultTarget)
	authMode := s.cfg.Auth.Mode
	if authMode == "" {
		authMode = auth.AuthModeNone
	}
	r := ReadinessReport{
		Target:       s.cfg.DefaultTarget,
		Vendor:       s.cfg.Vendor,
		ContractType: ct,
		AuthMode:     authMode,
		Issues:       []string{},
	}
	if s.cfg.DefaultTarget == contract.TargetNone {
		r.Issues = append(r.Issues, "DISPATCH_TARGET is NONE; jobs are closed without delivery")
		return r
	}

	authCfg := s.cfg.Auth
	authCfg.Vendor = s.cfg.Vendor
	if _, err := auth.BuildAuthHeaders(authCfg, s.cfg.DefaultTarget, ct, nil, s.nowFunc()); err != nil {
		r.Issues = append(r.Issues, err.Error())
	}

	mode, err := transport.New(s.cfg.Transport).Select(ct)
	if err != nil {
		r.Issues = append(r.Issues, err.Error())
	}
	r.Transport = mode
	if mode == transport.ModeMTLS {
		for _, f := range []struct{ setting, path string }{
			{"DISPATCH_CLIENT_CERT_PATH", s.cfg.Transport.ClientCertPath},
			{"DISPATCH_CLIENT_KEY_PATH", s.cfg.Transport.ClientKeyPath},
			{"DISPATCH_CA_CERT_PATH", s.cfg.Transport.CACertPath},
		} {
			if f.path == "" {
				continue
			}
			if _, err := os.Stat(f.path); err != nil {
				r.Issues = append(r.Issues, fmt.Sprintf("%s %s is not readable", f.setting, f.path))
			}
		}
	}

	r.Ready = len(r.Issues) == 0
	return r
}

// DeadLetterSummary is the current monitor view for one tenant.
type DeadLetterSummary struct {
	Scope         string    `json:"scope"`
	WindowMinutes int       `json:"window_minutes"`
	Since         time.Time `json:"since"`
	DeadLetterStats
}

func (s *Service) DeadLetterSummary(ctx context.Context) (*DeadLetterSummary, error) {
	since := s.nowFunc().Add(-s.cfg.AlertWindow)
	stats, err := s.repo.DeadLetterStats(ctx, since)
	if err != nil {
		return nil, err
	}
	return &DeadLetterSummary{
		Scope:           db.TenantFromContext(ctx),
		WindowMinutes:   int(s.cfg.AlertWindow / time.Minute),
		Since:           since,
		DeadLetterStats: stats,
	}, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
