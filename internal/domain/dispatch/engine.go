package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/dispatch/internal/platform/auth"
	"github.com/ehr/dispatch/internal/platform/contract"
	"github.com/ehr/dispatch/internal/platform/hipaa"
	"github.com/ehr/dispatch/internal/platform/transport"
)

// Outbound header names set on every delivery.
const (
	HeaderContractType   = "X-RP-Contract-Type"
	HeaderDispatchTarget = "X-RP-Dispatch-Target"
	HeaderDispatchJobID  = "X-RP-Dispatch-Job-Id"
	HeaderIdempotencyKey = "X-RP-Idempotency-Key"
	HeaderIdempotency    = "Idempotency-Key"
)

// ErrAlreadyDispatched is returned by operator actions on a job that was
// already delivered.
var ErrAlreadyDispatched = errors.New("dispatch: job already dispatched")

// ErrJobInFlight is returned by Replay while a worker holds the job's lease.
var ErrJobInFlight = errors.New("dispatch: job has an attempt in progress")

// DefaultDeadLetterReason is recorded when an operator gives no reason.
const DefaultDeadLetterReason = "manually dead-lettered by operator"

// errSuperseded aborts recording an outcome when the job moved on while the
// attempt was in flight.
var errSuperseded = errors.New("dispatch: job changed during attempt")

// Sender delivers one serialized contract. *transport.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, d transport.Delivery) (transport.Result, error)
}

// EngineConfig carries the deployment settings the engine needs per attempt.
type EngineConfig struct {
	// Vendor applies to jobs enqueued without one.
	Vendor      contract.Vendor
	Auth        auth.OutboundAuth
	BackoffBase time.Duration

	// ContractVersion overrides the version carried in the payload; empty
	// keeps the payload's, then contract.DefaultContractVersion.
	ContractVersion string
}

// Engine drives the per-job state machine: PENDING or RETRYING jobs are
// attempted until they reach DISPATCHED or DEAD_LETTER.
type Engine struct {
	repo    JobRepository
	sender  Sender
	audit   hipaa.AuditWriter
	cfg     EngineConfig
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewEngine(repo JobRepository, sender Sender, audit hipaa.AuditWriter, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Vendor == "" {
		cfg.Vendor = contract.VendorGeneric
	}
	return &Engine{
		repo:    repo,
		sender:  sender,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With().Str("component", "dispatch_engine").Logger(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// RetryDelay returns min(MaxBackoff, base * 2^(attempt-1)).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// IdempotencyKeyFor returns the key carried in the job payload, or one
// derived from the job id. It never changes across attempts.
func IdempotencyKeyFor(j *Job) string {
	if p, err := contract.DecodePayload(j.Payload); err == nil {
		if k := p.IdempotencyKey(); k != "" {
			return k
		}
	}
	return "ehr-dispatch:" + j.ID.String()
}

// Attempt makes one delivery attempt for a PENDING or RETRYING job and
// records the outcome. Jobs in a terminal state are returned unchanged.
// Delivery failures are recorded on the job, not returned.
func (e *Engine) Attempt(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Terminal() {
		return j, nil
	}

	now := e.nowFunc()
	log := e.logger.With().
		Str("job_id", j.ID.String()).
		Str("org_id", j.OrgID).
		Str("target", string(j.Target)).
		Int("attempt", j.AttemptCount+1).
		Logger()

	if j.Target == contract.TargetNone {
		return e.recordNotDispatched(ctx, j, now, log)
	}

	key := IdempotencyKeyFor(j)
	res, sendErr := e.deliver(ctx, j, key, now)
	if sendErr != nil {
		return e.recordFailure(ctx, j, key, res, sendErr, now, log)
	}
	return e.recordSuccess(ctx, j, key, res, now, log)
}

func (e *Engine) vendorFor(j *Job) contract.Vendor {
	if j.Vendor != "" {
		return j.Vendor
	}
	return e.cfg.Vendor
}

// unchanged rejects recording an outcome on a job that was delivered,
// dead-lettered or attempted elsewhere since attemptCount was read.
func unchanged(cur *Job, attemptCount int) error {
	switch {
	case cur.Status == StatusDispatched:
		return ErrAlreadyDispatched
	case cur.Status == StatusDeadLetter, cur.AttemptCount != attemptCount:
		return errSuperseded
	}
	return nil
}

// superseded returns the stored job after an outcome was discarded.
func (e *Engine) superseded(ctx context.Context, id uuid.UUID, err error, log zerolog.Logger) (*Job, error) {
	cur, getErr := e.repo.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if errors.Is(err, errSuperseded) {
		log.Warn().Str("status", string(cur.Status)).Msg("job changed during attempt, outcome discarded")
	}
	return cur, nil
}

// deliver builds the contract and headers for j and hands them to the sender.
func (e *Engine) deliver(ctx context.Context, j *Job, key string, now time.Time) (*transport.Result, error) {
	p, err := contract.DecodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	vendor := e.vendorFor(j)
	p = p.WithDispatch(contract.DispatchMetadata{
		IdempotencyKey:  key,
		ContractVersion: e.cfg.ContractVersion,
		DispatchedAt:    now,
	})

	c, err := contract.Build(p, j.Target, vendor)
	if err != nil {
		return nil, err
	}

	authCfg := e.cfg.Auth
	authCfg.Vendor = vendor
	authHeaders, err := auth.BuildAuthHeaders(authCfg, j.Target, c.ContractType, c.Body, now)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		HeaderContractType:   string(c.ContractType),
		HeaderDispatchTarget: string(j.Target),
		HeaderDispatchJobID:  j.ID.String(),
		HeaderIdempotencyKey: key,
		HeaderIdempotency:    key,
	}
	if alias := contract.IdempotencyHeaderFor(vendor); alias != "" {
		headers[alias] = key
	}
	for k, v := range authHeaders {
		headers[k] = v
	}

	res, err := e.sender.Send(ctx, transport.Delivery{
		ContractType: c.ContractType,
		ContentType:  c.ContentType,
		Body:         c.Body,
		Headers:      headers,
	})
	if err != nil {
		var te *transport.TransportError
		if errors.As(err, &te) && te.StatusCode > 0 {
			return &transport.Result{Mode: te.Mode, StatusCode: te.StatusCode}, err
		}
		return nil, err
	}
	return &res, nil
}

func (e *Engine) recordNotDispatched(ctx context.Context, j *Job, now time.Time, log zerolog.Logger) (*Job, error) {
	envelope, _ := json.Marshal(ResponseEnvelope{
		Body:         contract.NotDispatchedBody(),
		ContractType: contract.ContractNone,
		Target:       contract.TargetNone,
	})
	updated, err := e.repo.Update(ctx, j.ID, func(cur *Job) error {
		if err := unchanged(cur, j.AttemptCount); err != nil {
			return err
		}
		cur.AttemptCount++
		cur.Status = StatusDispatched
		cur.ContractType = contract.ContractNone
		cur.DispatchedAt = timePtr(now)
		cur.NextRetryAt = nil
		cur.DeadLetteredAt = nil
		cur.LastError = nil
		cur.Response = envelope
		return nil
	})
	if errors.Is(err, ErrAlreadyDispatched) || errors.Is(err, errSuperseded) {
		return e.superseded(ctx, j.ID, err, log)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: record not-dispatched: %w", err)
	}
	log.Info().Msg("dispatch target is NONE, job closed without delivery")
	e.writeAudit(ctx, updated, hipaa.ActionDispatchSucceeded, hipaa.OutcomeSuccess, map[string]interface{}{
		"attempt":    updated.AttemptCount,
		"target":     string(contract.TargetNone),
		"dispatched": false,
	})
	return updated, nil
}

func (e *Engine) recordSuccess(ctx context.Context, j *Job, key string, res *transport.Result, now time.Time, log zerolog.Logger) (*Job, error) {
	envelope, _ := json.Marshal(ResponseEnvelope{
		Mode:              string(res.Mode),
		StatusCode:        res.StatusCode,
		Body:              rawBody(res.Body),
		ExternalMessageID: res.ExternalMessageID,
		ContractType:      contract.ContractTypeFor(j.Target),
		Target:            j.Target,
		IdempotencyKey:    key,
	})
	updated, err := e.repo.Update(ctx, j.ID, func(cur *Job) error {
		if err := unchanged(cur, j.AttemptCount); err != nil {
			return err
		}
		cur.AttemptCount++
		cur.Status = StatusDispatched
		cur.ContractType = contract.ContractTypeFor(cur.Target)
		cur.DispatchedAt = timePtr(now)
		cur.NextRetryAt = nil
		cur.DeadLetteredAt = nil
		cur.LastError = nil
		cur.ExternalMessageID = strPtr(res.ExternalMessageID)
		cur.Response = envelope
		return nil
	})
	if errors.Is(err, ErrAlreadyDispatched) || errors.Is(err, errSuperseded) {
		return e.superseded(ctx, j.ID, err, log)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: record success: %w", err)
	}

	log.Info().
		Str("mode", string(res.Mode)).
		Int("status_code", res.StatusCode).
		Str("external_message_id", res.ExternalMessageID).
		Msg("dispatch delivered")
	e.writeAudit(ctx, updated, hipaa.ActionDispatchSucceeded, hipaa.OutcomeSuccess, map[string]interface{}{
		"attempt":             updated.AttemptCount,
		"mode":                string(res.Mode),
		"status_code":         res.StatusCode,
		"external_message_id": res.ExternalMessageID,
		"idempotency_key":     key,
	})
	return updated, nil
}

func (e *Engine) recordFailure(ctx context.Context, j *Job, key string, res *transport.Result, sendErr error, now time.Time, log zerolog.Logger) (*Job, error) {
	msg := sendErr.Error()
	kind := errorKind(sendErr)

	var envelope []byte
	if res != nil {
		envelope, _ = json.Marshal(ResponseEnvelope{
			Mode:           string(res.Mode),
			StatusCode:     res.StatusCode,
			ContractType:   contract.ContractTypeFor(j.Target),
			Target:         j.Target,
			IdempotencyKey: key,
		})
	}

	updated, err := e.repo.Update(ctx, j.ID, func(cur *Job) error {
		if err := unchanged(cur, j.AttemptCount); err != nil {
			return err
		}
		cur.AttemptCount++
		cur.LastError = &msg
		if envelope != nil {
			cur.Response = envelope
		}
		if cur.AttemptCount >= cur.MaxAttempts {
			cur.Status = StatusDeadLetter
			cur.DeadLetteredAt = timePtr(now)
			cur.NextRetryAt = nil
			return nil
		}
		cur.Status = StatusRetrying
		cur.DeadLetteredAt = nil
		cur.NextRetryAt = timePtr(now.Add(RetryDelay(e.cfg.BackoffBase, cur.AttemptCount)))
		return nil
	})
	if errors.Is(err, ErrAlreadyDispatched) || errors.Is(err, errSuperseded) {
		return e.superseded(ctx, j.ID, err, log)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: record failure: %w", err)
	}

	terminal := updated.Status == StatusDeadLetter
	ev := log.Warn()
	if terminal {
		ev = log.Error()
	}
	ev.Str("error_kind", kind).
		Str("status", string(updated.Status)).
		Err(sendErr).
		Msg("dispatch attempt failed")

	details := map[string]interface{}{
		"attempt":      updated.AttemptCount,
		"max_attempts": updated.MaxAttempts,
		"terminal":     terminal,
		"error":        msg,
		"error_kind":   kind,
	}
	if updated.NextRetryAt != nil {
		details["next_retry_at"] = updated.NextRetryAt.Format(time.RFC3339)
	}
	e.writeAudit(ctx, updated, hipaa.ActionDispatchFailed, hipaa.OutcomeFailure, details)
	return updated, nil
}

// Replay returns a non-DISPATCHED job to PENDING with a fresh attempt budget
// and immediately attempts it. A job leased by a worker is refused with
// ErrJobInFlight.
func (e *Engine) Replay(ctx context.Context, id uuid.UUID) (*Job, error) {
	now := e.nowFunc()
	j, err := e.repo.Update(ctx, id, func(cur *Job) error {
		if cur.Status == StatusDispatched {
			return ErrAlreadyDispatched
		}
		if cur.LeaseExpiresAt != nil && cur.LeaseExpiresAt.After(now) {
			return ErrJobInFlight
		}
		cur.Status = StatusPending
		cur.AttemptCount = 0
		cur.LastError = nil
		cur.NextRetryAt = nil
		cur.DeadLetteredAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, j, hipaa.ActionDispatchReplayed, hipaa.OutcomeSuccess, nil)
	e.logger.Info().Str("job_id", id.String()).Str("org_id", j.OrgID).Msg("dispatch job replayed")
	return e.Attempt(ctx, id)
}

// MarkDeadLetter moves a non-DISPATCHED job to DEAD_LETTER with reason. An
// attempt still in flight for the job is discarded when it completes.
func (e *Engine) MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) (*Job, error) {
	if reason == "" {
		reason = DefaultDeadLetterReason
	}
	now := e.nowFunc()
	j, err := e.repo.Update(ctx, id, func(cur *Job) error {
		if cur.Status == StatusDispatched {
			return ErrAlreadyDispatched
		}
		cur.Status = StatusDeadLetter
		cur.DeadLetteredAt = timePtr(now)
		cur.NextRetryAt = nil
		cur.LastError = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, j, hipaa.ActionDispatchDeadLettered, hipaa.OutcomeFailure, map[string]interface{}{
		"reason":   reason,
		"terminal": true,
	})
	e.logger.Warn().Str("job_id", id.String()).Str("org_id", j.OrgID).Str("reason", reason).Msg("dispatch job dead-lettered by operator")
	return j, nil
}

func (e *Engine) writeAudit(ctx context.Context, j *Job, action, outcome string, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	ev := hipaa.NewDispatchEvent(j.OrgID, action, j.ID.String(), outcome, details)
	ev.ActorID = actorFromContext(ctx)
	if err := e.audit.WriteAudit(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("job_id", j.ID.String()).Str("action", action).Msg("failed to write dispatch audit event")
	}
}

// errorKind classifies a delivery failure for logs and audit details.
func errorKind(err error) string {
	var authCfg *auth.ConfigError
	var transportCfg *transport.ConfigError
	var te *transport.TransportError
	switch {
	case errors.As(err, &authCfg), errors.As(err, &transportCfg):
		return "config"
	case errors.As(err, &te):
		return "transport"
	default:
		return "contract"
	}
}

func actorFromContext(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "system"
}
