package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/dispatch/internal/platform/contract"
)

// Status is the lifecycle state of a DispatchJob.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRetrying   Status = "RETRYING"
	StatusDispatched Status = "DISPATCHED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Statuses lists every job status.
var Statuses = []Status{StatusPending, StatusRetrying, StatusDispatched, StatusDeadLetter}

func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 30 * time.Second
	MaxBackoff         = 10 * time.Minute
)

// Job is one unit of outbound delivery for an encounter. Payload is the
// clinical snapshot captured at enqueue and is never modified afterwards.
type Job struct {
	ID                uuid.UUID             `db:"id" json:"id"`
	OrgID             string                `db:"org_id" json:"org_id"`
	EncounterID       string                `db:"encounter_id" json:"encounter_id"`
	NoteID            *string               `db:"note_id" json:"note_id,omitempty"`
	Target            contract.Target       `db:"target" json:"target"`
	Vendor            contract.Vendor       `db:"vendor" json:"vendor"`
	ContractType      contract.ContractType `db:"contract_type" json:"contract_type"`
	Status            Status                `db:"status" json:"status"`
	AttemptCount      int                   `db:"attempt_count" json:"attempt_count"`
	MaxAttempts       int                   `db:"max_attempts" json:"max_attempts"`
	Payload           json.RawMessage       `db:"payload" json:"payload"`
	NextRetryAt       *time.Time            `db:"next_retry_at" json:"next_retry_at,omitempty"`
	DeadLetteredAt    *time.Time            `db:"dead_lettered_at" json:"dead_lettered_at,omitempty"`
	DispatchedAt      *time.Time            `db:"dispatched_at" json:"dispatched_at,omitempty"`
	LastError         *string               `db:"last_error" json:"last_error,omitempty"`
	ExternalMessageID *string               `db:"external_message_id" json:"external_message_id,omitempty"`
	Response          json.RawMessage       `db:"response" json:"response,omitempty"`
	CreatedByID       *string               `db:"created_by_id" json:"created_by_id,omitempty"`
	LeaseExpiresAt    *time.Time            `db:"lease_expires_at" json:"-"`
	CreatedAt         time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time             `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further automatic attempts will be made.
func (j *Job) Terminal() bool {
	return j.Status == StatusDispatched || j.Status == StatusDeadLetter
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Response = cloneBytes(j.Response)
	c.NoteID = cloneString(j.NoteID)
	c.LastError = cloneString(j.LastError)
	c.ExternalMessageID = cloneString(j.ExternalMessageID)
	c.CreatedByID = cloneString(j.CreatedByID)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.DeadLetteredAt = cloneTime(j.DeadLetteredAt)
	c.DispatchedAt = cloneTime(j.DispatchedAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	return &c
}

// ResponseEnvelope is stored in Job.Response after every attempt that
// reached the transport, and for NONE targets.
type ResponseEnvelope struct {
	Mode              string                `json:"mode,omitempty"`
	StatusCode        int                   `json:"statusCode,omitempty"`
	Body              json.RawMessage       `json:"body,omitempty"`
	ExternalMessageID string                `json:"externalMessageId,omitempty"`
	ContractType      contract.ContractType `json:"contractType"`
	Target            contract.Target       `json:"target"`
	IdempotencyKey    string                `json:"idempotencyKey,omitempty"`
}

// rawBody keeps JSON response bodies as-is and quotes anything else.
func rawBody(body string) json.RawMessage {
	if body == "" {
		return nil
	}
	if json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(body)
	return b
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
