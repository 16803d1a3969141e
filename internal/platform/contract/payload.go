package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/dispatch/pkg/fhirmodels"
)

// ClinicalPayload is the encounter snapshot captured at enqueue time.
type ClinicalPayload struct {
	OrgID          string            `json:"orgId,omitempty"`
	Encounter      EncounterInfo     `json:"encounter"`
	Patient        PatientInfo       `json:"patient"`
	Provider       ProviderInfo      `json:"provider"`
	Note           NoteInfo          `json:"note"`
	PatientSummary string            `json:"patientSummary,omitempty"`
	Billing        BillingInfo       `json:"billing"`
	Artifacts      []Artifact        `json:"artifacts,omitempty"`
	Dispatch       *DispatchMetadata `json:"dispatch,omitempty"`
}

type EncounterInfo struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	StartedAt  string `json:"startedAt,omitempty"`
	EndedAt    string `json:"endedAt,omitempty"`
	Location   string `json:"location,omitempty"`
}

type PatientInfo struct {
	ID          string `json:"id"`
	ExternalID  string `json:"externalId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Sex         string `json:"sex,omitempty"`
}

type ProviderInfo struct {
	Name string `json:"name"`
	NPI  string `json:"npi,omitempty"`
}

type NoteInfo struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

type CPTCode struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Units       int    `json:"units,omitempty"`
}

type BillingInfo struct {
	CPTCodes             []CPTCode `json:"cptCodes"`
	ICD10Codes           []string  `json:"icd10Codes"`
	EstimatedChargeCents int64     `json:"estimatedChargeCents"`
	Currency             string    `json:"currency,omitempty"`
}

type Artifact struct {
	Type        string `json:"type"`
	URI         string `json:"uri"`
	ContentType string `json:"contentType,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

// DispatchMetadata is merged into the payload per attempt. It is never
// written back to storage.
type DispatchMetadata struct {
	IdempotencyKey  string    `json:"idempotencyKey"`
	ContractVersion string    `json:"contractVersion"`
	DispatchedAt    time.Time `json:"dispatchedAt"`
}

// DecodePayload unmarshals a stored payload.
func DecodePayload(raw []byte) (ClinicalPayload, error) {
	var p ClinicalPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("contract: payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("contract: decode payload: %w", err)
	}
	return p, nil
}

// IdempotencyKey returns the key carried by the payload, if any.
func (p ClinicalPayload) IdempotencyKey() string {
	if p.Dispatch == nil {
		return ""
	}
	return p.Dispatch.IdempotencyKey
}

// WithDispatch returns a copy of p carrying meta. An empty contract version
// falls back to the version already in the payload, then to
// DefaultContractVersion.
func (p ClinicalPayload) WithDispatch(meta DispatchMetadata) ClinicalPayload {
	if meta.ContractVersion == "" && p.Dispatch != nil {
		meta.ContractVersion = p.Dispatch.ContractVersion
	}
	if meta.ContractVersion == "" {
		meta.ContractVersion = DefaultContractVersion
	}
	p.Dispatch = &meta
	return p
}

func (b BillingInfo) currency() string {
	if b.Currency == "" {
		return fhirmodels.DefaultCurrency
	}
	return b.Currency
}
