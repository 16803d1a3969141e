package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

// vendorCommon is the payload block shared by every vendor envelope.
type vendorCommon struct {
	OrgID          string        `json:"orgId,omitempty"`
	Encounter      EncounterInfo `json:"encounter"`
	Patient        PatientInfo   `json:"patient"`
	Provider       ProviderInfo  `json:"provider"`
	Note           NoteInfo      `json:"note"`
	PatientSummary string        `json:"patientSummary,omitempty"`
	Billing        BillingInfo   `json:"billing"`
	Artifacts      []Artifact    `json:"artifacts"`
}

type genericEnvelope struct {
	SchemaVersion  string       `json:"schemaVersion"`
	IdempotencyKey string       `json:"idempotencyKey"`
	DispatchedAt   string       `json:"dispatchedAt"`
	Payload        vendorCommon `json:"payload"`
}

type athenaEnvelope struct {
	EncounterID            string       `json:"encounterid"`
	PatientID              string       `json:"patientid"`
	DocumentType           string       `json:"documenttype"`
	ExternalIdempotencyKey string       `json:"externalidempotencykey"`
	ContractVersion        string       `json:"contractversion"`
	ClinicalDocument       vendorCommon `json:"clinicaldocument"`
}

type nextGenEnvelope struct {
	EncounterID     string       `json:"encounterId"`
	PersonID        string       `json:"personId"`
	DocumentType    string       `json:"documentType"`
	RequestID       string       `json:"requestId"`
	ContractVersion string       `json:"contractVersion"`
	Data            vendorCommon `json:"data"`
}

type eClinicalWorksEnvelope struct {
	EncounterID     string       `json:"EncounterID"`
	PatientID       string       `json:"PatientID"`
	MessageType     string       `json:"MessageType"`
	TransactionID   string       `json:"TransactionID"`
	ContractVersion string       `json:"ContractVersion"`
	Payload         vendorCommon `json:"Payload"`
}

// vendorProfile captures everything that differs between vendors.
type vendorProfile struct {
	envelope          func(c vendorCommon, meta DispatchMetadata) interface{}
	idempotencyHeader string
}

var vendorProfiles = map[Vendor]vendorProfile{
	VendorGeneric: {
		envelope: func(c vendorCommon, meta DispatchMetadata) interface{} {
			return genericEnvelope{
				SchemaVersion:  meta.ContractVersion,
				IdempotencyKey: meta.IdempotencyKey,
				DispatchedAt:   meta.DispatchedAt.UTC().Format(time.RFC3339),
				Payload:        c,
			}
		},
	},
	VendorAthenahealth: {
		envelope: func(c vendorCommon, meta DispatchMetadata) interface{} {
			return athenaEnvelope{
				EncounterID:            c.Encounter.ExternalID,
				PatientID:              c.Patient.ExternalID,
				DocumentType:           "CLINICALNOTE",
				ExternalIdempotencyKey: meta.IdempotencyKey,
				ContractVersion:        meta.ContractVersion,
				ClinicalDocument:       c,
			}
		},
		idempotencyHeader: "X-Athena-Idempotency-Key",
	},
	VendorNextGen: {
		envelope: func(c vendorCommon, meta DispatchMetadata) interface{} {
			return nextGenEnvelope{
				EncounterID:     c.Encounter.ExternalID,
				PersonID:        c.Patient.ExternalID,
				DocumentType:    "ProgressNote",
				RequestID:       meta.IdempotencyKey,
				ContractVersion: meta.ContractVersion,
				Data:            c,
			}
		},
		idempotencyHeader: "X-NG-Request-Id",
	},
	VendorEClinicalWorks: {
		envelope: func(c vendorCommon, meta DispatchMetadata) interface{} {
			return eClinicalWorksEnvelope{
				EncounterID:     c.Encounter.ExternalID,
				PatientID:       c.Patient.ExternalID,
				MessageType:     "CLINICAL_NOTE",
				TransactionID:   meta.IdempotencyKey,
				ContractVersion: meta.ContractVersion,
				Payload:         c,
			}
		},
		idempotencyHeader: "X-ECW-Transaction-Id",
	},
}

// IdempotencyHeaderFor returns the vendor's own idempotency header name, or
// "" when the vendor only understands the standard Idempotency-Key header.
func IdempotencyHeaderFor(v Vendor) string {
	return vendorProfiles[v].idempotencyHeader
}

func buildVendorEnvelope(p ClinicalPayload, vendor Vendor) ([]byte, error) {
	profile, ok := vendorProfiles[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, vendor)
	}

	common := vendorCommon{
		OrgID:          p.OrgID,
		Encounter:      p.Encounter,
		Patient:        p.Patient,
		Provider:       p.Provider,
		Note:           p.Note,
		PatientSummary: p.PatientSummary,
		Billing:        p.Billing,
		Artifacts:      p.Artifacts,
	}
	if common.Artifacts == nil {
		common.Artifacts = []Artifact{}
	}

	body, err := json.Marshal(profile.envelope(common, *p.Dispatch))
	if err != nil {
		return nil, fmt.Errorf("contract: marshal %s envelope: %w", vendor, err)
	}
	return body, nil
}
