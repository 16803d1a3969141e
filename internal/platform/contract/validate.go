package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/dispatch/internal/platform/fhir"
	"github.com/ehr/dispatch/internal/platform/hl7v2"
)

// PreviewIdempotencyKey is merged into payloads that are validated before
// they have a job.
const PreviewIdempotencyKey = "validation-preview"

// ValidationResult is returned by Validate. Problems are reported in Errors;
// Validate never fails.
type ValidationResult struct {
	OK           bool         `json:"ok"`
	ContractType ContractType `json:"contractType"`
	ContentType  string       `json:"contentType"`
	Errors       []string     `json:"errors"`
}

// Validate decodes raw, builds the contract for target/vendor and checks the
// result. Dispatch metadata missing from the payload is filled with a
// preview key stamped at now.
func Validate(raw []byte, target Target, vendor Vendor, now time.Time) ValidationResult {
	res := ValidationResult{ContractType: ContractTypeFor(target), Errors: []string{}}

	p, err := DecodePayload(raw)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if target == TargetNone {
		res.ContentType = ContentTypeJSON
		res.OK = true
		return res
	}

	res.Errors = append(res.Errors, payloadIssues(p, target)...)

	meta := DispatchMetadata{IdempotencyKey: p.IdempotencyKey(), DispatchedAt: now}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = PreviewIdempotencyKey
	}
	c, err := Build(p.WithDispatch(meta), target, vendor)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.ContentType = c.ContentType

	switch c.ContractType {
	case ContractFHIRBundleR4:
		res.Errors = append(res.Errors, bundleIssues(c.Body)...)
	case ContractHL7ORUR01:
		res.Errors = append(res.Errors, hl7Issues(c.Body)...)
	case ContractVendorJSON:
		if !json.Valid(c.Body) {
			res.Errors = append(res.Errors, "vendor body is not valid JSON")
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func payloadIssues(p ClinicalPayload, target Target) []string {
	var issues []string
	if strings.TrimSpace(p.Encounter.ExternalID) == "" {
		issues = append(issues, "encounter.externalId is required")
	}
	if strings.TrimSpace(p.Patient.ExternalID) == "" {
		issues = append(issues, "patient.externalId is required")
	}
	if strings.TrimSpace(p.Patient.LastName) == "" {
		issues = append(issues, "patient.lastName is required")
	}
	if strings.TrimSpace(p.Note.Text) == "" {
		issues = append(issues, "note.text is required")
	}
	if p.Billing.EstimatedChargeCents < 0 {
		issues = append(issues, "billing.estimatedChargeCents must not be negative")
	}
	for i, c := range p.Billing.CPTCodes {
		if strings.TrimSpace(c.Code) == "" {
			issues = append(issues, fmt.Sprintf("billing.cptCodes[%d].code is required", i))
		}
	}
	if target == TargetFHIRR4 && p.Patient.ID == "" && p.Patient.ExternalID == "" {
		issues = append(issues, "patient.id or patient.externalId is required for FHIR resources")
	}
	for i, a := range p.Artifacts {
		if strings.TrimSpace(a.URI) == "" {
			issues = append(issues, fmt.Sprintf("artifacts[%d].uri is required", i))
		}
	}
	return issues
}

func bundleIssues(body []byte) []string {
	var b fhir.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return []string{"bundle is not valid JSON: " + err.Error()}
	}
	var issues []string
	if b.Type != "collection" {
		issues = append(issues, "bundle.type must be collection")
	}
	if b.Identifier == nil || b.Identifier.Value == "" {
		issues = append(issues, "bundle.identifier.value is missing")
	}
	if b.Meta == nil || len(b.Meta.Tag) == 0 || b.Meta.Tag[0].Code == "" {
		issues = append(issues, "bundle.meta.tag[0].code is missing")
	}
	want := []string{"Patient", "Encounter", "Composition", "Claim"}
	got := b.EntryResourceTypes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		issues = append(issues, "bundle entries must be "+strings.Join(want, ", ")+"; got "+strings.Join(got, ", "))
	}
	return issues
}

func hl7Issues(body []byte) []string {
	msg, err := hl7v2.Parse(body)
	if err != nil {
		return []string{err.Error()}
	}
	var issues []string
	if msg.Type != "ORU^R01" {
		issues = append(issues, "MSH-9 must be ORU^R01")
	}
	if msg.ControlID == "" {
		issues = append(issues, "MSH-10 control id is empty")
	}
	for _, name := range []string{"PID", "PV1", "OBR", "OBX", "ZDS"} {
		if msg.GetSegment(name) == nil {
			issues = append(issues, "missing "+name+" segment")
		}
	}
	if !strings.HasSuffix(string(body), "\r") {
		issues = append(issues, "message must end with a carriage return")
	}
	return issues
}
