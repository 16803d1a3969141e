package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/dispatch/internal/platform/hl7v2"
)

func buildHL7ORU(p ClinicalPayload) []byte {
	meta := p.Dispatch

	msg := hl7v2.ORUMessage{
		SendingFacility: p.OrgID,
		Timestamp:       meta.DispatchedAt,
		ControlID:       p.Encounter.ExternalID,
		PatientID:       p.Patient.ExternalID,
		FamilyName:      p.Patient.LastName,
		GivenName:       p.Patient.FirstName,
		DateOfBirth:     p.Patient.DateOfBirth,
		Sex:             p.Patient.Sex,
		VisitNumber:     p.Encounter.ExternalID,
		Provider:        p.Provider.Name,
		ProviderNPI:     p.Provider.NPI,
		Location:        p.Encounter.Location,
		PlacerOrderID:   p.Encounter.ExternalID,
		FillerOrderID:   firstNonEmpty(p.Note.ID, p.Encounter.ID),
		Observations: []hl7v2.ORUObservation{
			{Code: "NOTE", Display: "Clinical Note", Text: p.Note.Text},
			{Code: "SUMMARY", Display: "Patient Summary", Text: p.PatientSummary},
			{Code: "BILLING", Display: "Billing Summary", Text: billingSummary(p.Billing)},
		},
		IdempotencyKey:  meta.IdempotencyKey,
		ContractVersion: meta.ContractVersion,
	}
	if t, err := time.Parse(time.RFC3339, p.Encounter.EndedAt); err == nil {
		msg.ObservedAt = t
	}
	return hl7v2.GenerateClinicalORU(msg)
}

// billingSummary renders billing facts as a single line, e.g.
// "CPT: 99213,93000; ICD10: E11.9; EST_CHARGE_CENTS: 18500".
// Empty billing yields an empty string.
func billingSummary(b BillingInfo) string {
	if len(b.CPTCodes) == 0 && len(b.ICD10Codes) == 0 && b.EstimatedChargeCents == 0 {
		return ""
	}
	codes := make([]string, 0, len(b.CPTCodes))
	for _, c := range b.CPTCodes {
		codes = append(codes, c.Code)
	}
	return fmt.Sprintf("CPT: %s; ICD10: %s; EST_CHARGE_CENTS: %d",
		strings.Join(codes, ","), strings.Join(b.ICD10Codes, ","), b.EstimatedChargeCents)
}
