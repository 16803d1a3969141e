package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/dispatch/internal/platform/fhir"
	"github.com/ehr/dispatch/pkg/fhirmodels"
)

const (
	identifierSystemDispatch = "urn:revenuepilot:dispatch:idempotency-key"
	tagSystemContractVersion = "urn:revenuepilot:dispatch:contract-version"
	identifierSystemMRN      = "urn:revenuepilot:patient:external-id"
	identifierSystemVisit    = "urn:revenuepilot:encounter:external-id"
)

type fhirPatient struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Identifier   []fhir.Identifier `json:"identifier,omitempty"`
	Name         []fhir.HumanName  `json:"name,omitempty"`
	Gender       string            `json:"gender,omitempty"`
	BirthDate    string            `json:"birthDate,omitempty"`
}

type fhirEncounterParticipant struct {
	Individual fhir.Reference `json:"individual"`
}

type fhirEncounterLocation struct {
	Location fhir.Reference `json:"location"`
}

type fhirEncounter struct {
	ResourceType string                     `json:"resourceType"`
	ID           string                     `json:"id"`
	Identifier   []fhir.Identifier          `json:"identifier,omitempty"`
	Status       string                     `json:"status"`
	Class        fhir.Coding                `json:"class"`
	Subject      fhir.Reference             `json:"subject"`
	Participant  []fhirEncounterParticipant `json:"participant,omitempty"`
	Period       *fhir.Period               `json:"period,omitempty"`
	Location     []fhirEncounterLocation    `json:"location,omitempty"`
}

type fhirCompositionSection struct {
	Title string                `json:"title"`
	Code  *fhir.CodeableConcept `json:"code,omitempty"`
	Text  *fhir.Narrative       `json:"text,omitempty"`
}

type fhirComposition struct {
	ResourceType string                   `json:"resourceType"`
	ID           string                   `json:"id"`
	Status       string                   `json:"status"`
	Type         fhir.CodeableConcept     `json:"type"`
	Subject      fhir.Reference           `json:"subject"`
	Encounter    fhir.Reference           `json:"encounter"`
	Date         string                   `json:"date"`
	Author       []fhir.Reference         `json:"author"`
	Title        string                   `json:"title"`
	Section      []fhirCompositionSection `json:"section,omitempty"`
}

type fhirClaimDiagnosis struct {
	Sequence                 int                  `json:"sequence"`
	DiagnosisCodeableConcept fhir.CodeableConcept `json:"diagnosisCodeableConcept"`
}

type fhirClaimItem struct {
	Sequence         int                  `json:"sequence"`
	ProductOrService fhir.CodeableConcept `json:"productOrService"`
	Quantity         *fhir.Quantity       `json:"quantity,omitempty"`
}

type fhirClaim struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Type         fhir.CodeableConcept `json:"type"`
	Use          string               `json:"use"`
	Patient      fhir.Reference       `json:"patient"`
	Created      string               `json:"created"`
	Provider     fhir.Reference       `json:"provider"`
	Priority     fhir.CodeableConcept `json:"priority"`
	Diagnosis    []fhirClaimDiagnosis `json:"diagnosis,omitempty"`
	Item         []fhirClaimItem      `json:"item"`
	Total        fhir.Money           `json:"total"`
}

func buildFHIRBundle(p ClinicalPayload) ([]byte, error) {
	meta := p.Dispatch
	created := fhir.FormatDateTime(meta.DispatchedAt)

	patientID := firstNonEmpty(p.Patient.ID, p.Patient.ExternalID)
	encounterID := firstNonEmpty(p.Encounter.ID, p.Encounter.ExternalID)
	patientRef := fhir.Reference{Reference: fhir.FormatReference("Patient", patientID)}
	encounterRef := fhir.Reference{Reference: fhir.FormatReference("Encounter", encounterID)}
	providerRef := fhir.Reference{Display: p.Provider.Name}
	if p.Provider.NPI != "" {
		providerRef.Reference = fhir.FormatReference("Practitioner", p.Provider.NPI)
	}

	patient := fhirPatient{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier:   []fhir.Identifier{{Use: "usual", System: identifierSystemMRN, Value: p.Patient.ExternalID}},
		Name:         []fhir.HumanName{{Use: "official", Family: p.Patient.LastName, Given: nonEmpty(p.Patient.FirstName)}},
		Gender:       fhirGender(p.Patient.Sex),
		BirthDate:    p.Patient.DateOfBirth,
	}

	encounter := fhirEncounter{
		ResourceType: "Encounter",
		ID:           encounterID,
		Identifier:   []fhir.Identifier{{System: identifierSystemVisit, Value: p.Encounter.ExternalID}},
		Status:       fhirmodels.EncounterStatusFinished,
		Class:        fhir.Coding{System: fhirmodels.SystemActCode, Code: fhirmodels.EncounterClassAmbulatory, Display: "ambulatory"},
		Subject:      patientRef,
		Participant:  []fhirEncounterParticipant{{Individual: providerRef}},
	}
	if p.Encounter.StartedAt != "" || p.Encounter.EndedAt != "" {
		encounter.Period = &fhir.Period{Start: p.Encounter.StartedAt, End: p.Encounter.EndedAt}
	}
	if p.Encounter.Location != "" {
		encounter.Location = []fhirEncounterLocation{{Location: fhir.Reference{Display: p.Encounter.Location}}}
	}

	composition := fhirComposition{
		ResourceType: "Composition",
		ID:           firstNonEmpty(p.Note.ID, encounterID+"-note"),
		Status:       fhirmodels.CompositionStatusFinal,
		Type:         loincConcept(fhirmodels.LOINCProgressNote, "Progress note"),
		Subject:      patientRef,
		Encounter:    encounterRef,
		Date:         created,
		Author:       []fhir.Reference{providerRef},
		Title:        "Clinical Note",
		Section:      compositionSections(p),
	}

	claim := fhirClaim{
		ResourceType: "Claim",
		ID:           encounterID + "-claim",
		Status:       fhirmodels.ClaimStatusActive,
		Type: fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: fhirmodels.SystemClaimType,
			Code:   fhirmodels.ClaimTypeProfessional,
		}}},
		Use:      fhirmodels.ClaimUseClaim,
		Patient:  patientRef,
		Created:  created,
		Provider: providerRef,
		Priority: fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: fhirmodels.SystemProcessPrio,
			Code:   fhirmodels.ClaimPriorityNormal,
		}}},
		Item:  make([]fhirClaimItem, 0, len(p.Billing.CPTCodes)),
		Total: fhir.Money{Value: float64(p.Billing.EstimatedChargeCents) / 100, Currency: p.Billing.currency()},
	}
	for i, code := range p.Billing.ICD10Codes {
		claim.Diagnosis = append(claim.Diagnosis, fhirClaimDiagnosis{
			Sequence: i + 1,
			DiagnosisCodeableConcept: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: fhirmodels.SystemICD10CM,
				Code:   code,
			}}},
		})
	}
	for i, cpt := range p.Billing.CPTCodes {
		item := fhirClaimItem{
			Sequence: i + 1,
			ProductOrService: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System:  fhirmodels.SystemCPT,
				Code:    cpt.Code,
				Display: cpt.Description,
			}}},
		}
		if cpt.Units > 0 {
			item.Quantity = &fhir.Quantity{Value: float64(cpt.Units)}
		}
		claim.Item = append(claim.Item, item)
	}

	bundle, err := fhir.NewCollectionBundle(patient, encounter, composition, claim)
	if err != nil {
		return nil, err
	}
	bundle.Identifier = &fhir.Identifier{System: identifierSystemDispatch, Value: meta.IdempotencyKey}
	bundle.Meta = &fhir.Meta{Tag: []fhir.Coding{{System: tagSystemContractVersion, Code: meta.ContractVersion}}}
	bundle.Timestamp = created

	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("contract: marshal bundle: %w", err)
	}
	return body, nil
}

func compositionSections(p ClinicalPayload) []fhirCompositionSection {
	sections := []fhirCompositionSection{{
		Title: "Clinical Note",
		Code:  codeablePtr(loincConcept(fhirmodels.LOINCProgressNote, "Progress note")),
		Text:  fhir.NewNarrative(p.Note.Text),
	}}
	if strings.TrimSpace(p.PatientSummary) != "" {
		sections = append(sections, fhirCompositionSection{
			Title: "Patient Summary",
			Code:  codeablePtr(loincConcept(fhirmodels.LOINCHistoryNarrative, "History of present illness")),
			Text:  fhir.NewNarrative(p.PatientSummary),
		})
	}
	if len(p.Artifacts) > 0 {
		lines := make([]string, 0, len(p.Artifacts))
		for _, a := range p.Artifacts {
			lines = append(lines, a.Type+": "+a.URI)
		}
		sections = append(sections, fhirCompositionSection{
			Title: "Attachments",
			Text:  fhir.NewNarrative(strings.Join(lines, "\n")),
		})
	}
	return sections
}

func loincConcept(code, display string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhirmodels.SystemLOINC, Code: code, Display: display}}}
}

func codeablePtr(c fhir.CodeableConcept) *fhir.CodeableConcept { return &c }

func fhirGender(sex string) string {
	switch strings.ToLower(strings.TrimSpace(sex)) {
	case "m", "male":
		return fhirmodels.GenderMale
	case "f", "female":
		return fhirmodels.GenderFemale
	case "o", "other":
		return fhirmodels.GenderOther
	case "":
		return ""
	default:
		return fhirmodels.GenderUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
