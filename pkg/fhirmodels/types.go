package fhirmodels

// Code systems and value set constants used when building dispatch bundles.

const (
	SystemCPT          = "http://www.ama-assn.org/go/cpt"
	SystemICD10CM      = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemLOINC        = "http://loinc.org"
	SystemNPI          = "http://hl7.org/fhir/sid/us-npi"
	SystemActCode      = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemClaimType    = "http://terminology.hl7.org/CodeSystem/claim-type"
	SystemProcessPrio  = "http://terminology.hl7.org/CodeSystem/processpriority"
	SystemIdentifierMR = "http://terminology.hl7.org/CodeSystem/v2-0203"
)

// EncounterStatus values per FHIR R4.
const (
	EncounterStatusInProgress = "in-progress"
	EncounterStatusFinished   = "finished"
)

// EncounterClass codes per FHIR R4 v3-ActCode.
const (
	EncounterClassAmbulatory = "AMB"
	EncounterClassVirtual    = "VR"
)

// Composition status and section codes.
const (
	CompositionStatusFinal = "final"

	// LOINC 11506-3 Progress note.
	LOINCProgressNote = "11506-3"
	// LOINC 10164-2 History of present illness narrative.
	LOINCHistoryNarrative = "10164-2"
	// LOINC 11535-2 Hospital discharge diagnosis (used for the billing section).
	LOINCDiagnosis = "11535-2"
)

// Claim codes.
const (
	ClaimStatusActive     = "active"
	ClaimUseClaim         = "claim"
	ClaimTypeProfessional = "professional"
	ClaimPriorityNormal   = "normal"
	DefaultCurrency       = "USD"
)

// Administrative gender.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
