package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testDispatchedAt = time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)

func testPayload() ClinicalPayload {
	return ClinicalPayload{
		OrgID: "org-1",
		Encounter: EncounterInfo{
			ID:         "enc-1",
			ExternalID: "V-1001",
			StartedAt:  "2024-06-01T14:00:00Z",
			EndedAt:    "2024-06-01T14:30:00Z",
			Location:   "Clinic A",
		},
		Patient: PatientInfo{
			ID:          "pat-1",
			ExternalID:  "MRN-77",
			FirstName:   "Jane",
			LastName:    "Doe",
			DateOfBirth: "1980-05-15",
			Sex:         "female",
		},
		Provider:       ProviderInfo{Name: "Dr. Smith", NPI: "1234567890"},
		Note:           NoteInfo{ID: "note-1", Text: "Subjective: cough | fever\nPlan: <rest> & fluids"},
		PatientSummary: "Stable adult with acute bronchitis.",
		Billing: BillingInfo{
			CPTCodes:             []CPTCode{{Code: "99213", Description: "Office visit", Units: 1}, {Code: "94640"}},
			ICD10Codes:           []string{"J20.9"},
			EstimatedChargeCents: 18550,
		},
		Artifacts: []Artifact{{Type: "audio", URI: "s3://bucket/enc-1.wav"}},
	}
}

func testMeta() DispatchMetadata {
	return DispatchMetadata{IdempotencyKey: "ehr-dispatch:job-1", ContractVersion: "v-test", DispatchedAt: testDispatchedAt}
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(" fhir_r4 ")
	if err != nil || got != TargetFHIRR4 {
		t.Fatalf("expected FHIR_R4, got %q (%v)", got, err)
	}
	if _, err := ParseTarget("SOAP"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestParseVendor(t *testing.T) {
	got, err := ParseVendor("athenahealth")
	if err != nil || got != VendorAthenahealth {
		t.Fatalf("expected ATHENAHEALTH, got %q (%v)", got, err)
	}
	if _, err := ParseVendor("epic"); !errors.Is(err, ErrUnknownVendor) {
		t.Errorf("expected ErrUnknownVendor, got %v", err)
	}
}

func TestContractTypeFor(t *testing.T) {
	cases := map[Target]ContractType{
		TargetNone:      ContractNone,
		TargetFHIRR4:    ContractFHIRBundleR4,
		TargetHL7V2:     ContractHL7ORUR01,
		TargetVendorAPI: ContractVendorJSON,
	}
	for target, want := range cases {
		if got := ContractTypeFor(target); got != want {
			t.Errorf("ContractTypeFor(%s) = %s, want %s", target, got, want)
		}
	}
}

func TestBuild_None(t *testing.T) {
	c, err := Build(ClinicalPayload{}, TargetNone, VendorGeneric)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ContractType != ContractNone {
		t.Errorf("expected NONE contract, got %s", c.ContractType)
	}
	if string(c.Body) != `{"dispatched":false,"reason":"DISPATCH_TARGET=NONE"}` {
		t.Errorf("unexpected body: %s", c.Body)
	}
}

func TestBuild_RequiresDispatchMetadata(t *testing.T) {
	for _, target := range []Target{TargetFHIRR4, TargetHL7V2, TargetVendorAPI} {
		if _, err := Build(testPayload(), target, VendorGeneric); !errors.Is(err, ErrMissingDispatchMetadata) {
			t.Errorf("%s: expected ErrMissingDispatchMetadata, got %v", target, err)
		}
	}
}

func TestBuild_UnknownTarget(t *testing.T) {
	p := testPayload().WithDispatch(testMeta())
	if _, err := Build(p, Target("SOAP"), VendorGeneric); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	p := testPayload().WithDispatch(testMeta())
	for _, target := range []Target{TargetFHIRR4, TargetHL7V2, TargetVendorAPI} {
		for _, vendor := range Vendors {
			a, err := Build(p, target, vendor)
			if err != nil {
				t.Fatalf("%s/%s: %v", target, vendor, err)
			}
			b, _ := Build(p, target, vendor)
			if !bytes.Equal(a.Body, b.Body) {
				t.Errorf("%s/%s: bodies differ between builds", target, vendor)
			}
		}
	}
}

func TestBuild_FHIRBundle(t *testing.T) {
	c, err := Build(testPayload().WithDispatch(testMeta()), TargetFHIRR4, VendorGeneric)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ContractType != ContractFHIRBundleR4 || c.ContentType != "application/fhir+json" {
		t.Errorf("unexpected contract metadata: %s %s", c.ContractType, c.ContentType)
	}

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Identifier   struct {
			Value string `json:"value"`
		} `json:"identifier"`
		Meta struct {
			Tag []struct {
				Code string `json:"code"`
			} `json:"tag"`
		} `json:"meta"`
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(c.Body, &bundle); err != nil {
		t.Fatalf("invalid bundle JSON: %v", err)
	}
	if bundle.Type != "collection" {
		t.Errorf("expected collection, got %s", bundle.Type)
	}
	if bundle.Identifier.Value != "ehr-dispatch:job-1" {
		t.Errorf("expected identifier to carry idempotency key, got %q", bundle.Identifier.Value)
	}
	if len(bundle.Meta.Tag) == 0 || bundle.Meta.Tag[0].Code != "v-test" {
		t.Errorf("expected meta.tag[0].code v-test, got %+v", bundle.Meta.Tag)
	}

	var types []string
	var claim struct {
		Item  []json.RawMessage `json:"item"`
		Total struct {
			Value    float64 `json:"value"`
			Currency string  `json:"currency"`
		} `json:"total"`
	}
	var composition struct {
		Section []struct {
			Text struct {
				Div string `json:"div"`
			} `json:"text"`
		} `json:"section"`
	}
	for _, e := range bundle.Entry {
		var r struct {
			ResourceType string `json:"resourceType"`
		}
		json.Unmarshal(e.Resource, &r)
		types = append(types, r.ResourceType)
		switch r.ResourceType {
		case "Claim":
			json.Unmarshal(e.Resource, &claim)
		case "Composition":
			json.Unmarshal(e.Resource, &composition)
		}
	}
	if strings.Join(types, ",") != "Patient,Encounter,Composition,Claim" {
		t.Errorf("unexpected entry types: %v", types)
	}
	if claim.Total.Value != 185.50 {
		t.Errorf("expected total 185.50, got %v", claim.Total.Value)
	}
	if claim.Total.Currency != "USD" {
		t.Errorf("expected USD, got %s", claim.Total.Currency)
	}
	if len(claim.Item) != 2 {
		t.Errorf("expected one claim item per CPT code, got %d", len(claim.Item))
	}
	if len(composition.Section) == 0 {
		t.Fatal("expected composition sections")
	}
	div := composition.Section[0].Text.Div
	if strings.Contains(div, "<rest>") || !strings.Contains(div, "&lt;rest&gt; &amp; fluids") {
		t.Errorf("expected HTML-escaped narrative, got %q", div)
	}
}

func TestBuild_HL7ORU(t *testing.T) {
	c, err := Build(testPayload().WithDispatch(testMeta()), TargetHL7V2, VendorGeneric)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ContentType != "text/plain" || c.ContractType != ContractHL7ORUR01 {
		t.Errorf("unexpected contract metadata: %s %s", c.ContractType, c.ContentType)
	}

	body := string(c.Body)
	if !strings.HasSuffix(body, "\r") || strings.HasSuffix(body, "\r\r") {
		t.Error("expected a single trailing CR")
	}
	lines := strings.Split(strings.TrimSuffix(body, "\r"), "\r")

	has := func(prefix string) bool {
		for _, l := range lines {
			if strings.HasPrefix(l, prefix) {
				return true
			}
		}
		return false
	}
	for _, prefix := range []string{"MSH|", "PID|", "PV1|", "OBR|", "OBX|", "ZDS|"} {
		if !has(prefix) {
			t.Errorf("missing segment %s", prefix)
		}
	}
	if !strings.Contains(lines[0], "|ORU^R01|V-1001|") {
		t.Errorf("expected control id V-1001 in MSH, got %q", lines[0])
	}
	if !strings.Contains(lines[0], "20240601150405") {
		t.Errorf("expected dispatch timestamp in MSH, got %q", lines[0])
	}

	var noteFound bool
	for _, l := range lines {
		if strings.HasPrefix(l, "OBX|") && strings.Contains(l, "Subjective: cough   fever Plan: <rest>   fluids") {
			noteFound = true
		}
	}
	if !noteFound {
		t.Errorf("expected sanitized note text in an OBX segment: %q", lines)
	}
	if lines[len(lines)-1] != "ZDS|ehr-dispatch:job-1|v-test" {
		t.Errorf("unexpected ZDS: %q", lines[len(lines)-1])
	}
}

func TestBuild_HL7SkipsEmptyBlocks(t *testing.T) {
	p := testPayload()
	p.PatientSummary = ""
	p.Billing = BillingInfo{}
	c, err := Build(p.WithDispatch(testMeta()), TargetHL7V2, VendorGeneric)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(string(c.Body), "\rOBX|"); n != 1 {
		t.Errorf("expected 1 OBX segment, got %d", n)
	}
}

func TestBillingSummary(t *testing.T) {
	got := billingSummary(testPayload().Billing)
	if got != "CPT: 99213,94640; ICD10: J20.9; EST_CHARGE_CENTS: 18550" {
		t.Errorf("unexpected billing summary: %q", got)
	}
	if billingSummary(BillingInfo{}) != "" {
		t.Error("expected empty summary for empty billing")
	}
}

func TestBuild_VendorEnvelopes(t *testing.T) {
	p := testPayload().WithDispatch(testMeta())

	tests := []struct {
		vendor   Vendor
		keyField string
		docField string
		wrapper  string
	}{
		{VendorGeneric, "idempotencyKey", "schemaVersion", "payload"},
		{VendorAthenahealth, "externalidempotencykey", "documenttype", "clinicaldocument"},
		{VendorNextGen, "requestId", "documentType", "data"},
		{VendorEClinicalWorks, "TransactionID", "MessageType", "Payload"},
	}

	for _, tt := range tests {
		t.Run(string(tt.vendor), func(t *testing.T) {
			c, err := Build(p, TargetVendorAPI, tt.vendor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.ContentType != "application/json" {
				t.Errorf("expected application/json, got %s", c.ContentType)
			}
			var m map[string]json.RawMessage
			if err := json.Unmarshal(c.Body, &m); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if string(m[tt.keyField]) != `"ehr-dispatch:job-1"` {
				t.Errorf("expected %s to carry the idempotency key, got %s", tt.keyField, m[tt.keyField])
			}
			if _, ok := m[tt.docField]; !ok {
				t.Errorf("missing field %s", tt.docField)
			}
			var common vendorCommon
			if err := json.Unmarshal(m[tt.wrapper], &common); err != nil {
				t.Fatalf("wrapper %s: %v", tt.wrapper, err)
			}
			if common.Patient.ExternalID != "MRN-77" {
				t.Errorf("expected wrapped common payload, got %+v", common.Patient)
			}
		})
	}
}

func TestVendorProfiles_CoverEveryVendor(t *testing.T) {
	for _, v := range Vendors {
		if _, ok := vendorProfiles[v]; !ok {
			t.Errorf("vendor %s has no envelope", v)
		}
	}
}

func TestBuild_UnknownVendor(t *testing.T) {
	p := testPayload().WithDispatch(testMeta())
	if _, err := Build(p, TargetVendorAPI, Vendor("EPIC")); !errors.Is(err, ErrUnknownVendor) {
		t.Errorf("expected ErrUnknownVendor, got %v", err)
	}
}

func TestIdempotencyHeaderFor(t *testing.T) {
	cases := map[Vendor]string{
		VendorGeneric:        "",
		VendorAthenahealth:   "X-Athena-Idempotency-Key",
		VendorNextGen:        "X-NG-Request-Id",
		VendorEClinicalWorks: "X-ECW-Transaction-Id",
	}
	for v, want := range cases {
		if got := IdempotencyHeaderFor(v); got != want {
			t.Errorf("IdempotencyHeaderFor(%s) = %q, want %q", v, got, want)
		}
	}
}

func TestWithDispatch_ContractVersionFallback(t *testing.T) {
	p := testPayload().WithDispatch(DispatchMetadata{IdempotencyKey: "k"})
	if p.Dispatch.ContractVersion != DefaultContractVersion {
		t.Errorf("expected default version, got %q", p.Dispatch.ContractVersion)
	}

	p = p.WithDispatch(DispatchMetadata{IdempotencyKey: "k2"})
	if p.Dispatch.ContractVersion != DefaultContractVersion || p.IdempotencyKey() != "k2" {
		t.Errorf("unexpected metadata: %+v", p.Dispatch)
	}
}
