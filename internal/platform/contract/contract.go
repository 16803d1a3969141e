// Package contract turns a clinical encounter snapshot into the wire body
// sent to an EHR: a FHIR R4 collection bundle, an HL7 v2 ORU^R01 message or
// a vendor JSON envelope. Building is pure; all timestamps come from the
// dispatch metadata carried in the payload.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultContractVersion is stamped into every contract when the payload does
// not carry its own version.
const DefaultContractVersion = "rp-ehr-dispatch.v1"

// Target selects the wire protocol.
type Target string

const (
	TargetNone      Target = "NONE"
	TargetFHIRR4    Target = "FHIR_R4"
	TargetHL7V2     Target = "HL7_V2"
	TargetVendorAPI Target = "VENDOR_API"
)

// Targets lists every supported target.
var Targets = []Target{TargetNone, TargetFHIRR4, TargetHL7V2, TargetVendorAPI}

// Vendor is the receiving EHR vendor. It is a deployment setting.
type Vendor string

const (
	VendorGeneric        Vendor = "GENERIC"
	VendorAthenahealth   Vendor = "ATHENAHEALTH"
	VendorNextGen        Vendor = "NEXTGEN"
	VendorEClinicalWorks Vendor = "ECLINICALWORKS"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{VendorGeneric, VendorAthenahealth, VendorNextGen, VendorEClinicalWorks}

// ContractType identifies the body format produced for a target.
type ContractType string

const (
	ContractNone         ContractType = "NONE"
	ContractFHIRBundleR4 ContractType = "FHIR_BUNDLE_R4"
	ContractHL7ORUR01    ContractType = "HL7_ORU_R01"
	ContractVendorJSON   ContractType = "VENDOR_JSON"
)

const (
	ContentTypeFHIRJSON = "application/fhir+json"
	ContentTypeHL7      = "text/plain"
	ContentTypeJSON     = "application/json"
)

var (
	ErrUnknownTarget           = errors.New("contract: unknown dispatch target")
	ErrUnknownVendor           = errors.New("contract: unknown vendor")
	ErrMissingDispatchMetadata = errors.New("contract: payload has no dispatch metadata")
)

// Contract is a serialized body ready for transport.
type Contract struct {
	ContractType ContractType
	ContentType  string
	Body         []byte
}

// ParseTarget normalizes s (case-insensitive) into a Target.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Targets {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTarget, s)
}

// ParseVendor normalizes s (case-insensitive) into a Vendor.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Vendors {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVendor, s)
}

// ContractTypeFor returns the contract type produced for target.
func ContractTypeFor(target Target) ContractType {
	switch target {
	case TargetFHIRR4:
		return ContractFHIRBundleR4
	case TargetHL7V2:
		return ContractHL7ORUR01
	case TargetVendorAPI:
		return ContractVendorJSON
	default:
		return ContractNone
	}
}

type notDispatchedBody struct {
	Dispatched bool   `json:"dispatched"`
	Reason     string `json:"reason"`
}

// NotDispatchedBody is the body recorded for jobs whose target is NONE.
func NotDispatchedBody() []byte {
	b, _ := json.Marshal(notDispatchedBody{Dispatched: false, Reason: "DISPATCH_TARGET=NONE"})
	return b
}

// Build serializes p for target. The payload must already carry dispatch
// metadata (idempotency key, contract version, dispatch timestamp) unless
// target is NONE.
func Build(p ClinicalPayload, target Target, vendor Vendor) (Contract, error) {
	if target == TargetNone {
		return Contract{
			ContractType: ContractNone,
			ContentType:  ContentTypeJSON,
			Body:         NotDispatchedBody(),
		}, nil
	}
	if p.Dispatch == nil || p.Dispatch.IdempotencyKey == "" {
		return Contract{}, ErrMissingDispatchMetadata
	}

	switch target {
	case TargetFHIRR4:
		body, err := buildFHIRBundle(p)
		if err != nil {
			return Contract{}, err
		}
		return Contract{ContractType: ContractFHIRBundleR4, ContentType: ContentTypeFHIRJSON, Body: body}, nil
	case TargetHL7V2:
		return Contract{ContractType: ContractHL7ORUR01, ContentType: ContentTypeHL7, Body: buildHL7ORU(p)}, nil
	case TargetVendorAPI:
		body, err := buildVendorEnvelope(p, vendor)
		if err != nil {
			return Contract{}, err
		}
		return Contract{ContractType: ContractVendorJSON, ContentType: ContentTypeJSON, Body: body}, nil
	default:
		return Contract{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
}
