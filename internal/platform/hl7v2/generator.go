package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SendingApplication is written to MSH-3 of every generated message.
	SendingApplication = "REVENUEPILOT"

	// ReceivingApplication is written to MSH-5 and MSH-6.
	ReceivingApplication = "EHR"

	// Version is the HL7 version emitted in MSH-12.
	Version = "2.5.1"

	hl7TimestampLayout = "20060102150405"
)

// ORUObservation is a single free-text result carried in an OBX segment.
type ORUObservation struct {
	Code    string // OBX-3.1
	Display string // OBX-3.2
	Text    string // OBX-5
}

// ORUMessage holds everything needed to render a clinical ORU^R01 message.
type ORUMessage struct {
	SendingFacility string
	Timestamp       time.Time
	ControlID       string

	PatientID   string
	FamilyName  string
	GivenName   string
	DateOfBirth string // YYYY-MM-DD or YYYYMMDD
	Sex         string

	VisitNumber string
	Provider    string
	ProviderNPI string
	Location    string

	PlacerOrderID string
	FillerOrderID string
	ObservedAt    time.Time

	Observations []ORUObservation

	// ZDS segment.
	IdempotencyKey  string
	ContractVersion string
}

// GenerateClinicalORU renders an ORU^R01 message. Segments are joined by
// carriage returns and the message ends with a single trailing CR. OBX
// segments are emitted only for observations with non-empty text.
func GenerateClinicalORU(m ORUMessage) []byte {
	ts := m.Timestamp.UTC().Format(hl7TimestampLayout)
	observed := ts
	if !m.ObservedAt.IsZero() {
		observed = m.ObservedAt.UTC().Format(hl7TimestampLayout)
	}

	segments := []string{
		fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ORU^R01|%s|P|%s",
			SendingApplication, SanitizeText(m.SendingFacility),
			ReceivingApplication, ReceivingApplication,
			ts, SanitizeText(m.ControlID), Version),
		fmt.Sprintf("PID|1||%s||%s^%s||%s|%s",
			SanitizeText(m.PatientID),
			SanitizeText(m.FamilyName), SanitizeText(m.GivenName),
			formatHL7Date(m.DateOfBirth), mapSex(m.Sex)),
		buildClinicalPV1(m),
		fmt.Sprintf("OBR|1|%s|%s|CLINICAL_NOTE^Clinical Note|||%s",
			SanitizeText(m.PlacerOrderID), SanitizeText(m.FillerOrderID), observed),
	}

	setID := 0
	for _, obs := range m.Observations {
		text := SanitizeText(obs.Text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		setID++
		segments = append(segments, fmt.Sprintf("OBX|%d|TX|%s^%s||%s||||||F",
			setID, SanitizeText(obs.Code), SanitizeText(obs.Display), text))
	}

	segments = append(segments, fmt.Sprintf("ZDS|%s|%s",
		SanitizeText(m.IdempotencyKey), SanitizeText(m.ContractVersion)))

	return []byte(strings.Join(segments, "\r") + "\r")
}

func buildClinicalPV1(m ORUMessage) string {
	attending := SanitizeText(m.Provider)
	if m.ProviderNPI != "" {
		// XCN: id^family; the full display name goes in the family slot.
		attending = SanitizeText(m.ProviderNPI) + "^" + attending
	}
	return fmt.Sprintf("PV1|1|O|%s||||%s||||||||||||%s",
		SanitizeText(m.Location), attending, SanitizeText(m.VisitNumber))
}

// SanitizeText makes free text safe to embed in a field: HL7 delimiter
// characters and line breaks are replaced with spaces.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	return hl7Sanitizer.Replace(s)
}

var hl7Sanitizer = strings.NewReplacer(
	"\r\n", " ",
	"\r", " ",
	"\n", " ",
	"|", " ",
	"^", " ",
	"~", " ",
	"\\", " ",
	"&", " ",
)

// mapSex converts a free-form sex value to HL7 administrative sex.
func mapSex(sex string) string {
	switch strings.ToLower(strings.TrimSpace(sex)) {
	case "male", "m":
		return "M"
	case "female", "f":
		return "F"
	case "other", "o":
		return "O"
	default:
		return "U"
	}
}

// formatHL7Date converts YYYY-MM-DD (or a full RFC3339 timestamp) to YYYYMMDD.
func formatHL7Date(d string) string {
	d = strings.TrimSpace(d)
	if d == "" {
		return ""
	}
	if len(d) >= 10 && d[4] == '-' && d[7] == '-' {
		return d[0:4] + d[5:7] + d[8:10]
	}
	return SanitizeText(d)
}
