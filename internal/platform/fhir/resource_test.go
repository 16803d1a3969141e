package fhir

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFormatDateTime_UTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	got := FormatDateTime(time.Date(2024, 6, 1, 5, 30, 0, 0, loc))
	if got != "2024-06-01T10:30:00Z" {
		t.Errorf("FormatDateTime = %q, want 2024-06-01T10:30:00Z", got)
	}
}

func TestDatatypes_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(struct {
		Identifier Identifier `json:"identifier"`
		Period     Period     `json:"period"`
		Name       HumanName  `json:"name"`
	}{
		Identifier: Identifier{System: "urn:mrn", Value: "MRN-1"},
		Period:     Period{Start: "2024-06-01T10:00:00Z"},
		Name:       HumanName{Family: "Doe"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, absent := range []string{`"use"`, `"type"`, `"end"`, `"given"`} {
		if strings.Contains(s, absent) {
			t.Errorf("expected %s to be omitted: %s", absent, s)
		}
	}
	if !strings.Contains(s, `"start":"2024-06-01T10:00:00Z"`) {
		t.Errorf("expected period start in %s", s)
	}
}

func TestMoney_ZeroValueIsEncoded(t *testing.T) {
	data, err := json.Marshal(Money{Currency: "USD"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"value":0,"currency":"USD"}` {
		t.Errorf("unexpected money encoding %s", data)
	}
}
