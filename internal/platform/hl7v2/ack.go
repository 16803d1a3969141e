package hl7v2

import (
	"fmt"
	"strings"
)

// MSA-1 acknowledgment codes. The C-prefixed forms are the enhanced-mode
// equivalents.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"

	AckCommitAccept = "CA"
	AckCommitError  = "CE"
	AckCommitReject = "CR"
)

// Ack is the result of reading the MSA segment of an acknowledgment.
type Ack struct {
	Code      string // MSA-1
	ControlID string // MSA-2
	Text      string // MSA-3
}

// Accepted reports whether the receiver accepted the message.
func (a Ack) Accepted() bool {
	return a.Code == AckAccept || a.Code == AckCommitAccept
}

// ParseACK parses raw acknowledgment bytes (without MLLP framing) and
// extracts MSA fields.
func ParseACK(raw []byte) (Ack, error) {
	msg, err := Parse(raw)
	if err != nil {
		return Ack{}, fmt.Errorf("hl7v2: malformed ack: %w", err)
	}
	msa := msg.GetSegment("MSA")
	if msa == nil {
		return Ack{}, fmt.Errorf("hl7v2: ack has no MSA segment")
	}
	ack := Ack{
		Code:      strings.ToUpper(strings.TrimSpace(msa.GetField(1))),
		ControlID: strings.TrimSpace(msa.GetField(2)),
		Text:      strings.TrimSpace(msa.GetField(3)),
	}
	if ack.Code == "" {
		return Ack{}, fmt.Errorf("hl7v2: ack has empty MSA-1")
	}
	return ack, nil
}
