package hl7v2

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestClient_Send_ReturnsACK(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", AcceptAllHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	c := &Client{Addr: s.Addr(), Timeout: 2 * time.Second}
	raw, err := c.Send(context.Background(), []byte(testORU))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ack, err := ParseACK(raw)
	if err != nil {
		t.Fatalf("ParseACK failed: %v", err)
	}
	if ack.Code != AckAccept || ack.ControlID != "ENC-001" {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestClient_Send_TimesOutWithoutACK(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", func(msg *Message) *Message { return nil })
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	c := &Client{Addr: s.Addr(), Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := c.Send(context.Background(), []byte(testORU))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "no acknowledgment") {
		t.Errorf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestClient_Send_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := &Client{Addr: addr, Timeout: time.Second}
	if _, err := c.Send(context.Background(), []byte(testORU)); err == nil {
		t.Fatal("expected connect error")
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient("ehr.local", 2575)
	if c.Addr != "ehr.local:2575" {
		t.Errorf("expected ehr.local:2575, got %q", c.Addr)
	}
	if c.Timeout != DefaultResponseTimeout {
		t.Errorf("expected default timeout, got %s", c.Timeout)
	}
}

func TestParseACK(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		code     string
		accepted bool
		wantErr  bool
	}{
		{"accept", "MSH|^~\\&|EHR|EHR|RP|RP|20240101||ACK^R01|A1|P|2.5.1\rMSA|AA|CTRL-9", "AA", true, false},
		{"commit accept", "MSH|^~\\&|EHR|EHR|RP|RP|20240101||ACK|A1|P|2.5.1\rMSA|CA|CTRL-9", "CA", true, false},
		{"error", "MSH|^~\\&|EHR|EHR|RP|RP|20240101||ACK|A1|P|2.5.1\rMSA|AE|CTRL-9|bad PID", "AE", false, false},
		{"reject", "MSH|^~\\&|EHR|EHR|RP|RP|20240101||ACK|A1|P|2.5.1\rMSA|AR|CTRL-9", "AR", false, false},
		{"no msa", "MSH|^~\\&|EHR|EHR|RP|RP|20240101||ACK|A1|P|2.5.1", "", false, true},
		{"garbage", "hello", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := ParseACK([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ack.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, ack.Code)
			}
			if ack.Accepted() != tt.accepted {
				t.Errorf("expected accepted=%v", tt.accepted)
			}
			if ack.ControlID != "CTRL-9" {
				t.Errorf("expected control id CTRL-9, got %q", ack.ControlID)
			}
		})
	}
}
