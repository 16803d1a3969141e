package hl7v2

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testORU = "MSH|^~\\&|REVENUEPILOT|CLINIC|EHR|EHR|20240115120000||ORU^R01|ENC-001|P|2.5.1\rPID|1||MRN-1||Doe^Jane||19800101|F\rOBX|1|TX|NOTE^Clinical Note||Patient stable||||||F"

func TestFrameMessage(t *testing.T) {
	raw := []byte(testORU)
	framed := FrameMessage(raw)

	if framed[0] != MLLPStartBlock {
		t.Errorf("expected first byte 0x0B, got 0x%02X", framed[0])
	}
	if framed[len(framed)-2] != MLLPEndBlock || framed[len(framed)-1] != MLLPCarriageReturn {
		t.Errorf("expected trailing 0x1C 0x0D, got % X", framed[len(framed)-2:])
	}
	if !bytes.Equal(framed[1:len(framed)-2], raw) {
		t.Error("inner bytes do not match original")
	}
}

func TestUnframeMessage_Valid(t *testing.T) {
	raw := []byte("MSH|test")
	msg, rest, found := UnframeMessage(FrameMessage(raw))
	if !found {
		t.Fatal("expected found=true")
	}
	if !bytes.Equal(msg, raw) {
		t.Errorf("expected %q, got %q", raw, msg)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty rest, got %d bytes", len(rest))
	}
}

func TestUnframeMessage_NoStart(t *testing.T) {
	if _, _, found := UnframeMessage([]byte("no start block here")); found {
		t.Error("expected found=false when no start block present")
	}
}

func TestUnframeMessage_Partial(t *testing.T) {
	data := append([]byte{MLLPStartBlock}, []byte("MSH|partial")...)
	if _, _, found := UnframeMessage(data); found {
		t.Error("expected found=false for partial frame")
	}
}

func TestUnframeMessage_MultipleMessages(t *testing.T) {
	combined := append(FrameMessage([]byte("ONE")), FrameMessage([]byte("TWO"))...)

	first, rest, found := UnframeMessage(combined)
	if !found || string(first) != "ONE" {
		t.Fatalf("expected ONE, got %q (found=%v)", first, found)
	}
	second, rest, found := UnframeMessage(rest)
	if !found || string(second) != "TWO" {
		t.Fatalf("expected TWO, got %q (found=%v)", second, found)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty rest, got %d bytes", len(rest))
	}
}

func TestGenerateACK(t *testing.T) {
	incoming, err := Parse([]byte(testORU))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ack := GenerateACK(incoming, AckAccept)
	if ack.Type != "ACK^R01" {
		t.Errorf("expected type ACK^R01, got %q", ack.Type)
	}
	if ack.SendingApp != "EHR" || ack.ReceivingApp != "REVENUEPILOT" {
		t.Errorf("expected swapped applications, got %q -> %q", ack.SendingApp, ack.ReceivingApp)
	}

	parsed, err := ParseACK(SerializeMessage(ack))
	if err != nil {
		t.Fatalf("ParseACK failed: %v", err)
	}
	if parsed.Code != AckAccept {
		t.Errorf("expected AA, got %q", parsed.Code)
	}
	if parsed.ControlID != "ENC-001" {
		t.Errorf("expected MSA-2 ENC-001, got %q", parsed.ControlID)
	}
}

func TestMLLPServer_SendsACK(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", AcceptAllHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack, err := ParseACK(readMLLPResponse(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("ParseACK failed: %v", err)
	}
	if !ack.Accepted() {
		t.Errorf("expected accepted ack, got %q", ack.Code)
	}
}

func TestMLLPServer_MultipleMessagesOnOneConnection(t *testing.T) {
	var mu sync.Mutex
	var received []string

	s := NewMLLPServer("127.0.0.1:0", func(msg *Message) *Message {
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return GenerateACK(msg, AckAccept)
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for _, id := range []string{"CTRL1", "CTRL2"} {
		msg := "MSH|^~\\&|A|B|C|D|20240115120000||ORU^R01|" + id + "|P|2.5.1"
		if _, err := conn.Write(FrameMessage([]byte(msg))); err != nil {
			t.Fatalf("Write %s failed: %v", id, err)
		}
		readMLLPResponse(t, conn, 5*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "CTRL1" || received[1] != "CTRL2" {
		t.Errorf("unexpected control ids: %v", received)
	}
}

func TestMLLPServer_InvalidMessageGetsNoResponse(t *testing.T) {
	var called atomic.Bool
	s := NewMLLPServer("127.0.0.1:0", func(msg *Message) *Message {
		called.Store(true)
		return nil
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write(FrameMessage([]byte("PID|not a message")))
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if n, _ := conn.Read(buf); n != 0 {
		t.Errorf("expected no response, got %q", buf[:n])
	}
	if called.Load() {
		t.Error("handler should not be called for an unparseable message")
	}
}

func TestMLLPServer_Addr(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", AcceptAllHandler())
	if s.Addr() != "127.0.0.1:0" {
		t.Errorf("expected configured addr before Start, got %q", s.Addr())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()
	if s.Addr() == "127.0.0.1:0" {
		t.Error("expected OS-assigned port after Start")
	}
}

// readMLLPResponse reads one complete MLLP frame from conn.
func readMLLPResponse(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if msg, _, found := UnframeMessage(buf); found {
				return msg
			}
		}
		if err != nil {
			t.Fatalf("reading MLLP response: %v", err)
		}
	}
}
