package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultResponseTimeout bounds the wait for an acknowledgment.
const DefaultResponseTimeout = 12 * time.Second

// Client sends a single MLLP-framed message per connection and waits for
// the framed acknowledgment.
type Client struct {
	Addr    string
	Timeout time.Duration
	Dialer  *net.Dialer
}

// NewClient returns a client for host:port with the default response timeout.
func NewClient(host string, port int) *Client {
	return &Client{
		Addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		Timeout: DefaultResponseTimeout,
	}
}

// Send frames msg, writes it and reads until the 0x1C 0x0D terminator. The
// returned bytes are the acknowledgment with framing stripped. The whole
// exchange is bounded by the client timeout and ctx, whichever ends first.
func (c *Client) Send(ctx context.Context, msg []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: connect %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Unblock reads if ctx is cancelled before the deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	if _, err := conn.Write(FrameMessage(msg)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 1024)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if ack, _, found := UnframeMessage(buf); found {
				return ack, nil
			}
			if len(buf) > mllpMaxMessageSize {
				return nil, ErrFrameTooLarge
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("mllp: no acknowledgment within %s", timeout)
			}
			return nil, fmt.Errorf("mllp: connection closed before acknowledgment: %w", err)
		}
	}
}
