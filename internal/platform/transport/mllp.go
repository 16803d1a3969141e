package transport

import (
	"context"
	"fmt"

	"github.com/ehr/dispatch/internal/platform/hl7v2"
)

func (d *Dispatcher) sendMLLP(ctx context.Context, del Delivery) (Result, error) {
	client := hl7v2.NewClient(d.cfg.MLLPHost, d.cfg.MLLPPort)
	client.Timeout = d.cfg.MLLPTimeout

	raw, err := client.Send(ctx, del.Body)
	if err != nil {
		return Result{}, &TransportError{Mode: ModeMLLP, Err: err}
	}

	ack, err := hl7v2.ParseACK(raw)
	if err != nil {
		return Result{}, &TransportError{Mode: ModeMLLP, Message: "malformed acknowledgment", Err: err}
	}
	if !ack.Accepted() {
		msg := fmt.Sprintf("negative acknowledgment %s", ack.Code)
		if ack.Text != "" {
			msg += ": " + ack.Text
		}
		return Result{}, &TransportError{Mode: ModeMLLP, Message: msg}
	}

	return Result{
		Mode:              ModeMLLP,
		StatusCode:        200,
		Body:              string(raw),
		ExternalMessageID: ack.ControlID,
	}, nil
}
