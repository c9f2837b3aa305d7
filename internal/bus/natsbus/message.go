package natsbus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"creativepipe/internal/bus"
)

type message struct {
	msg      jetstream.Msg
	headers  bus.Headers
	delivery bus.Delivery
}

func wrap(msg jetstream.Msg, stream, durable string) *message {
	headers := bus.Headers{}
	for key, values := range msg.Headers() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	delivery := bus.Delivery{Stream: stream, Consumer: durable, NumDelivered: 1}
	if meta, err := msg.Metadata(); err == nil {
		delivery.Sequence = meta.Sequence.Stream
		delivery.NumDelivered = int(meta.NumDelivered)
	}
	return &message{msg: msg, headers: headers, delivery: delivery}
}

func (m *message) Data() []byte           { return m.msg.Data() }
func (m *message) Headers() bus.Headers   { return m.headers }
func (m *message) Delivery() bus.Delivery { return m.delivery }

// Ack waits for the server to confirm the acknowledgement.
func (m *message) Ack(ctx context.Context) error { return m.msg.DoubleAck(ctx) }

func (m *message) Nak(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

func (m *message) Term(_ context.Context, reason string) error {
	return m.msg.TermWithReason(reason)
}

func (m *message) InProgress(_ context.Context) error { return m.msg.InProgress() }
