package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creativepipe/internal/events"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Headers carries transport metadata alongside a message body.
type Headers map[string]string

// Header names set on every published envelope.
const (
	HeaderMsgID         = "Nats-Msg-Id"
	HeaderEventType     = "Event-Type"
	HeaderCampaignID    = "Campaign-Id"
	HeaderCorrelationID = "Correlation-Id"
)

// Delivery describes one delivery attempt of a stored message.
type Delivery struct {
	Stream       string
	Consumer     string
	Sequence     uint64
	NumDelivered int
}

// Message is one delivery handed to a consumer. Exactly one of Ack, Nak, or
// Term should be called; a message left unsettled is redelivered once its
// ack wait elapses.
type Message interface {
	Data() []byte
	Headers() Headers
	Delivery() Delivery
	// Ack confirms processing; the message is never redelivered to this consumer.
	Ack(ctx context.Context) error
	// Nak requests redelivery after delay.
	Nak(ctx context.Context, delay time.Duration) error
	// Term parks the message without further redelivery.
	Term(ctx context.Context, reason string) error
	// InProgress resets the ack wait for a long-running handler.
	InProgress(ctx context.Context) error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, msg Message)

// ConsumerOptions configures a durable consumer.
type ConsumerOptions struct {
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	Workers    int
}

// Publisher appends messages to streams. Publish returns only after the broker
// has persisted the message.
type Publisher interface {
	Publish(ctx context.Context, binding events.Binding, data []byte, headers Headers) error
}

// Consumer delivers messages from a stream to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, binding events.Binding, opts ConsumerOptions, handler Handler) error
}

// Bus is a Publisher and Consumer that can declare its streams.
type Bus interface {
	Publisher
	Consumer
	EnsureStreams(ctx context.Context, bindings []events.Binding) error
	Close() error
}

// DeadLetter is a message parked by the bus after exhausting its deliveries.
type DeadLetter struct {
	Stream       string
	Consumer     string
	Sequence     uint64
	Subject      string
	NumDelivered int
	Reason       string
	Data         []byte
	ParkedAt     time.Time
}

// DeadLetterLister is implemented by buses that keep parked messages queryable.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// PublishEnvelope encodes env and publishes it on the binding for its type.
func PublishEnvelope(ctx context.Context, p Publisher, env events.Envelope) error {
	binding, err := events.BindingFor(env.Type)
	if err != nil {
		return err
	}
	data, err := events.Encode(env)
	if err != nil {
		return err
	}
	headers := Headers{
		HeaderMsgID:         env.DedupKey(),
		HeaderEventType:     string(env.Type),
		HeaderCampaignID:    env.CampaignID,
		HeaderCorrelationID: env.CorrelationID,
	}
	if err := p.Publish(ctx, binding, data, headers); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Normalize fills zero-valued options with the bus defaults.
func (o ConsumerOptions) Normalize(binding events.Binding) ConsumerOptions {
	if o.Durable == "" {
		o.Durable = binding.Durable
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 3
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}
