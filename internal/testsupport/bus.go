package testsupport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
)

// ErrPublishRefused is returned by a Publisher told to fail.
var ErrPublishRefused = errors.New("publish refused")

// Publisher records published envelopes in memory.
type Publisher struct {
	mu       sync.Mutex
	sent     []events.Envelope
	failNext int
}

var _ bus.Publisher = (*Publisher)(nil)

// NewPublisher returns an empty recording publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// FailNext makes the next n publishes fail.
func (p *Publisher) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Publish decodes and records data.
func (p *Publisher) Publish(_ context.Context, _ events.Binding, data []byte, _ bus.Headers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return ErrPublishRefused
	}
	env, err := events.Decode(data)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, env)
	return nil
}

// Sent returns every recorded envelope in publish order.
func (p *Publisher) Sent() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Envelope(nil), p.sent...)
}

// OfType returns recorded envelopes of type t.
func (p *Publisher) OfType(t events.Type) []events.Envelope {
	var out []events.Envelope
	for _, env := range p.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// MustPayload decodes env's payload or fails the test.
func MustPayload[P any](t testing.TB, env events.Envelope) P {
	t.Helper()
	payload, err := events.DecodePayload[P](env)
	if err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return payload
}
