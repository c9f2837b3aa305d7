package stage

import (
	"context"
	"fmt"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
)

// Input is one decoded delivery handed to a stage handler.
type Input[P any] struct {
	Envelope events.Envelope
	Payload  P
	// Campaign is the aggregate as read while fencing. Handlers that need
	// fresher state re-read it from the store.
	Campaign *campaign.Campaign
	// Attempt is the 1-based delivery count.
	Attempt int
	// Delivery identifies this delivery on the bus.
	Delivery bus.Delivery
}

// Holder returns the claim owner for this delivery. Two deliveries of the
// same message never share one, even inside a single process.
func (in Input[P]) Holder(owner string) string {
	return fmt.Sprintf("%s:%s:%d:%d", owner, in.Delivery.Consumer, in.Delivery.Sequence, in.Delivery.NumDelivered)
}

// Handler performs a stage's work for one delivery: the external call, the
// persist, then the publish. A nil error acks the message.
type Handler[P any] interface {
	Handle(ctx context.Context, in Input[P]) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[P any] func(ctx context.Context, in Input[P]) error

// Handle calls f.
func (f HandlerFunc[P]) Handle(ctx context.Context, in Input[P]) error {
	return f(ctx, in)
}
