// Package stage runs pipeline stage handlers on top of the message bus.
//
// A Worker owns one durable consumer. For every delivery it decodes the
// envelope and typed payload, fences work for failed campaigns, keeps the
// message's ack wait alive while the handler runs, and settles the message
// from the handler's tagged result: success acks, Retryable naks with
// exponential delay until the delivery budget is spent, and Fatal terms the
// message at once. Parked messages are recorded on the campaign and raised
// to operators.
package stage
