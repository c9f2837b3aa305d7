// Package bus is the at-least-once delivery contract between stages.
//
// A Publisher persists a message before returning. A Consumer hands each
// delivery to a Handler, which settles it with Ack, Nak, or Term. Unsettled
// deliveries come back after the ack wait and deliveries beyond MaxDeliver are
// parked as dead letters. Implementations live in sqlitebus (embedded) and
// natsbus (JetStream).
package bus
