// Package sqlitebus implements the durable message bus on a single SQLite
// file so the daemon runs without an external broker.
//
// Each stream keeps its messages in publish order. Every durable consumer owns
// one delivery row per message, and workers claim rows inside an IMMEDIATE
// transaction, so any number of processes sharing the file compete for work
// without double delivery inside an ack wait. Deliveries that exhaust
// max_deliver are parked in the dead state and stay queryable.
package sqlitebus

import "errors"

// ErrStaleDelivery is returned when a settlement targets a delivery that was
// already settled or superseded by a redelivery.
var ErrStaleDelivery = errors.New("stale delivery")
