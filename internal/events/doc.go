// Package events defines the inter-stage message contract: the Envelope that
// addresses every message to a (campaign, locale, aspect ratio) coordinate and
// threads the correlation ID, the typed payload per event, and the fixed
// stream/subject/durable bindings each producer and consumer agree on.
package events
