// Package notifications delivers operator alerts via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Enumerated events
// cover the lifecycle moments an operator has to act on (completion, failure,
// dead-lettered messages, stalled campaigns) so stages emit consistent
// messages without duplicating HTTP glue.
package notifications
