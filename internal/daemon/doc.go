// Package daemon coordinates the long-running creativepipe process.
//
// It opens the configured backends (bus, campaign store, blob storage, claim
// ledger), builds one stage worker per selected stage, and runs them next to
// the HTTP gateway and the stale-campaign scanner under a single lifecycle
// with flock-based locking to prevent duplicate instances of the same stage
// set on one host. Messages the bus parks on its own are recorded on the
// campaign and alerted here.
//
// Keep orchestration logic here: stage semantics live in their respective
// packages while the daemon focuses on startup, shutdown, and wiring.
package daemon
