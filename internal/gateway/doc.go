// Package gateway serves the operator HTTP API.
//
// Briefs are validated, persisted once, and handed to the orchestration
// trigger; everything after the 202 happens on the bus. Read endpoints serve
// the campaign aggregate, its progress and staleness, and presigned links to
// the final outputs. Approval and revision requests are recorded on the
// campaign and announced on their audit streams.
package gateway
