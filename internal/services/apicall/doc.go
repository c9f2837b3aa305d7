// Package apicall runs requests against paid generative APIs.
//
// A Caller pairs a gobreaker circuit breaker with bounded exponential backoff
// that defers to Retry-After. PostJSON and Get map non-2xx replies to
// *StatusError, and Classify turns the final error into the services markers
// the stage harness understands.
package apicall
