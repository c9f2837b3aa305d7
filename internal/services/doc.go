// Package services defines shared utilities consumed by the pipeline stage
// handlers and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp campaign IDs, locales, aspect ratios, stage
//     names, and correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper, and FailureDisposition,
//     which translates a failure into a delivery action (retry, terminate, or
//     drop).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
