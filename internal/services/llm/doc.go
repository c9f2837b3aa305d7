// Package llm provides an OpenAI-compatible chat client for structured text
// generation.
//
// This package is used by:
//   - Enrichment stage: per-locale market insight as JSON
//   - Creative stage: headline, description, call to action, visual elements
//
// # Configuration
//
// Requires api_key and model; base_url defaults to the OpenAI v1 API and may
// point at any server implementing /chat/completions.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.CompleteJSON: send system/user prompts, receive a JSON payload.
// Client.HealthCheck: verify API key and model availability.
// DecodeLLMJSON: tolerant decoding of fenced or chatty JSON replies.
//
// # Retry Behaviour
//
// Each attempt runs through a circuit breaker. HTTP 408/429/5xx, empty
// completions, and network timeouts are retried with exponential backoff
// (base 1s, max 10s, 4 attempts by default), honouring Retry-After. Errors
// are tagged with the services markers: rejected credentials are
// ErrConfiguration, exhausted retries ErrExternalTool or ErrTimeout, so the
// stage harness can decide between redelivery and parking the message.
package llm
