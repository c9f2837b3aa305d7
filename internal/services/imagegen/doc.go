// Package imagegen calls an OpenAI-compatible image generation endpoint.
//
// The client asks for base64 payloads and falls back to downloading the
// returned URL when a server ignores response_format. Attempts run through a
// circuit breaker with exponential backoff on 429/5xx, and failures carry the
// services error markers the stage harness classifies.
package imagegen
