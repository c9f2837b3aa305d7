// Package config loads, normalizes, and validates creativepipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENAI_API_KEY, NATS_URL, and MONGODB_URL (a .env file in the working
// directory is loaded first). The Config type centralizes every knob the
// daemon and CLI need: backend selection for the bus, store, blob, and claim
// ledger, generator credentials, and the per-stage delivery policy.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
