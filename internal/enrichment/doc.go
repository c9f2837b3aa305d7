// Package enrichment turns a locale's audience brief into a ContextPack of
// market insights.
//
// The Enricher consumes ContextEnrichRequest, asks the LLM for a JSON insight
// document, maps it onto the ContextPack the creative stage reads, persists it
// keyed by (campaign, locale), and emits ContextEnrichReady carrying the pack.
// A redelivery that finds the pack already stored skips the LLM and only
// republishes.
package enrichment
