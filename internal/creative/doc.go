// Package creative writes per-locale ad copy from a ContextPack.
//
// The Generator consumes ContextEnrichReady. It prefers the stored pack and
// falls back to the copy carried in the event when the store has not caught
// up. The LLM answers with a structured headline, description, call to
// action, and visual elements; banned words from the pack are checked against
// that copy and any hits are stored on the Creative as violations rather than
// blocking the chain.
package creative
