// Package overlay draws the creative's headline onto each branded image and
// closes out the campaign.
//
// The Compositor consumes BrandComposed, renders the final asset, writes it to
// the campaign's output slot with a narrow partial update, emits TextOverlaid,
// and then runs Detect. Detect re-reads the campaign and transitions it to
// COMPLETED once every (locale, aspect ratio) slot is filled; concurrent
// overlay workers race on that transition and exactly one wins it.
package overlay
