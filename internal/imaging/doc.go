// Package imaging renders the raw product picture for every aspect ratio of a
// locale.
//
// One CreativeGenerateDone fans out to N image generations, run concurrently
// under an errgroup. Each ratio is persisted (blob plus Image record) before
// any ImageGenerated is published, so downstream stages never see a partial
// set announced. Ratios whose Image already exists are skipped on redelivery.
package imaging
