// Package campaign defines the campaign aggregate, the stage-local side
// entities keyed off it, and the completion detector.
//
// A Campaign fixes its target locales and aspect ratios at creation; their
// cross product is the set of output slots the overlay stage must fill before
// IsComplete reports true. Stalled surfaces campaigns that stopped making
// progress so status queries can flag them.
package campaign
