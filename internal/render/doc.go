// Package render composites brand logos and headline text onto generated
// images.
//
// Geometry is computed by pure functions (ComputeTextBox, ComputeLogoBox) so
// placement can be tested without pixels; the drawing functions apply that
// geometry with golang.org/x/image and report the placement they used for
// the artifact records.
package render
