// Package branding composites the brand logo onto each generated image.
//
// The Composer consumes ImageGenerated for one (locale, aspect ratio) slot,
// loads the raw image and the campaign's logo, places the logo with the
// render package, and persists the result before emitting BrandComposed. A
// missing logo is not an error: the image passes through unbranded and the
// reason is recorded on the BrandedImage.
package branding
