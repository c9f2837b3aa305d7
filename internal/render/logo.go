package render

import (
	"image"

	"golang.org/x/image/draw"

	"creativepipe/internal/campaign"
)

// ComposeLogo scales logo onto base at position and returns the composite
// with the placement it used. A nil logo leaves the image untouched.
func ComposeLogo(base, logo image.Image, position string) (*image.RGBA, campaign.LogoPlacement) {
	return ComposeLogoAt(base, logo, position, nil)
}

// ComposeLogoAt is ComposeLogo with an optional anchor override.
func ComposeLogoAt(base, logo image.Image, position string, anchor *Anchor) (*image.RGBA, campaign.LogoPlacement) {
	dst := toRGBA(base)
	if logo == nil {
		return dst, campaign.LogoPlacement{Position: NormalizeLogoPosition(position)}
	}
	bounds := dst.Bounds()
	lb := logo.Bounds()
	box := ComputeLogoBoxAt(bounds.Dx(), bounds.Dy(), lb.Dx(), lb.Dy(), position, anchor)
	rect := image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height)
	draw.CatmullRom.Scale(dst, rect, logo, lb, draw.Over, nil)
	return dst, campaign.LogoPlacement{
		Position: box.Position,
		X:        box.X,
		Y:        box.Y,
		Scale:    box.Scale,
	}
}
