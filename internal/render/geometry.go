package render

import "strings"

// Text positions understood by OverlayText.
const (
	TextBottom = "bottom"
	TextTop    = "top"
	TextCenter = "center"
)

// Logo positions understood by ComposeLogo.
const (
	LogoTopCenter   = "top_center"
	LogoTopLeft     = "top_left"
	LogoTopRight    = "top_right"
	LogoBottomLeft  = "bottom_left"
	LogoBottomRight = "bottom_right"
	LogoCenter      = "center"
)

const (
	minFontSize    = 25
	maxFontSize    = 80
	boxPadding     = 20
	logoScale      = 0.15
	logoEdgeMargin = 20
	// BoxAlpha is the text box background opacity (0.7 of 255).
	BoxAlpha = 178
)

// TextBox is the computed headline box in pixels.
type TextBox struct {
	X, Y          int
	Width, Height int
	FontSize      int
	CharsPerLine  int
	Lines         int
	LineHeight    int
	Position      string
}

// ComputeTextBox sizes the headline box for an image. The font shrinks for
// long headlines and the box is centred horizontally, 5% of the height away
// from the chosen edge.
func ComputeTextBox(width, height, textLen int, position string) TextBox {
	base := int(float64(width) * 0.05)
	font := base
	switch {
	case textLen > 60:
		font = int(float64(base) * 0.7)
	case textLen > 40:
		font = int(float64(base) * 0.85)
	}
	font = clamp(font, minFontSize, maxFontSize)

	boxW := int(float64(width) * 0.8)
	cpl := int(float64(boxW) / (float64(font) * 0.6))
	if cpl < 1 {
		cpl = 1
	}
	lines := textLen/cpl + 1
	lineH := int(float64(font) * 1.4)
	boxH := lines*lineH + 2*boxPadding

	box := TextBox{
		X:            (width - boxW) / 2,
		Width:        boxW,
		Height:       boxH,
		FontSize:     font,
		CharsPerLine: cpl,
		Lines:        lines,
		LineHeight:   lineH,
		Position:     NormalizeTextPosition(position),
	}
	box.Y = textBoxY(box.Position, height, boxH)
	return box
}

func textBoxY(position string, height, boxH int) int {
	margin := int(float64(height) * 0.05)
	var y int
	switch position {
	case TextTop:
		y = margin
	case TextCenter:
		y = (height - boxH) / 2
	default:
		y = height - boxH - margin
	}
	if y < 0 {
		y = 0
	}
	return y
}

// NormalizeTextPosition maps operator input to a known text position.
func NormalizeTextPosition(position string) string {
	switch p := strings.ToLower(strings.TrimSpace(position)); p {
	case TextTop, TextCenter:
		return p
	case "middle":
		return TextCenter
	default:
		return TextBottom
	}
}

// LogoBox is the computed logo rectangle in pixels.
type LogoBox struct {
	X, Y          int
	Width, Height int
	Scale         float64
	Position      string
}

// Anchor overrides a preset logo position. X and Y locate the logo centre as
// fractions of the image size; Scale is the logo width as a fraction of the
// image width.
type Anchor struct {
	X, Y  float64
	Scale float64
}

// ComputeLogoBox scales the logo to 15% of the image width, keeping its
// aspect ratio, centres it on the anchor for position, and clamps it inside a
// 20px margin.
func ComputeLogoBox(width, height, logoW, logoH int, position string) LogoBox {
	return ComputeLogoBoxAt(width, height, logoW, logoH, position, nil)
}

// ComputeLogoBoxAt is ComputeLogoBox with an optional anchor replacing the
// preset centre and scale.
func ComputeLogoBoxAt(width, height, logoW, logoH int, position string, anchor *Anchor) LogoBox {
	position = NormalizeLogoPosition(position)
	scale := logoScale
	if anchor != nil && anchor.Scale > 0 {
		scale = anchor.Scale
	}
	w := int(float64(width) * scale)
	if w < 1 {
		w = 1
	}
	h := w
	if logoW > 0 && logoH > 0 {
		h = int(float64(w) * float64(logoH) / float64(logoW))
	}
	if h < 1 {
		h = 1
	}
	ax, ay := logoAnchor(position, width, height)
	if anchor != nil {
		ax, ay = int(float64(width)*anchor.X), int(float64(height)*anchor.Y)
	}
	x := clamp(ax-w/2, logoEdgeMargin, width-w-logoEdgeMargin)
	y := clamp(ay-h/2, logoEdgeMargin, height-h-logoEdgeMargin)
	return LogoBox{X: x, Y: y, Width: w, Height: h, Scale: scale, Position: position}
}

func logoAnchor(position string, width, height int) (int, int) {
	w, h := float64(width), float64(height)
	switch position {
	case LogoTopLeft:
		return int(w * 0.15), int(h * 0.12)
	case LogoTopRight:
		return int(w * 0.85), int(h * 0.12)
	case LogoBottomLeft:
		return int(w * 0.15), int(h * 0.88)
	case LogoBottomRight:
		return int(w * 0.85), int(h * 0.88)
	case LogoCenter:
		return int(w * 0.5), int(h * 0.5)
	default:
		return int(w * 0.5), int(h * 0.12)
	}
}

// NormalizeLogoPosition maps operator input to a known logo position.
func NormalizeLogoPosition(position string) string {
	switch p := strings.ToLower(strings.TrimSpace(position)); p {
	case LogoTopLeft, LogoTopRight, LogoBottomLeft, LogoBottomRight, LogoCenter:
		return p
	default:
		return LogoTopCenter
	}
}

// clamp keeps v in [lo, hi]; when the range is empty lo wins.
func clamp(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
