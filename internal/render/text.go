package render

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"creativepipe/internal/campaign"
)

var (
	boldOnce sync.Once
	boldFont *opentype.Font
	boldErr  error
)

func headlineFont() (*opentype.Font, error) {
	boldOnce.Do(func() {
		boldFont, boldErr = opentype.Parse(gobold.TTF)
	})
	return boldFont, boldErr
}

// OverlayText draws headline in a translucent box and returns the result with
// the placement it used. The box grows when wrapped text needs more room than
// the estimate.
func OverlayText(base image.Image, headline, position string) (*image.RGBA, campaign.TextPlacement, error) {
	headline = strings.TrimSpace(headline)
	if headline == "" {
		return nil, campaign.TextPlacement{}, fmt.Errorf("overlay text: empty headline")
	}
	dst := toRGBA(base)
	bounds := dst.Bounds()
	box := ComputeTextBox(bounds.Dx(), bounds.Dy(), len([]rune(headline)), position)

	f, err := headlineFont()
	if err != nil {
		return nil, campaign.TextPlacement{}, fmt.Errorf("load font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(box.FontSize),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, campaign.TextPlacement{}, fmt.Errorf("build font face: %w", err)
	}
	defer face.Close()

	lines := wrapText(face, headline, box.Width-2*boxPadding)
	lineH := box.FontSize + 10
	if need := len(lines)*lineH + 2*boxPadding; need > box.Height {
		box.Height = need
		box.Y = textBoxY(box.Position, bounds.Dy(), box.Height)
	}

	rect := image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height).Intersect(bounds)
	draw.Draw(dst, rect, image.NewUniform(color.NRGBA{A: BoxAlpha}), image.Point{}, draw.Over)

	ascent := face.Metrics().Ascent.Ceil()
	startY := box.Y + (box.Height-len(lines)*lineH)/2
	drawer := &font.Drawer{Dst: dst, Face: face}
	for i, line := range lines {
		width := drawer.MeasureString(line).Ceil()
		x := box.X + (box.Width-width)/2
		y := startY + i*lineH + ascent
		drawer.Src = image.Black
		for dx := -2; dx <= 2; dx++ {
			for dy := -2; dy <= 2; dy++ {
				if dx == 0 && dy == 0 {
					continue
				}
				drawer.Dot = fixed.P(x+dx, y+dy)
				drawer.DrawString(line)
			}
		}
		drawer.Src = image.White
		drawer.Dot = fixed.P(x, y)
		drawer.DrawString(line)
	}

	return dst, campaign.TextPlacement{
		Position: box.Position,
		X:        box.X,
		Y:        box.Y,
		Width:    box.Width,
		Height:   box.Height,
		FontSize: float64(box.FontSize),
		Lines:    len(lines),
	}, nil
}

// wrapText greedily packs words into lines no wider than maxWidth. A single
// word wider than maxWidth gets its own line.
func wrapText(face font.Face, text string, maxWidth int) []string {
	words := strings.Fields(text)
	var (
		lines   []string
		current []string
	)
	for _, word := range words {
		candidate := strings.Join(append(current, word), " ")
		if font.MeasureString(face, candidate).Ceil() <= maxWidth || len(current) == 0 {
			current = append(current, word)
			continue
		}
		lines = append(lines, strings.Join(current, " "))
		current = []string{word}
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	return lines
}
