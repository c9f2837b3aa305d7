package branding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"creativepipe/internal/render"
	"creativepipe/internal/services/llm"
)

// Placer answers a prompt about an inline image with JSON.
type Placer interface {
	CompleteImageJSON(ctx context.Context, prompt string, image []byte, contentType string) (string, error)
}

const (
	minPlacementScale = 0.08
	maxPlacementScale = 0.25
	maxReasoningLen   = 500

	fallbackReasoning = "Default top-center placement (placement analysis failed: %s)"
)

// placementAnswer is the model's JSON reply. Numbers are pointers so a missing
// field is told apart from zero.
type placementAnswer struct {
	Position  string   `json:"position"`
	XPercent  *float64 `json:"x_percent"`
	YPercent  *float64 `json:"y_percent"`
	Scale     *float64 `json:"scale"`
	Reasoning string   `json:"reasoning"`
}

// logoPlacement is a validated model answer.
type logoPlacement struct {
	Position  string
	Anchor    render.Anchor
	Reasoning string
}

func placementPrompt(width, height int) string {
	return fmt.Sprintf(`You are an expert brand designer analyzing a product marketing image.

IMAGE DIMENSIONS: %dx%d pixels

Find the best position and size for a brand logo, preferring the top-middle
area: the top 40%% of the image (y: 0 to %dpx) and the horizontal middle 60%%
(x: %d to %dpx).

1. Locate products, faces, text and decorative elements in that area.
2. Pick the largest plain region that keeps clear of them.
3. Size the logo between 10%% and 20%% of the image width: smaller on busy
   backgrounds, larger on plain ones.
4. Report the CENTRE of the logo as fractions of the image width and height,
   keeping 30-50px from the top edge.

Respond with a JSON object in exactly this format:
{
  "position": "top_center",
  "x_percent": 0.50,
  "y_percent": 0.15,
  "scale": 0.15,
  "reasoning": "short explanation with pixel coordinates"
}`, width, height, int(float64(height)*0.4), int(float64(width)*0.2), int(float64(width)*0.8))
}

// parsePlacement decodes and bounds-checks a model reply.
func parsePlacement(content string) (logoPlacement, error) {
	var answer placementAnswer
	if err := llm.DecodeLLMJSON(content, &answer); err != nil {
		return logoPlacement{}, fmt.Errorf("decode placement: %w", err)
	}
	x, err := fraction("x_percent", answer.XPercent)
	if err != nil {
		return logoPlacement{}, err
	}
	y, err := fraction("y_percent", answer.YPercent)
	if err != nil {
		return logoPlacement{}, err
	}
	scale, err := fraction("scale", answer.Scale)
	if err != nil {
		return logoPlacement{}, err
	}
	reasoning := strings.TrimSpace(answer.Reasoning)
	if len(reasoning) > maxReasoningLen {
		reasoning = reasoning[:maxReasoningLen]
	}
	if reasoning == "" {
		reasoning = "placement chosen by image analysis"
	}
	return logoPlacement{
		Position: render.NormalizeLogoPosition(answer.Position),
		Anchor: render.Anchor{
			X:     math.Min(math.Max(x, 0), 1),
			Y:     math.Min(math.Max(y, 0), 1),
			Scale: math.Min(math.Max(scale, minPlacementScale), maxPlacementScale),
		},
		Reasoning: reasoning,
	}, nil
}

// fraction reads a 0..1 value. Values in (1, 100] are taken as percentages.
func fraction(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("placement %s missing", field)
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("placement %s is not a finite number", field)
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	return f, nil
}

// wantsPlacement reports whether the operator left logo placement to the model.
func wantsPlacement(position string) bool {
	switch strings.ToLower(strings.TrimSpace(position)) {
	case "", "auto":
		return true
	default:
		return false
	}
}

// analyzePlacement asks the placer where the logo goes. It never fails: any
// error yields ok=false and the reason for the fallback.
func (c *Composer) analyzePlacement(ctx context.Context, image []byte, width, height int) (logoPlacement, string, bool) {
	if c.placementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.placementTimeout)
		defer cancel()
	}
	content, err := c.placer.CompleteImageJSON(ctx, placementPrompt(width, height), image, http.DetectContentType(image))
	if err != nil {
		c.metrics.ExternalCall(stageName, "error")
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		return logoPlacement{}, reason, false
	}
	c.metrics.ExternalCall(stageName, "ok")
	placement, err := parsePlacement(content)
	if err != nil {
		return logoPlacement{}, err.Error(), false
	}
	return placement, "", true
}
