package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"
	"sync/atomic"

	"creativepipe/internal/render"
	"creativepipe/internal/services/imagegen"
)

// LLM is a scripted completer. Responses are chosen by the first matching
// substring of the system prompt; Err, when set, is returned instead.
type LLM struct {
	mu        sync.Mutex
	responses map[string]string
	calls     atomic.Int64
	Err       error
	prompts   []string
}

// NewLLM returns a completer that answers enrichment and creative prompts with
// canned JSON.
func NewLLM() *LLM {
	return &LLM{responses: map[string]string{
		"insights": mustJSON(map[string]any{
			"market_trends":       []string{"clean beauty", "minimal routines"},
			"seasonal_context":    "autumn launch window",
			"cultural_notes":      "direct, optimistic messaging lands well",
			"color_preferences":   []string{"peach", "ivory"},
			"messaging_tone":      "warm and confident",
			"visual_style":        "bright studio light",
			"competitor_insights": []string{"heavy discounting"},
			"regulatory_notes":    "avoid medical claims",
		}),
		"creative director": mustJSON(map[string]any{
			"headline":        "Glow That Keeps Up With You",
			"description":     "Lightweight hydration built for long days.",
			"call_to_action":  "Shop the glow",
			"visual_elements": []string{"dewy skin", "morning light"},
		}),
	}}
}

// Respond overrides the answer for prompts containing match.
func (l *LLM) Respond(match, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses[match] = content
}

// Calls returns how many completions were requested.
func (l *LLM) Calls() int { return int(l.calls.Load()) }

// Prompts returns the user prompts received.
func (l *LLM) Prompts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.prompts...)
}

// CompleteJSON implements the stage completer contract.
func (l *LLM) CompleteJSON(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, userPrompt)
	if l.Err != nil {
		return "", l.Err
	}
	for match, content := range l.responses {
		if strings.Contains(systemPrompt, match) {
			return content, nil
		}
	}
	return "", fmt.Errorf("no scripted response for system prompt %q", systemPrompt)
}

// Model names the fake model.
func (l *LLM) Model() string { return "fake-llm" }

// Images generates solid PNGs sized from the request.
type Images struct {
	calls atomic.Int64
	Err   error
}

var _ imagegen.Generator = (*Images)(nil)

// NewImages returns a generator of solid images.
func NewImages() *Images {
	return &Images{}
}

// Calls returns how many images were requested.
func (g *Images) Calls() int { return int(g.calls.Load()) }

// Generate renders a placeholder picture at req.Size.
func (g *Images) Generate(_ context.Context, req imagegen.Request) (imagegen.Result, error) {
	g.calls.Add(1)
	if g.Err != nil {
		return imagegen.Result{}, g.Err
	}
	var w, h int
	if _, err := fmt.Sscanf(req.Size, "%dx%d", &w, &h); err != nil {
		return imagegen.Result{}, fmt.Errorf("parse size %q: %w", req.Size, err)
	}
	// Shrink so tests stay fast; aspect is preserved.
	data, err := SolidPNG(w/8, h/8, color.RGBA{R: 230, G: 200, B: 190, A: 255})
	if err != nil {
		return imagegen.Result{}, err
	}
	return imagegen.Result{Data: data, RevisedPrompt: req.Prompt, Model: "fake-images", Size: req.Size}, nil
}

// SolidPNG encodes a w x h image filled with c.
func SolidPNG(w, h int, c color.Color) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return render.EncodePNG(img)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
