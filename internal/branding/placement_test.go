package branding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlacementClampsAnswer(t *testing.T) {
	p, err := parsePlacement("```json\n{\"position\":\"TOP_RIGHT\",\"x_percent\":140,\"y_percent\":-0.2,\"scale\":0.5,\"reasoning\":\" plain wall \"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "top_right", p.Position)
	assert.Equal(t, 1.0, p.Anchor.X)
	assert.Equal(t, 0.0, p.Anchor.Y)
	assert.Equal(t, maxPlacementScale, p.Anchor.Scale)
	assert.Equal(t, "plain wall", p.Reasoning)
}

func TestParsePlacementReadsPercentages(t *testing.T) {
	p, err := parsePlacement(`{"position":"somewhere","x_percent":50,"y_percent":12,"scale":5}`)
	require.NoError(t, err)
	assert.Equal(t, "top_center", p.Position, "unknown positions normalize")
	assert.InDelta(t, 0.5, p.Anchor.X, 1e-9)
	assert.InDelta(t, 0.12, p.Anchor.Y, 1e-9)
	assert.Equal(t, minPlacementScale, p.Anchor.Scale, "5 percent is below the minimum")
	assert.NotEmpty(t, p.Reasoning)
}

func TestParsePlacementRejectsMissingNumbers(t *testing.T) {
	_, err := parsePlacement(`{"position":"top_left","x_percent":0.2,"y_percent":0.1}`)
	assert.ErrorContains(t, err, "scale missing")

	_, err = parsePlacement(`not json`)
	assert.Error(t, err)
}

func TestWantsPlacement(t *testing.T) {
	assert.True(t, wantsPlacement(""))
	assert.True(t, wantsPlacement(" Auto "))
	assert.False(t, wantsPlacement("top_center"))
}
