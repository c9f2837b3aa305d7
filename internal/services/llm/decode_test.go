package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLLMJSON(t *testing.T) {
	type headline struct {
		Headline string `json:"headline"`
	}
	cases := map[string]string{
		"plain":      `{"headline":"Bold"}`,
		"fenced":     "```json\n{\"headline\":\"Bold\"}\n```",
		"bare fence": "```\n{\"headline\":\"Bold\"}\n```",
		"prose":      "Sure! Here you go: {\"headline\":\"Bold\"} enjoy",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			var out headline
			require.NoError(t, DecodeLLMJSON(input, &out))
			assert.Equal(t, "Bold", out.Headline)
		})
	}
}

func TestDecodeLLMJSONErrors(t *testing.T) {
	var out map[string]any
	assert.EqualError(t, DecodeLLMJSON("   ", &out), "empty payload")
	assert.ErrorContains(t, DecodeLLMJSON("no json here", &out), "payload snippet: no json here")
	assert.ErrorContains(t, DecodeLLMJSON("see {broken} thing", &out), "sanitized payload snippet: {broken}")
}
