package creative

import (
	"fmt"
	"strings"

	"creativepipe/internal/campaign"
)

// SystemPrompt frames every creative completion.
const SystemPrompt = "You are a creative director for digital marketing campaigns. Always respond with valid JSON."

// Copy is the JSON document the LLM returns.
type Copy struct {
	Headline       string   `json:"headline"`
	Description    string   `json:"description"`
	CallToAction   string   `json:"call_to_action"`
	VisualElements []string `json:"visual_elements"`
}

// BuildPrompt renders the user prompt for one locale.
func BuildPrompt(c *campaign.Campaign, pack campaign.ContextPack) string {
	var b strings.Builder
	b.WriteString("Based on the following context, generate creative content:\n\n")
	fmt.Fprintf(&b, "Campaign ID: %s\n", pack.CampaignID)
	fmt.Fprintf(&b, "Locale: %s\n", pack.Locale)
	if c != nil {
		if names := c.ProductNames(); len(names) > 0 {
			fmt.Fprintf(&b, "Products: %s\n", strings.Join(names, ", "))
		}
		if msg := c.Messages[pack.Locale]; msg != "" {
			fmt.Fprintf(&b, "Campaign Message: %s\n", msg)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Cultural Notes: %s\n", pack.CultureNotes)
	fmt.Fprintf(&b, "Tone: %s\n", pack.Tone)
	fmt.Fprintf(&b, "Do's: %s\n", strings.Join(pack.Dos, ", "))
	fmt.Fprintf(&b, "Don'ts: %s\n", strings.Join(pack.Donts, ", "))
	fmt.Fprintf(&b, "Banned Words: %s\n", strings.Join(pack.BannedWords, ", "))
	fmt.Fprintf(&b, "Legal Guidelines: %s\n", pack.LegalGuidelines)
	if pack.VisualStyle != "" {
		fmt.Fprintf(&b, "Visual Style: %s\n", pack.VisualStyle)
	}
	b.WriteString("\nRespond with a JSON object in this EXACT format:\n")
	b.WriteString("{\n")
	b.WriteString(`  "headline": "catchy headline here (5-15 words)",` + "\n")
	b.WriteString(`  "description": "compelling description here (50-100 words)",` + "\n")
	b.WriteString(`  "call_to_action": "clear CTA here (3-8 words)",` + "\n")
	b.WriteString(`  "visual_elements": ["element 1", "element 2", "element 3"]` + "\n")
	b.WriteString("}\n\n")
	b.WriteString("Ensure ALL content respects the guidelines and cultural notes. Return ONLY the JSON object.")
	return b.String()
}
