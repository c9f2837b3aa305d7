package enrichment

import (
	"fmt"
	"strings"
	"time"

	"creativepipe/internal/events"
)

// SystemPrompt frames every enrichment completion.
const SystemPrompt = "You are a marketing insights expert specializing in product advertising campaigns. Always respond with valid JSON."

// Insights is the JSON document the LLM returns.
type Insights struct {
	MarketTrends       []string `json:"market_trends"`
	SeasonalContext    string   `json:"seasonal_context"`
	CulturalNotes      string   `json:"cultural_notes"`
	ColorPreferences   []string `json:"color_preferences"`
	MessagingTone      string   `json:"messaging_tone"`
	VisualStyle        string   `json:"visual_style"`
	CompetitorInsights []string `json:"competitor_insights"`
	RegulatoryNotes    string   `json:"regulatory_notes"`
}

func (i Insights) empty() bool {
	return len(i.MarketTrends) == 0 && i.CulturalNotes == "" && i.MessagingTone == "" && i.RegulatoryNotes == ""
}

// BuildPrompt renders the user prompt for one locale.
func BuildPrompt(locale string, req events.ContextEnrichRequest, now time.Time) string {
	var b strings.Builder
	b.WriteString("Generate comprehensive marketing context for a product advertising campaign.\n\n")
	b.WriteString("Campaign Details:\n")
	fmt.Fprintf(&b, "- Region: %s\n", orUnspecified(req.Region))
	fmt.Fprintf(&b, "- Locale: %s\n", locale)
	fmt.Fprintf(&b, "- Target Audience: %s\n", orUnspecified(req.Audience))
	if req.AgeMin > 0 || req.AgeMax > 0 {
		fmt.Fprintf(&b, "- Age Range: %d-%d years\n", req.AgeMin, req.AgeMax)
	}
	if req.InterestsText != "" {
		fmt.Fprintf(&b, "- Interests: %s\n", req.InterestsText)
	}
	fmt.Fprintf(&b, "- Products: %s\n", strings.Join(req.ProductNames, ", "))
	if req.Message != "" {
		fmt.Fprintf(&b, "- Campaign Message: %s\n", req.Message)
	}
	fmt.Fprintf(&b, "- Current Date: %s\n\n", now.UTC().Format("January 2006"))
	b.WriteString("Provide actionable insights in JSON format with the following structure:\n")
	b.WriteString("{\n")
	b.WriteString(`  "market_trends": ["list of 3-5 current market trends relevant to this region and products"],` + "\n")
	b.WriteString(`  "seasonal_context": "description of current seasonal themes and how to leverage them",` + "\n")
	fmt.Fprintf(&b, `  "cultural_notes": "cultural sensitivities and preferences for the %s locale",`+"\n", locale)
	b.WriteString(`  "color_preferences": ["list of 3-5 colors that resonate with this audience"],` + "\n")
	b.WriteString(`  "messaging_tone": "recommended tone and style for messaging",` + "\n")
	b.WriteString(`  "visual_style": "description of visual aesthetics that appeal to this audience",` + "\n")
	b.WriteString(`  "competitor_insights": ["list of 2-3 insights about competitor strategies"],` + "\n")
	b.WriteString(`  "regulatory_notes": "any regulatory or compliance considerations for this region"` + "\n")
	b.WriteString("}\n\n")
	b.WriteString("Be specific, actionable, and data-driven. Return ONLY valid JSON.")
	return b.String()
}

func orUnspecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unspecified"
	}
	return v
}
