package imaging

import (
	"fmt"
	"strings"

	"creativepipe/internal/campaign"
)

// BuildPrompt renders the generator prompt for one locale's creative. Text is
// excluded from the picture; the overlay stage draws the headline later.
func BuildPrompt(c *campaign.Campaign, creative campaign.Creative, pack *campaign.ContextPack) string {
	var b strings.Builder
	b.WriteString("Create a professional product advertisement image WITHOUT any text, words, or typography.\n\n")
	b.WriteString("Product Context:\n")
	if c != nil {
		if names := c.ProductNames(); len(names) > 0 {
			fmt.Fprintf(&b, "- Products: %s\n", strings.Join(names, ", "))
		}
	}
	fmt.Fprintf(&b, "- Theme: %s\n", creative.Headline)
	if creative.Description != "" {
		fmt.Fprintf(&b, "- Story: %s\n", creative.Description)
	}
	if len(creative.VisualElements) > 0 {
		fmt.Fprintf(&b, "- Visual elements: %s\n", strings.Join(creative.VisualElements, ", "))
	}
	if pack != nil {
		if pack.VisualStyle != "" {
			fmt.Fprintf(&b, "- Visual style: %s\n", pack.VisualStyle)
		}
		if len(pack.ColorPreferences) > 0 {
			fmt.Fprintf(&b, "- Palette: %s\n", strings.Join(pack.ColorPreferences, ", "))
		}
	}
	if c != nil && c.Brand.PrimaryColor != "" {
		fmt.Fprintf(&b, "- Brand accent color: %s\n", c.Brand.PrimaryColor)
	}
	b.WriteString("\nRequirements:\n")
	b.WriteString("- NO text, words, letters, or typography of any kind\n")
	b.WriteString("- High-quality, professional product photography\n")
	b.WriteString("- Soft, flattering lighting with clean aesthetics\n")
	b.WriteString("- Product-centric composition\n")
	b.WriteString("- Clean background suitable for text overlay later\n")
	b.WriteString("- Leave space for text overlay (avoid cluttered edges)\n")
	return b.String()
}
