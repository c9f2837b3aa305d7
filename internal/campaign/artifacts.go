package campaign

import "time"

// ContextPack is the per-locale market insight bundle produced by enrichment.
type ContextPack struct {
	CampaignID       string    `json:"campaign_id" bson:"campaign_id"`
	Locale           string    `json:"locale" bson:"locale"`
	CultureNotes     string    `json:"culture_notes" bson:"culture_notes"`
	Tone             string    `json:"tone" bson:"tone"`
	Dos              []string  `json:"dos" bson:"dos"`
	Donts            []string  `json:"donts" bson:"donts"`
	BannedWords      []string  `json:"banned_words" bson:"banned_words"`
	LegalGuidelines  string    `json:"legal_guidelines" bson:"legal_guidelines"`
	ColorPreferences []string  `json:"color_preferences,omitempty" bson:"color_preferences,omitempty"`
	VisualStyle      string    `json:"visual_style,omitempty" bson:"visual_style,omitempty"`
	SeasonalContext  string    `json:"seasonal_context,omitempty" bson:"seasonal_context,omitempty"`
	Model            string    `json:"model,omitempty" bson:"model,omitempty"`
	GeneratedAt      time.Time `json:"generated_at" bson:"generated_at"`
}

// Creative is the per-locale copy bundle. Headline is the structured field the
// overlay stage draws; nothing parses it out of free text.
type Creative struct {
	CampaignID     string    `json:"campaign_id" bson:"campaign_id"`
	Locale         string    `json:"locale" bson:"locale"`
	Headline       string    `json:"headline" bson:"headline"`
	Description    string    `json:"description" bson:"description"`
	CallToAction   string    `json:"call_to_action" bson:"call_to_action"`
	VisualElements []string  `json:"visual_elements,omitempty" bson:"visual_elements,omitempty"`
	Violations     []string  `json:"violations,omitempty" bson:"violations,omitempty"`
	Model          string    `json:"model,omitempty" bson:"model,omitempty"`
	GeneratedAt    time.Time `json:"generated_at" bson:"generated_at"`
}

// Image is the raw generated picture for one slot.
type Image struct {
	CampaignID  string    `json:"campaign_id" bson:"campaign_id"`
	Locale      string    `json:"locale" bson:"locale"`
	AspectRatio string    `json:"aspect_ratio" bson:"aspect_ratio"`
	URI         string    `json:"uri" bson:"uri"`
	Ref         string    `json:"ref" bson:"ref"`
	Prompt      string    `json:"prompt" bson:"prompt"`
	Size        string    `json:"size" bson:"size"`
	Model       string    `json:"model,omitempty" bson:"model,omitempty"`
	Status      string    `json:"status" bson:"status"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// LogoPlacement records where the branding stage put the logo.
type LogoPlacement struct {
	Position string  `json:"position" bson:"position"`
	X        int     `json:"x" bson:"x"`
	Y        int     `json:"y" bson:"y"`
	Scale    float64 `json:"scale" bson:"scale"`
}

// BrandedImage is the logo-composited picture for one slot.
type BrandedImage struct {
	CampaignID  string        `json:"campaign_id" bson:"campaign_id"`
	Locale      string        `json:"locale" bson:"locale"`
	AspectRatio string        `json:"aspect_ratio" bson:"aspect_ratio"`
	URI         string        `json:"uri" bson:"uri"`
	Ref         string        `json:"ref" bson:"ref"`
	SourceRef   string        `json:"source_ref" bson:"source_ref"`
	Logo        LogoPlacement `json:"logo_placement" bson:"logo_placement"`
	Reasoning   string        `json:"reasoning,omitempty" bson:"reasoning,omitempty"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
}

// ImageStatusGenerated marks a stored image ready for branding.
const ImageStatusGenerated = "generated"
