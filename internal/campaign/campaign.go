package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status tracks the campaign lifecycle.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus normalizes user input into a Status.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown campaign status %q", value)
	}
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
// Status only moves forward out of PROCESSING.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusProcessing && (to == StatusCompleted || to == StatusFailed)
}

// DefaultPrimaryColor is applied when a brief omits brand.primary_color.
const DefaultPrimaryColor = "#FF3355"

// Product is one item being advertised.
type Product struct {
	ID          string `json:"id" bson:"id"`
	Name        string `json:"name" bson:"name"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

// Audience describes who a locale's creative targets.
type Audience struct {
	Region        string `json:"region,omitempty" bson:"region,omitempty"`
	Audience      string `json:"audience,omitempty" bson:"audience,omitempty"`
	AgeMin        int    `json:"age_min,omitempty" bson:"age_min,omitempty"`
	AgeMax        int    `json:"age_max,omitempty" bson:"age_max,omitempty"`
	InterestsText string `json:"interests_text,omitempty" bson:"interests_text,omitempty"`
}

// Brand carries brand constraints applied by the creative and branding stages.
type Brand struct {
	PrimaryColor    string              `json:"primary_color,omitempty" bson:"primary_color,omitempty"`
	LogoURI         string              `json:"logo_uri,omitempty" bson:"logo_uri,omitempty"`
	BannedWords     map[string][]string `json:"banned_words,omitempty" bson:"banned_words,omitempty"`
	LegalGuidelines string              `json:"legal_guidelines,omitempty" bson:"legal_guidelines,omitempty"`
}

// Placement carries operator placement preferences.
type Placement struct {
	LogoPosition        string `json:"logo_position,omitempty" bson:"logo_position,omitempty"`
	OverlayTextPosition string `json:"overlay_text_position,omitempty" bson:"overlay_text_position,omitempty"`
}

// OutputSpec fixes the per-locale fan-out for image, brand, and overlay stages.
type OutputSpec struct {
	AspectRatios []string `json:"aspect_ratios" bson:"aspect_ratios"`
	Format       string   `json:"format,omitempty" bson:"format,omitempty"`
	BlobPrefix   string   `json:"blob_prefix,omitempty" bson:"blob_prefix,omitempty"`
}

// TextPlacement records where the overlay stage drew the headline.
type TextPlacement struct {
	Position string  `json:"position" bson:"position"`
	X        int     `json:"x" bson:"x"`
	Y        int     `json:"y" bson:"y"`
	Width    int     `json:"width" bson:"width"`
	Height   int     `json:"height" bson:"height"`
	FontSize float64 `json:"font_size" bson:"font_size"`
	Lines    int     `json:"lines" bson:"lines"`
}

// OutputSlot is the terminal artifact for one (locale, aspect ratio) pair.
type OutputSlot struct {
	FinalImageURI    string         `json:"final_image_uri" bson:"final_image_uri"`
	FinalImageRef    string         `json:"final_image_ref" bson:"final_image_ref"`
	OverlayTimestamp time.Time      `json:"overlay_timestamp" bson:"overlay_timestamp"`
	Placement        *TextPlacement `json:"placement_metadata,omitempty" bson:"placement_metadata,omitempty"`
}

// DeadLetter records a message that was parked without completing.
type DeadLetter struct {
	Stage       string    `json:"stage" bson:"stage"`
	EventID     string    `json:"event_id,omitempty" bson:"event_id,omitempty"`
	Locale      string    `json:"locale,omitempty" bson:"locale,omitempty"`
	AspectRatio string    `json:"aspect_ratio,omitempty" bson:"aspect_ratio,omitempty"`
	Reason      string    `json:"reason" bson:"reason"`
	Deliveries  int       `json:"deliveries" bson:"deliveries"`
	At          time.Time `json:"at" bson:"at"`
}

// Approval is an operator sign-off on one output slot.
type Approval struct {
	ID          string    `json:"id" bson:"id"`
	Locale      string    `json:"locale" bson:"locale"`
	AspectRatio string    `json:"aspect_ratio" bson:"aspect_ratio"`
	Approver    string    `json:"approver" bson:"approver"`
	Comment     string    `json:"comment,omitempty" bson:"comment,omitempty"`
	At          time.Time `json:"at" bson:"at"`
}

// Revision is an operator request to rework a locale or slot.
type Revision struct {
	ID          string    `json:"id" bson:"id"`
	Locale      string    `json:"locale" bson:"locale"`
	AspectRatio string    `json:"aspect_ratio,omitempty" bson:"aspect_ratio,omitempty"`
	RequestedBy string    `json:"requested_by" bson:"requested_by"`
	Notes       string    `json:"notes" bson:"notes"`
	At          time.Time `json:"at" bson:"at"`
}

// Outputs maps locale to aspect ratio to the terminal output slot.
type Outputs map[string]map[string]*OutputSlot

// Campaign is the aggregate root shared by every stage.
type Campaign struct {
	ID              string              `json:"campaign_id" bson:"_id"`
	CorrelationID   string              `json:"correlation_id" bson:"correlation_id"`
	Products        []Product           `json:"products" bson:"products"`
	TargetLocales   []string            `json:"target_locales" bson:"target_locales"`
	Audience        Audience            `json:"audience" bson:"audience"`
	LocaleAudiences map[string]Audience `json:"locale_audiences,omitempty" bson:"locale_audiences,omitempty"`
	Messages        map[string]string   `json:"messages,omitempty" bson:"messages,omitempty"`
	Brand           Brand               `json:"brand" bson:"brand"`
	Placement       Placement           `json:"placement" bson:"placement"`
	Output          OutputSpec          `json:"output" bson:"output"`
	Status          Status              `json:"status" bson:"status"`
	FailureReason   string              `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	Outputs         Outputs             `json:"outputs" bson:"outputs"`
	DeadLetters     []DeadLetter        `json:"dead_letters,omitempty" bson:"dead_letters,omitempty"`
	Approvals       []Approval          `json:"approvals,omitempty" bson:"approvals,omitempty"`
	Revisions       []Revision          `json:"revisions,omitempty" bson:"revisions,omitempty"`
	CreatedAt       time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" bson:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// ErrInvalid tags campaign validation failures.
var ErrInvalid = errors.New("invalid campaign")

// Prepare fills creation defaults and validates the brief. It must be called
// before the campaign is first persisted.
func (c *Campaign) Prepare(correlationID string, now time.Time) error {
	c.ID = strings.TrimSpace(c.ID)
	c.CorrelationID = correlationID
	c.Status = StatusProcessing
	c.Outputs = Outputs{}
	c.DeadLetters = nil
	c.Approvals = nil
	c.Revisions = nil
	c.FailureReason = ""
	c.CreatedAt = now.UTC()
	c.UpdatedAt = now.UTC()
	c.CompletedAt = nil
	if strings.TrimSpace(c.Brand.PrimaryColor) == "" {
		c.Brand.PrimaryColor = DefaultPrimaryColor
	}
	if strings.TrimSpace(c.Output.Format) == "" {
		c.Output.Format = "png"
	}
	c.TargetLocales = dedupe(c.TargetLocales)
	ratios := make([]string, 0, len(c.Output.AspectRatios))
	for _, r := range c.Output.AspectRatios {
		ratios = append(ratios, NormalizeAspectRatio(r))
	}
	c.Output.AspectRatios = dedupe(ratios)
	for _, locale := range c.TargetLocales {
		c.Outputs[locale] = map[string]*OutputSlot{}
	}
	return c.Validate()
}

// Validate checks the fields fixed at creation.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	}
	if len(c.TargetLocales) == 0 {
		return fmt.Errorf("%w: at least one target locale is required", ErrInvalid)
	}
	if len(c.Output.AspectRatios) == 0 {
		return fmt.Errorf("%w: at least one aspect ratio is required", ErrInvalid)
	}
	for _, ratio := range c.Output.AspectRatios {
		if _, ok := LookupAspectRatio(ratio); !ok {
			return fmt.Errorf("%w: unsupported aspect ratio %q", ErrInvalid, ratio)
		}
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("%w: at least one product is required", ErrInvalid)
	}
	if !c.Audience.agesOrdered() {
		return fmt.Errorf("%w: audience age_min exceeds age_max", ErrInvalid)
	}
	for locale := range c.LocaleAudiences {
		if !c.HasLocale(locale) {
			return fmt.Errorf("%w: audience override for untargeted locale %q", ErrInvalid, locale)
		}
	}
	// An override may set only one bound, so check what each locale resolves to.
	for _, locale := range c.TargetLocales {
		if resolved := c.AudienceFor(locale); !resolved.agesOrdered() {
			return fmt.Errorf("%w: audience for locale %q resolves to age_min %d above age_max %d",
				ErrInvalid, locale, resolved.AgeMin, resolved.AgeMax)
		}
	}
	return nil
}

func (a Audience) agesOrdered() bool {
	return a.AgeMin <= 0 || a.AgeMax <= 0 || a.AgeMin <= a.AgeMax
}

// HasLocale reports whether locale is one of the campaign's targets.
func (c *Campaign) HasLocale(locale string) bool {
	for _, l := range c.TargetLocales {
		if l == locale {
			return true
		}
	}
	return false
}

// HasAspectRatio reports whether ratio is one of the campaign's outputs.
func (c *Campaign) HasAspectRatio(ratio string) bool {
	for _, r := range c.Output.AspectRatios {
		if r == ratio {
			return true
		}
	}
	return false
}

// AudienceFor resolves the locale override, falling back to the campaign default
// field by field.
func (c *Campaign) AudienceFor(locale string) Audience {
	resolved := c.Audience
	override, ok := c.LocaleAudiences[locale]
	if !ok {
		return resolved
	}
	if override.Region != "" {
		resolved.Region = override.Region
	}
	if override.Audience != "" {
		resolved.Audience = override.Audience
	}
	if override.AgeMin > 0 {
		resolved.AgeMin = override.AgeMin
	}
	if override.AgeMax > 0 {
		resolved.AgeMax = override.AgeMax
	}
	if override.InterestsText != "" {
		resolved.InterestsText = override.InterestsText
	}
	return resolved
}

// ProductNames lists product names in brief order.
func (c *Campaign) ProductNames() []string {
	names := make([]string, 0, len(c.Products))
	for _, p := range c.Products {
		if name := strings.TrimSpace(p.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// BannedWordsFor returns the banned word list for a locale.
func (c *Campaign) BannedWordsFor(locale string) []string {
	if c.Brand.BannedWords == nil {
		return nil
	}
	return c.Brand.BannedWords[locale]
}

// Slot returns the output slot for a pair, or nil.
func (c *Campaign) Slot(locale, ratio string) *OutputSlot {
	if c.Outputs == nil {
		return nil
	}
	return c.Outputs[locale][ratio]
}

// IsComplete evaluates the completion detector against this campaign.
func (c *Campaign) IsComplete() bool {
	return IsComplete(c.TargetLocales, c.Output.AspectRatios, c.Outputs)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
