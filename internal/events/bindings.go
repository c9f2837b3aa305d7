package events

import "fmt"

// Type names one logical event.
type Type string

const (
	TypeContextEnrichRequest Type = "ContextEnrichRequest"
	TypeContextEnrichReady   Type = "ContextEnrichReady"
	TypeCreativeGenerateDone Type = "CreativeGenerateDone"
	TypeImageGenerated       Type = "ImageGenerated"
	TypeBrandComposed        Type = "BrandComposed"
	TypeTextOverlaid         Type = "TextOverlaid"
	TypeCampaignBrief        Type = "CampaignBrief"
	TypeCreativeApproved     Type = "CreativeApproved"
	TypeRevisionRequested    Type = "RevisionRequested"
)

// Stage names. Each stage consumes exactly one event type.
const (
	StageEnrichment = "enrichment"
	StageCreative   = "creative"
	StageImaging    = "imaging"
	StageBranding   = "branding"
	StageOverlay    = "overlay"
)

// Stages lists the pipeline stages in chain order.
var Stages = []string{StageEnrichment, StageCreative, StageImaging, StageBranding, StageOverlay}

// Binding ties an event type to its durable stream, subject, and consuming
// durable name. Producers and consumers agree on these out of band.
type Binding struct {
	Type    Type
	Stream  string
	Subject string
	// Durable is empty for audit-only events nobody consumes.
	Durable string
	// Stage is the consuming stage, if any.
	Stage string
}

var bindings = map[Type]Binding{
	TypeContextEnrichRequest: {TypeContextEnrichRequest, "context-request-stream", "context.enrich.request", "enrichment-worker", StageEnrichment},
	TypeContextEnrichReady:   {TypeContextEnrichReady, "context-ready-stream", "context.enrich.ready", "creative-worker", StageCreative},
	TypeCreativeGenerateDone: {TypeCreativeGenerateDone, "creative-generate-done-stream", "creative.generate.done", "image-worker", StageImaging},
	TypeImageGenerated:       {TypeImageGenerated, "image-generate-stream", "image.generated", "brand-worker", StageBranding},
	TypeBrandComposed:        {TypeBrandComposed, "brand-compose-stream", "brand.composed", "overlay-worker", StageOverlay},
	TypeTextOverlaid:         {TypeTextOverlaid, "text-overlay-stream", "text.overlaid", "", ""},
	TypeCampaignBrief:        {TypeCampaignBrief, "creative-briefs-stream", "briefs.ingested", "", ""},
	TypeCreativeApproved:     {TypeCreativeApproved, "creative-approval-stream", "creative.approved", "", ""},
	TypeRevisionRequested:    {TypeRevisionRequested, "creative-revision-stream", "creative.revision.requested", "", ""},
}

// BindingFor returns the binding for an event type.
func BindingFor(t Type) (Binding, error) {
	b, ok := bindings[t]
	if !ok {
		return Binding{}, fmt.Errorf("no binding for event type %q", t)
	}
	return b, nil
}

// MustBinding is BindingFor for the package's own constants.
func MustBinding(t Type) Binding {
	b, err := BindingFor(t)
	if err != nil {
		panic(err)
	}
	return b
}

// BindingForStage returns the binding a stage consumes.
func BindingForStage(stage string) (Binding, error) {
	for _, b := range bindings {
		if b.Stage == stage && stage != "" {
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("unknown stage %q", stage)
}

// AllBindings returns every binding in a stable order.
func AllBindings() []Binding {
	order := []Type{
		TypeCampaignBrief,
		TypeContextEnrichRequest,
		TypeContextEnrichReady,
		TypeCreativeGenerateDone,
		TypeImageGenerated,
		TypeBrandComposed,
		TypeTextOverlaid,
		TypeCreativeApproved,
		TypeRevisionRequested,
	}
	out := make([]Binding, 0, len(order))
	for _, t := range order {
		out = append(out, bindings[t])
	}
	return out
}
