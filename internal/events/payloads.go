package events

import "creativepipe/internal/campaign"

// ContextEnrichRequest triggers enrichment for one locale.
type ContextEnrichRequest struct {
	Region        string   `json:"region,omitempty"`
	Audience      string   `json:"audience,omitempty"`
	AgeMin        int      `json:"age_min,omitempty"`
	AgeMax        int      `json:"age_max,omitempty"`
	InterestsText string   `json:"interests_text,omitempty"`
	ProductNames  []string `json:"product_names"`
	Message       string   `json:"message,omitempty"`
}

// ContextEnrichReady carries the enrichment result so the creative stage can
// proceed even before the stored ContextPack is visible.
type ContextEnrichReady struct {
	ContextPack campaign.ContextPack `json:"context_pack"`
}

// CreativeGenerateDone announces stored copy for one locale.
type CreativeGenerateDone struct {
	Headline string `json:"headline,omitempty"`
}

// ImageGenerated announces one rendered image.
type ImageGenerated struct {
	ImageURI string `json:"image_uri"`
	BlobRef  string `json:"blob_ref"`
	Status   string `json:"status"`
}

// BrandComposed announces a logo-composited image.
type BrandComposed struct {
	BrandedURI     string `json:"branded_uri,omitempty"`
	BrandedBlobRef string `json:"branded_blob_ref"`
}

// TextOverlaid announces a final asset.
type TextOverlaid struct {
	FinalImageURI string `json:"final_image_uri"`
	FinalBlobRef  string `json:"final_blob_ref"`
}

// CampaignBrief records an accepted brief.
type CampaignBrief struct {
	TargetLocales []string `json:"target_locales"`
	AspectRatios  []string `json:"aspect_ratios"`
	ProductNames  []string `json:"product_names"`
}

// CreativeApproved records an operator sign-off.
type CreativeApproved struct {
	ApprovalID string `json:"approval_id"`
	Approver   string `json:"approver"`
	Comment    string `json:"comment,omitempty"`
}

// RevisionRequested records an operator rework request.
type RevisionRequested struct {
	RevisionID  string `json:"revision_id"`
	RequestedBy string `json:"requested_by"`
	Notes       string `json:"notes"`
}
