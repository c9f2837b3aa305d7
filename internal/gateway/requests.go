package gateway

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"creativepipe/internal/campaign"
)

// CampaignRequest is the POST /campaigns body.
type CampaignRequest struct {
	CampaignID      string                     `json:"campaign_id" validate:"required,max=128,campaign_id"`
	Products        []ProductRequest           `json:"products" validate:"required,min=1,dive"`
	TargetLocales   []string                   `json:"target_locales" validate:"required,min=1,max=32,dive,bcp47"`
	Audience        AudienceRequest            `json:"audience"`
	LocaleAudiences map[string]AudienceRequest `json:"locale_audiences" validate:"omitempty,dive,keys,bcp47,endkeys"`
	Messages        map[string]string          `json:"messages" validate:"omitempty,dive,keys,bcp47,endkeys,max=500"`
	Brand           BrandRequest               `json:"brand"`
	Placement       PlacementRequest           `json:"placement"`
	Output          OutputRequest              `json:"output"`
}

// ProductRequest is one advertised product.
type ProductRequest struct {
	ID          string `json:"id" validate:"required,max=128"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// AudienceRequest describes a target audience.
type AudienceRequest struct {
	Region        string `json:"region" validate:"max=200"`
	Audience      string `json:"audience" validate:"max=500"`
	AgeMin        int    `json:"age_min" validate:"gte=0,lte=120"`
	AgeMax        int    `json:"age_max" validate:"gte=0,lte=120"`
	InterestsText string `json:"interests_text" validate:"max=1000"`
}

// BrandRequest carries brand constraints.
type BrandRequest struct {
	PrimaryColor    string              `json:"primary_color" validate:"omitempty,hexcolor"`
	LogoURI         string              `json:"logo_uri" validate:"max=2048"`
	BannedWords     map[string][]string `json:"banned_words" validate:"omitempty,dive,keys,bcp47,endkeys"`
	LegalGuidelines string              `json:"legal_guidelines" validate:"max=4000"`
}

// PlacementRequest carries placement preferences.
type PlacementRequest struct {
	LogoPosition        string `json:"logo_position" validate:"omitempty,oneof=auto top_center top_left top_right bottom_left bottom_right center"`
	OverlayTextPosition string `json:"overlay_text_position" validate:"omitempty,oneof=bottom top center middle"`
}

// OutputRequest fixes the fan-out.
type OutputRequest struct {
	AspectRatios []string `json:"aspect_ratios" validate:"required,min=1,dive,aspect_ratio"`
	Format       string   `json:"format" validate:"omitempty,oneof=png"`
	BlobPrefix   string   `json:"blob_prefix" validate:"omitempty,max=256,blob_prefix"`
}

// ApprovalRequest is the POST /campaigns/:id/approve body.
type ApprovalRequest struct {
	Locale      string `json:"locale" validate:"required,bcp47"`
	AspectRatio string `json:"aspect_ratio" validate:"required,aspect_ratio"`
	Approver    string `json:"approver" validate:"required,max=200"`
	Comment     string `json:"comment" validate:"max=2000"`
}

// RevisionRequest is the POST /campaigns/:id/revision body.
type RevisionRequest struct {
	Locale      string `json:"locale" validate:"required,bcp47"`
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,aspect_ratio"`
	RequestedBy string `json:"requested_by" validate:"required,max=200"`
	Notes       string `json:"notes" validate:"required,max=4000"`
}

// ToCampaign maps the request onto a fresh aggregate. Prepare must still run.
func (r CampaignRequest) ToCampaign() *campaign.Campaign {
	c := &campaign.Campaign{
		ID:            strings.TrimSpace(r.CampaignID),
		TargetLocales: trimAll(r.TargetLocales),
		Audience:      r.Audience.toAudience(),
		Messages:      r.Messages,
		Brand: campaign.Brand{
			PrimaryColor:    strings.TrimSpace(r.Brand.PrimaryColor),
			LogoURI:         strings.TrimSpace(r.Brand.LogoURI),
			BannedWords:     r.Brand.BannedWords,
			LegalGuidelines: r.Brand.LegalGuidelines,
		},
		Placement: campaign.Placement{
			LogoPosition:        r.Placement.LogoPosition,
			OverlayTextPosition: r.Placement.OverlayTextPosition,
		},
		Output: campaign.OutputSpec{
			AspectRatios: r.Output.AspectRatios,
			Format:       r.Output.Format,
			BlobPrefix:   strings.Trim(r.Output.BlobPrefix, "/"),
		},
	}
	for _, p := range r.Products {
		c.Products = append(c.Products, campaign.Product{
			ID:          strings.TrimSpace(p.ID),
			Name:        strings.TrimSpace(p.Name),
			Description: p.Description,
		})
	}
	if len(r.LocaleAudiences) > 0 {
		c.LocaleAudiences = make(map[string]campaign.Audience, len(r.LocaleAudiences))
		for locale, a := range r.LocaleAudiences {
			c.LocaleAudiences[strings.TrimSpace(locale)] = a.toAudience()
		}
	}
	return c
}

func (a AudienceRequest) toAudience() campaign.Audience {
	return campaign.Audience{
		Region:        a.Region,
		Audience:      a.Audience,
		AgeMin:        a.AgeMin,
		AgeMax:        a.AgeMax,
		InterestsText: a.InterestsText,
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

var (
	campaignIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	blobPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("bcp47", validateBCP47)
	_ = v.RegisterValidation("aspect_ratio", validateAspectRatio)
	_ = v.RegisterValidation("campaign_id", func(fl validator.FieldLevel) bool {
		return campaignIDPattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	_ = v.RegisterValidation("blob_prefix", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return blobPrefixPattern.MatchString(value) && !strings.Contains(value, "..")
	})
	return v
}

// validateBCP47 accepts well-formed language tags such as "en", "fr-CA", or "pt-BR".
func validateBCP47(fl validator.FieldLevel) bool {
	value := strings.TrimSpace(fl.Field().String())
	if value == "" {
		return false
	}
	_, err := language.Parse(value)
	return err == nil
}

func validateAspectRatio(fl validator.FieldLevel) bool {
	_, ok := campaign.LookupAspectRatio(fl.Field().String())
	return ok
}

// describeValidation flattens validator errors into one client-facing message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
