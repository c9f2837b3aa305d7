package branding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/blob"
	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/render"
	"creativepipe/internal/services"
	"creativepipe/internal/stage"
	"creativepipe/internal/store"
)

const stageName = events.StageBranding

// Store is the artifact access the composer needs.
type Store interface {
	GetImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.Image, error)
	GetBrandedImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.BrandedImage, error)
	UpsertBrandedImage(ctx context.Context, img campaign.BrandedImage) error
}

// Blobs reads source images and writes composites.
type Blobs interface {
	BlobReader
	Put(ctx context.Context, key string, data []byte, contentType string) (blob.Object, error)
}

// Deps wires a Composer.
type Deps struct {
	Store     Store
	Blobs     Blobs
	Logos     *LogoLoader
	Publisher bus.Publisher
	// Placer, when set, picks the logo anchor for campaigns without an
	// explicit logo_position.
	Placer           Placer
	PlacementTimeout time.Duration
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	Clock            func() time.Time
}

// Composer handles ImageGenerated deliveries.
type Composer struct {
	store     Store
	blobs     Blobs
	logos     *LogoLoader
	publisher bus.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time

	placer           Placer
	placementTimeout time.Duration
}

var _ stage.Handler[events.ImageGenerated] = (*Composer)(nil)

// New constructs a Composer. Without a LogoLoader one is built over Blobs.
func New(deps Deps) *Composer {
	c := &Composer{
		store:     deps.Store,
		blobs:     deps.Blobs,
		logos:     deps.Logos,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logging.NewComponentLogger(deps.Logger, "branding"),
		clock:     deps.Clock,

		placer:           deps.Placer,
		placementTimeout: deps.PlacementTimeout,
	}
	if c.logos == nil {
		c.logos = NewLogoLoader(deps.Blobs, nil)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Handle brands one slot.
func (c *Composer) Handle(ctx context.Context, in stage.Input[events.ImageGenerated]) error {
	if c.store == nil || c.blobs == nil || c.publisher == nil {
		return stage.Fatal(services.Wrap(services.ErrConfiguration, stageName, "handle", "branding stage is not configured", nil))
	}
	env := in.Envelope
	logger := logging.WithContext(ctx, c.logger)

	branded, err := c.store.GetBrandedImage(ctx, env.CampaignID, env.Locale, env.AspectRatio)
	switch {
	case err == nil:
		c.metrics.ClaimShortCircuit(stageName)
		logger.Info("branded image already stored; republishing", logging.EventType("claim_short_circuit"))
	case errors.Is(err, store.ErrNotFound):
		composed, composeErr := c.compose(ctx, in)
		if composeErr != nil {
			return composeErr
		}
		if upErr := c.store.UpsertBrandedImage(ctx, composed); upErr != nil {
			return stage.PersistFailed(stageName, "branded image", upErr)
		}
		branded = &composed
	default:
		return stage.MissingPrerequisite(stageName, "branded image", err)
	}

	if err := stage.Emit(ctx, c.publisher, stageName, events.TypeBrandComposed, env.Address(), events.BrandComposed{
		BrandedURI:     branded.URI,
		BrandedBlobRef: branded.Ref,
	}, c.clock()); err != nil {
		return err
	}
	logger.Info("brand composition complete",
		logging.EventType("stage_complete"),
		zap.String("logo_position", branded.Logo.Position),
		zap.String("blob_key", branded.Ref),
	)
	return nil
}

func (c *Composer) compose(ctx context.Context, in stage.Input[events.ImageGenerated]) (campaign.BrandedImage, error) {
	env := in.Envelope
	logger := logging.WithContext(ctx, c.logger)

	src, err := c.store.GetImage(ctx, env.CampaignID, env.Locale, env.AspectRatio)
	if err != nil {
		return campaign.BrandedImage{}, stage.MissingPrerequisite(stageName, "image", err)
	}
	data, err := c.blobs.Get(ctx, src.Ref)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return campaign.BrandedImage{}, stage.Retryable(services.Wrap(services.ErrNotFound, stageName, "load image blob", src.Ref, err))
		}
		return campaign.BrandedImage{}, stage.Retryable(services.Wrap(services.ErrTransient, stageName, "load image blob", src.Ref, err))
	}
	base, err := render.Decode(data)
	if err != nil {
		return campaign.BrandedImage{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "decode image", src.Ref, err))
	}

	var (
		logoURI  string
		position string
		prefix   string
	)
	if in.Campaign != nil {
		logoURI = strings.TrimSpace(in.Campaign.Brand.LogoURI)
		position = in.Campaign.Placement.LogoPosition
		prefix = in.Campaign.Output.BlobPrefix
	}
	logo, reasoning, err := c.loadLogo(ctx, logoURI)
	if err != nil {
		return campaign.BrandedImage{}, err
	}
	if logo == nil {
		logging.WarnWithContext(logger, "branding without logo", "logo_missing",
			zap.String("logo_uri", logoURI),
			zap.String("reason", reasoning),
			logging.ErrorHint("set brand.logo_uri to a readable PNG or JPEG"),
			zap.String(logging.FieldImpact, "final asset carries no logo"),
		)
	}

	var anchor *render.Anchor
	if logo != nil && c.placer != nil && wantsPlacement(position) {
		position, anchor, reasoning = c.choosePlacement(ctx, data, base)
	}
	composite, placement := render.ComposeLogoAt(base, logo, position, anchor)
	encoded, err := render.EncodePNG(composite)
	if err != nil {
		return campaign.BrandedImage{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "encode", "", err))
	}
	now := c.clock()
	obj, err := c.blobs.Put(ctx, blob.SlotKey(prefix, env.CampaignID, env.Locale, env.AspectRatio, blob.KindBranded, now), encoded, blob.ContentTypePNG)
	if err != nil {
		return campaign.BrandedImage{}, stage.PersistFailed(stageName, "branded blob", err)
	}
	return campaign.BrandedImage{
		CampaignID:  env.CampaignID,
		Locale:      env.Locale,
		AspectRatio: env.AspectRatio,
		URI:         obj.URI,
		Ref:         obj.Key,
		SourceRef:   src.Ref,
		Logo:        placement,
		Reasoning:   reasoning,
		CreatedAt:   now.UTC(),
	}, nil
}

func (c *Composer) loadLogo(ctx context.Context, uri string) (image.Image, string, error) {
	if uri == "" {
		return nil, "no logo configured", nil
	}
	logo, err := c.logos.Load(ctx, uri)
	switch {
	case err == nil:
		return logo, "logo placed at configured position", nil
	case errors.Is(err, errNoLogo):
		return nil, err.Error(), nil
	default:
		return nil, "", stage.Retryable(services.Wrap(services.ErrTransient, stageName, "load logo", uri, err))
	}
}

func (c *Composer) choosePlacement(ctx context.Context, data []byte, base image.Image) (string, *render.Anchor, string) {
	logger := logging.WithContext(ctx, c.logger)
	bounds := base.Bounds()
	placement, reason, ok := c.analyzePlacement(ctx, data, bounds.Dx(), bounds.Dy())
	if !ok {
		logging.WarnWithContext(logger, "logo placement analysis failed; using top-center", "logo_placement_fallback",
			zap.String("reason", reason),
			logging.ErrorHint("check branding.placement_model supports image input"),
			zap.String(logging.FieldImpact, "logo uses the default top-center placement"),
		)
		return render.LogoTopCenter, nil, fmt.Sprintf(fallbackReasoning, reason)
	}
	logger.Info("logo placement chosen",
		zap.String("logo_position", placement.Position),
		zap.Float64("x_percent", placement.Anchor.X),
		zap.Float64("y_percent", placement.Anchor.Y),
		zap.Float64("scale", placement.Anchor.Scale),
		zap.String("reasoning", placement.Reasoning),
	)
	return placement.Position, &placement.Anchor, placement.Reasoning
}
