package imaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"creativepipe/internal/blob"
	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/claim"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/services"
	"creativepipe/internal/services/imagegen"
	"creativepipe/internal/stage"
	"creativepipe/internal/store"
)

const (
	stageName          = events.StageImaging
	defaultParallelism = 4
)

// Store is the artifact access the imaging stage needs.
type Store interface {
	GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error)
	GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error)
	GetImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.Image, error)
	UpsertImage(ctx context.Context, img campaign.Image) error
}

// BlobWriter stores rendered objects.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (blob.Object, error)
}

// Deps wires a Renderer.
type Deps struct {
	Store     Store
	Blobs     BlobWriter
	Images    imagegen.Generator
	Publisher bus.Publisher
	Ledger    claim.Ledger
	Owner     string
	ClaimTTL  time.Duration
	// Parallelism caps concurrent generator calls per delivery.
	Parallelism int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Renderer handles CreativeGenerateDone deliveries.
type Renderer struct {
	store       Store
	blobs       BlobWriter
	images      imagegen.Generator
	publisher   bus.Publisher
	ledger      claim.Ledger
	owner       string
	claimTTL    time.Duration
	parallelism int
	metrics     *metrics.Metrics
	logger      *zap.Logger
	clock       func() time.Time
}

var _ stage.Handler[events.CreativeGenerateDone] = (*Renderer)(nil)

// New constructs a Renderer.
func New(deps Deps) *Renderer {
	r := &Renderer{
		store:       deps.Store,
		blobs:       deps.Blobs,
		images:      deps.Images,
		publisher:   deps.Publisher,
		ledger:      deps.Ledger,
		owner:       deps.Owner,
		claimTTL:    deps.ClaimTTL,
		parallelism: deps.Parallelism,
		metrics:     deps.Metrics,
		logger:      logging.NewComponentLogger(deps.Logger, "imaging"),
		clock:       deps.Clock,
	}
	if r.parallelism <= 0 {
		r.parallelism = defaultParallelism
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.owner == "" {
		r.owner = claim.NewOwner()
	}
	return r
}

// Handle renders every ratio for one locale.
func (r *Renderer) Handle(ctx context.Context, in stage.Input[events.CreativeGenerateDone]) error {
	if r.store == nil || r.blobs == nil || r.images == nil || r.publisher == nil {
		return stage.Fatal(services.Wrap(services.ErrConfiguration, stageName, "handle", "imaging stage is not configured", nil))
	}
	if in.Campaign == nil {
		return stage.Retryable(services.Wrap(services.ErrNotFound, stageName, "handle", "campaign not loaded", nil))
	}
	env := in.Envelope
	logger := logging.WithContext(ctx, r.logger)

	creative, err := r.store.GetCreative(ctx, env.CampaignID, env.Locale)
	if err != nil {
		return stage.MissingPrerequisite(stageName, "creative", err)
	}
	pack, err := r.store.GetContextPack(ctx, env.CampaignID, env.Locale)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return stage.MissingPrerequisite(stageName, "context pack", err)
	}
	prompt := BuildPrompt(in.Campaign, *creative, pack)

	ratios := in.Campaign.Output.AspectRatios
	results := make([]campaign.Image, len(ratios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, ratio := range ratios {
		i, ratio := i, ratio
		g.Go(func() error {
			img, err := r.renderRatio(services.WithAspectRatio(gctx, ratio), env, in.Holder(r.owner), in.Campaign.Output.BlobPrefix, ratio, prompt)
			if err != nil {
				return err
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, img := range results {
		addr := env.Address()
		addr.AspectRatio = img.AspectRatio
		if err := stage.Emit(ctx, r.publisher, stageName, events.TypeImageGenerated, addr, events.ImageGenerated{
			ImageURI: img.URI,
			BlobRef:  img.Ref,
			Status:   img.Status,
		}, r.clock()); err != nil {
			return err
		}
	}
	logger.Info("images generated",
		logging.EventType("stage_complete"),
		zap.Strings("aspect_ratios", ratios),
	)
	return nil
}

func (r *Renderer) renderRatio(ctx context.Context, env events.Envelope, holder, prefix, ratio, prompt string) (campaign.Image, error) {
	logger := logging.WithContext(ctx, r.logger)
	existing, err := r.store.GetImage(ctx, env.CampaignID, env.Locale, ratio)
	if err == nil {
		r.metrics.ClaimShortCircuit(stageName)
		logger.Debug("image already stored; skipping generation", logging.EventType("claim_short_circuit"))
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return campaign.Image{}, stage.MissingPrerequisite(stageName, "image", err)
	}

	shape, ok := campaign.LookupAspectRatio(ratio)
	if !ok {
		return campaign.Image{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "size", "unsupported aspect ratio "+ratio, nil))
	}

	var img campaign.Image
	key := claim.Key(stageName, env.CampaignID, env.Locale, ratio)
	err = claim.Guard(ctx, r.ledger, key, holder, r.claimTTL, func(ctx context.Context) error {
		started := r.clock()
		result, genErr := r.images.Generate(ctx, imagegen.Request{Prompt: prompt, Size: shape.Size()})
		if genErr != nil {
			r.metrics.ExternalCall(stageName, "error")
			return genErr
		}
		r.metrics.ExternalCall(stageName, "ok")

		now := r.clock()
		obj, putErr := r.blobs.Put(ctx, blob.SlotKey(prefix, env.CampaignID, env.Locale, ratio, blob.KindGenerated, now), result.Data, blob.ContentTypePNG)
		if putErr != nil {
			return stage.PersistFailed(stageName, "image blob", putErr)
		}
		img = campaign.Image{
			CampaignID:  env.CampaignID,
			Locale:      env.Locale,
			AspectRatio: ratio,
			URI:         obj.URI,
			Ref:         obj.Key,
			Prompt:      prompt,
			Size:        shape.Size(),
			Model:       result.Model,
			Status:      campaign.ImageStatusGenerated,
			CreatedAt:   now.UTC(),
		}
		if upErr := r.store.UpsertImage(ctx, img); upErr != nil {
			return stage.PersistFailed(stageName, "image", upErr)
		}
		logger.Info("image generated",
			logging.EventType("image_generated"),
			zap.String("size", shape.Size()),
			zap.Duration("elapsed", now.Sub(started)),
			zap.String("blob_key", obj.Key),
		)
		return nil
	})
	return img, err
}
