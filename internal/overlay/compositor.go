package overlay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/blob"
	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/notifications"
	"creativepipe/internal/render"
	"creativepipe/internal/services"
	"creativepipe/internal/stage"
)

const stageName = events.StageOverlay

// Store is the state access the compositor needs.
type Store interface {
	CompletionStore
	GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error)
	GetBrandedImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.BrandedImage, error)
	SetOutputSlot(ctx context.Context, id, locale, ratio string, slot campaign.OutputSlot) error
}

// Blobs reads branded images and writes final assets.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (blob.Object, error)
}

// Deps wires a Compositor.
type Deps struct {
	Store     Store
	Blobs     Blobs
	Publisher bus.Publisher
	Notifier  notifications.Service
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Compositor handles BrandComposed deliveries.
type Compositor struct {
	store     Store
	blobs     Blobs
	publisher bus.Publisher
	notifier  notifications.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
}

var _ stage.Handler[events.BrandComposed] = (*Compositor)(nil)

// New constructs a Compositor.
func New(deps Deps) *Compositor {
	c := &Compositor{
		store:     deps.Store,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logging.NewComponentLogger(deps.Logger, "overlay"),
		clock:     deps.Clock,
	}
	if c.notifier == nil {
		c.notifier = notifications.Noop()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Handle finalizes one slot and checks campaign completion.
func (c *Compositor) Handle(ctx context.Context, in stage.Input[events.BrandComposed]) error {
	if c.store == nil || c.blobs == nil || c.publisher == nil {
		return stage.Fatal(services.Wrap(services.ErrConfiguration, stageName, "handle", "overlay stage is not configured", nil))
	}
	env := in.Envelope
	logger := logging.WithContext(ctx, c.logger)

	var slot campaign.OutputSlot
	if in.Campaign != nil && slotFilled(in.Campaign.Slot(env.Locale, env.AspectRatio)) {
		slot = *in.Campaign.Slot(env.Locale, env.AspectRatio)
		c.metrics.ClaimShortCircuit(stageName)
		logger.Info("output slot already filled; republishing", logging.EventType("claim_short_circuit"))
	} else {
		rendered, err := c.render(ctx, in)
		if err != nil {
			return err
		}
		if err := c.store.SetOutputSlot(ctx, env.CampaignID, env.Locale, env.AspectRatio, rendered); err != nil {
			return stage.PersistFailed(stageName, "output slot", err)
		}
		slot = rendered
	}

	if err := stage.Emit(ctx, c.publisher, stageName, events.TypeTextOverlaid, env.Address(), events.TextOverlaid{
		FinalImageURI: slot.FinalImageURI,
		FinalBlobRef:  slot.FinalImageRef,
	}, c.clock()); err != nil {
		return err
	}
	logger.Info("text overlay complete",
		logging.EventType("stage_complete"),
		zap.String("blob_key", slot.FinalImageRef),
	)

	completed, err := Detect(ctx, c.store, env.CampaignID, c.clock)
	if err != nil {
		return stage.Retryable(services.Wrap(services.ErrTransient, stageName, "detect completion", "", err))
	}
	if completed {
		c.announce(ctx, logger, env.CampaignID, in.Campaign)
	}
	return nil
}

func (c *Compositor) render(ctx context.Context, in stage.Input[events.BrandComposed]) (campaign.OutputSlot, error) {
	env := in.Envelope
	branded, err := c.store.GetBrandedImage(ctx, env.CampaignID, env.Locale, env.AspectRatio)
	if err != nil {
		return campaign.OutputSlot{}, stage.MissingPrerequisite(stageName, "branded image", err)
	}
	creative, err := c.store.GetCreative(ctx, env.CampaignID, env.Locale)
	if err != nil {
		return campaign.OutputSlot{}, stage.MissingPrerequisite(stageName, "creative", err)
	}
	data, err := c.blobs.Get(ctx, branded.Ref)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return campaign.OutputSlot{}, stage.Retryable(services.Wrap(services.ErrNotFound, stageName, "load branded blob", branded.Ref, err))
		}
		return campaign.OutputSlot{}, stage.Retryable(services.Wrap(services.ErrTransient, stageName, "load branded blob", branded.Ref, err))
	}
	base, err := render.Decode(data)
	if err != nil {
		return campaign.OutputSlot{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "decode branded image", branded.Ref, err))
	}

	var position, prefix string
	if in.Campaign != nil {
		position = in.Campaign.Placement.OverlayTextPosition
		prefix = in.Campaign.Output.BlobPrefix
	}
	final, placement, err := render.OverlayText(base, creative.Headline, position)
	if err != nil {
		return campaign.OutputSlot{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "overlay text", "", err))
	}
	encoded, err := render.EncodePNG(final)
	if err != nil {
		return campaign.OutputSlot{}, stage.Fatal(services.Wrap(services.ErrValidation, stageName, "encode", "", err))
	}
	now := c.clock()
	obj, err := c.blobs.Put(ctx, blob.SlotKey(prefix, env.CampaignID, env.Locale, env.AspectRatio, blob.KindFinal, now), encoded, blob.ContentTypePNG)
	if err != nil {
		return campaign.OutputSlot{}, stage.PersistFailed(stageName, "final blob", err)
	}
	return campaign.OutputSlot{
		FinalImageURI:    obj.URI,
		FinalImageRef:    obj.Key,
		OverlayTimestamp: now.UTC(),
		Placement:        &placement,
	}, nil
}

func (c *Compositor) announce(ctx context.Context, logger *zap.Logger, id string, snapshot *campaign.Campaign) {
	outputs := 0
	if snapshot != nil {
		outputs = len(snapshot.TargetLocales) * len(snapshot.Output.AspectRatios)
	}
	c.metrics.CampaignTransition(string(campaign.StatusCompleted))
	logger.Info("campaign completed",
		logging.EventType("campaign_completed"),
		zap.Int("outputs", outputs),
	)
	if err := c.notifier.Publish(ctx, notifications.EventCampaignCompleted, notifications.Payload{
		"campaign_id": id,
		"outputs":     outputs,
	}); err != nil {
		logger.Debug("completion notification failed", zap.Error(err))
	}
}

func slotFilled(slot *campaign.OutputSlot) bool {
	return slot != nil && slot.FinalImageRef != ""
}
