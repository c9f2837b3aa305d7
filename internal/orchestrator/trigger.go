package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/notifications"
	"creativepipe/internal/services"
)

const triggerTimeout = 2 * time.Minute

// FailureStore records a campaign that could not be started.
type FailureStore interface {
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

// Trigger fans a new campaign out to the enrichment stage.
type Trigger struct {
	publisher bus.Publisher
	store     FailureStore
	notifier  notifications.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time

	wg sync.WaitGroup
}

// NewTrigger constructs a Trigger.
func NewTrigger(publisher bus.Publisher, st FailureStore, notifier notifications.Service, m *metrics.Metrics, logger *zap.Logger) *Trigger {
	if notifier == nil {
		notifier = notifications.Noop()
	}
	return &Trigger{
		publisher: publisher,
		store:     st,
		notifier:  notifier,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "trigger"),
		clock:     time.Now,
	}
}

// Launch runs Start in the background, detached from the request that
// accepted the campaign.
func (t *Trigger) Launch(c *campaign.Campaign) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()
		_ = t.Start(ctx, c)
	}()
}

// Wait blocks until launched triggers finish.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Start publishes CampaignBrief and then one ContextEnrichRequest per target
// locale, in order. On the first failure the campaign is marked FAILED;
// events already published stay published.
func (t *Trigger) Start(ctx context.Context, c *campaign.Campaign) error {
	ctx = services.WithCampaignID(ctx, c.ID)
	ctx = services.WithCorrelationID(ctx, c.CorrelationID)
	logger := logging.WithContext(ctx, t.logger)

	base := events.Address{CampaignID: c.ID, CorrelationID: c.CorrelationID}
	if err := t.publish(ctx, events.TypeCampaignBrief, base, events.CampaignBrief{
		TargetLocales: c.TargetLocales,
		AspectRatios:  c.Output.AspectRatios,
		ProductNames:  c.ProductNames(),
	}); err != nil {
		return t.fail(ctx, logger, c, err)
	}

	for _, locale := range c.TargetLocales {
		aud := c.AudienceFor(locale)
		addr := base
		addr.Locale = locale
		if err := t.publish(ctx, events.TypeContextEnrichRequest, addr, events.ContextEnrichRequest{
			Region:        aud.Region,
			Audience:      aud.Audience,
			AgeMin:        aud.AgeMin,
			AgeMax:        aud.AgeMax,
			InterestsText: aud.InterestsText,
			ProductNames:  c.ProductNames(),
			Message:       c.Messages[locale],
		}); err != nil {
			return t.fail(ctx, logger, c, fmt.Errorf("locale %s: %w", locale, err))
		}
	}
	logger.Info("campaign started",
		logging.EventType("campaign_started"),
		zap.Strings("locales", c.TargetLocales),
		zap.Strings("aspect_ratios", c.Output.AspectRatios),
	)
	return nil
}

func (t *Trigger) publish(ctx context.Context, typ events.Type, addr events.Address, payload any) error {
	env, err := events.New(typ, addr, payload, t.clock())
	if err != nil {
		return err
	}
	return bus.PublishEnvelope(ctx, t.publisher, env)
}

func (t *Trigger) fail(ctx context.Context, logger *zap.Logger, c *campaign.Campaign, cause error) error {
	reason := "start failed: " + cause.Error()
	logging.ErrorWithContext(logger, "campaign start failed", "campaign_failed",
		zap.Error(cause),
		logging.Alert("campaign_failed"),
		logging.ErrorHint("check bus connectivity, then resubmit the campaign under a new id"),
	)
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if t.store != nil {
		changed, err := t.store.MarkFailed(markCtx, c.ID, reason, t.clock())
		if err != nil {
			logger.Error("mark campaign failed", zap.Error(err))
		} else if changed {
			t.metrics.CampaignTransition(string(campaign.StatusFailed))
		}
	}
	if err := t.notifier.Publish(markCtx, notifications.EventCampaignFailed, notifications.Payload{
		"campaign_id": c.ID,
		"reason":      reason,
	}); err != nil {
		logger.Debug("failure notification failed", zap.Error(err))
	}
	return services.Wrap(services.ErrTransient, "trigger", "start", "publish failed", cause)
}
