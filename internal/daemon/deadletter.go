package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/notifications"
)

// stageForDurable maps a consumer durable back to the stage that owns it.
func stageForDurable(durable string) string {
	for _, b := range events.AllBindings() {
		if b.Durable != "" && b.Durable == durable {
			return b.Stage
		}
	}
	return durable
}

// handleBusDeadLetter records a message the bus parked without the stage
// harness seeing its final delivery, typically because the handler never
// settled before ack wait expired.
func (d *Daemon) handleBusDeadLetter(ctx context.Context, dl bus.DeadLetter) {
	stageName := stageForDurable(dl.Consumer)
	var env events.Envelope
	if decoded, err := events.Decode(dl.Data); err == nil {
		env = decoded
	} else {
		_ = json.Unmarshal(dl.Data, &env)
	}
	reason := dl.Reason
	if reason == "" {
		reason = "maximum deliveries exceeded"
	}

	logger := d.logger.With(
		zap.String(logging.FieldStage, stageName),
		zap.String(logging.FieldCampaignID, env.CampaignID),
		zap.String(logging.FieldLocale, env.Locale),
		zap.String(logging.FieldAspectRatio, env.AspectRatio),
	)
	logging.ErrorWithContext(logger, "bus parked delivery", "dead_letter",
		logging.Alert("dead_letter"),
		zap.String("stream", dl.Stream),
		zap.Uint64("sequence", dl.Sequence),
		zap.Int("deliveries", dl.NumDelivered),
		zap.String("reason", reason),
		logging.ErrorHint("inspect with creativepipe deadletters list"),
	)
	d.metrics.DeadLetter(stageName)

	if env.CampaignID != "" && d.store != nil {
		eventID := env.ID
		if eventID == "" {
			eventID = fmt.Sprintf("%s:%d", dl.Stream, dl.Sequence)
		}
		record := campaign.DeadLetter{
			Stage:       stageName,
			EventID:     eventID,
			Locale:      env.Locale,
			AspectRatio: env.AspectRatio,
			Reason:      reason,
			Deliveries:  dl.NumDelivered,
			At:          d.clock().UTC(),
		}
		if err := d.store.RecordDeadLetter(ctx, env.CampaignID, record); err != nil {
			logger.Warn("record dead letter failed", zap.Error(err))
		}
	}

	if err := d.notifier.Publish(ctx, notifications.EventDeadLetter, notifications.Payload{
		"stage":        stageName,
		"campaign_id":  env.CampaignID,
		"locale":       env.Locale,
		"aspect_ratio": env.AspectRatio,
		"reason":       reason,
		"deliveries":   dl.NumDelivered,
	}); err != nil {
		logger.Debug("dead letter notification failed", zap.Error(err))
	}
}
