package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/notifications"
	"creativepipe/internal/services"
	"creativepipe/internal/store"
)

const (
	defaultNakDelay    = 5 * time.Second
	defaultMaxNakDelay = 2 * time.Minute
	settleTimeout      = 10 * time.Second
)

// CampaignStore is the slice of the state store the harness needs.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	RecordDeadLetter(ctx context.Context, id string, dl campaign.DeadLetter) error
}

// Options configures a Worker.
type Options struct {
	Stage    string
	Binding  events.Binding
	Consumer bus.ConsumerOptions
	// NakDelay is the base redelivery delay, doubled per delivery up to MaxNakDelay.
	NakDelay    time.Duration
	MaxNakDelay time.Duration
	// FenceFailed acks and drops deliveries for FAILED campaigns.
	FenceFailed bool
	// Heartbeat overrides the InProgress interval, AckWait/3 by default.
	Heartbeat time.Duration
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Store    CampaignStore
	Notifier notifications.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Worker consumes one stage's durable and dispatches deliveries to a Handler.
type Worker[P any] struct {
	opts     Options
	store    CampaignStore
	notifier notifications.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
	handler  Handler[P]

	running   atomic.Bool
	processed atomic.Int64
	mu        sync.Mutex
	lastSeen  time.Time
	lastErr   string
}

// New builds a worker for handler.
func New[P any](opts Options, deps Deps, handler Handler[P]) *Worker[P] {
	opts.Consumer = opts.Consumer.Normalize(opts.Binding)
	if opts.Stage == "" {
		opts.Stage = opts.Binding.Stage
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = defaultNakDelay
	}
	if opts.MaxNakDelay <= 0 {
		opts.MaxNakDelay = defaultMaxNakDelay
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = opts.Consumer.AckWait / 3
	}
	w := &Worker[P]{
		opts:     opts,
		store:    deps.Store,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		handler:  handler,
	}
	if w.notifier == nil {
		w.notifier = notifications.Noop()
	}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}
	w.logger = logging.NewComponentLogger(w.logger, "stage-worker").With(zap.String(logging.FieldStage, opts.Stage))
	if w.clock == nil {
		w.clock = time.Now
	}
	return w
}

// Name returns the stage name.
func (w *Worker[P]) Name() string { return w.opts.Stage }

// Run consumes until ctx is cancelled.
func (w *Worker[P]) Run(ctx context.Context, consumer bus.Consumer) error {
	if consumer == nil {
		return errors.New("stage worker: consumer required")
	}
	if w.store == nil {
		return errors.New("stage worker: store required")
	}
	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("stage worker started",
		logging.EventType("stage_start"),
		zap.String("durable", w.opts.Consumer.Durable),
		zap.Int("workers", w.opts.Consumer.Workers),
		zap.Duration("ack_wait", w.opts.Consumer.AckWait),
		zap.Int("max_deliver", w.opts.Consumer.MaxDeliver),
	)
	err := consumer.Consume(ctx, w.opts.Binding, w.opts.Consumer, w.Process)
	w.logger.Info("stage worker stopped", logging.EventType("stage_stop"))
	return err
}

// Health reports whether the worker is consuming and what it last saw.
func (w *Worker[P]) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Unhealthy(w.opts.Stage, "not running")
	if w.running.Load() {
		h = Healthy(w.opts.Stage)
		h.Detail = w.lastErr
	}
	h.LastSeen = w.lastSeen
	h.Processed = w.processed.Load()
	return h
}

// Process handles one delivery. It never returns an error: every failure is
// turned into a nak or a term on msg.
func (w *Worker[P]) Process(ctx context.Context, msg bus.Message) {
	started := w.clock()
	delivery := msg.Delivery()
	outcome, err, env := w.process(ctx, msg, delivery)
	w.settle(ctx, msg, delivery, env, outcome, err)
	w.processed.Add(1)
	w.mu.Lock()
	w.lastSeen = w.clock()
	if err != nil && outcome != OutcomeDrop {
		w.lastErr = err.Error()
	} else {
		w.lastErr = ""
	}
	w.mu.Unlock()
	w.metrics.ObserveStage(w.opts.Stage, metricOutcome(outcome, delivery, w.opts.Consumer.MaxDeliver), w.clock().Sub(started))
}

func (w *Worker[P]) process(ctx context.Context, msg bus.Message, delivery bus.Delivery) (Outcome, error, events.Envelope) {
	env, err := events.Decode(msg.Data())
	if err != nil {
		return OutcomeTerm, err, salvageEnvelope(msg.Data())
	}
	if env.Type != w.opts.Binding.Type {
		return OutcomeTerm, fmt.Errorf("%w: %s delivered to %s", events.ErrMalformed, env.Type, w.opts.Stage), env
	}
	payload, err := events.DecodePayload[P](env)
	if err != nil {
		return OutcomeTerm, err, env
	}

	ctx = services.WithStage(ctx, w.opts.Stage)
	ctx = services.WithCampaignID(ctx, env.CampaignID)
	ctx = services.WithLocale(ctx, env.Locale)
	ctx = services.WithAspectRatio(ctx, env.AspectRatio)
	ctx = services.WithCorrelationID(ctx, env.CorrelationID)

	c, err := w.store.GetCampaign(ctx, env.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The create may not be visible to this reader yet.
			return OutcomeRetry, services.Wrap(services.ErrNotFound, w.opts.Stage, "fence", "campaign not found", err), env
		}
		return OutcomeRetry, services.Wrap(services.ErrTransient, w.opts.Stage, "fence", "load campaign", err), env
	}
	if w.opts.FenceFailed && c.Status == campaign.StatusFailed {
		return OutcomeDrop, services.Wrap(services.ErrFenced, w.opts.Stage, "fence", "campaign failed", nil), env
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeat(hbCtx, msg)
	}()
	err = w.invoke(ctx, Input[P]{Envelope: env, Payload: payload, Campaign: c, Attempt: delivery.NumDelivered, Delivery: delivery})
	stopHeartbeat()
	hbDone.Wait()

	return Classify(err), err, env
}

func (w *Worker[P]) invoke(ctx context.Context, in Input[P]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, in)
}

func (w *Worker[P]) heartbeat(ctx context.Context, msg bus.Message) {
	if w.opts.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()
	logger := logging.WithContext(ctx, w.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := msg.InProgress(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker[P]) settle(ctx context.Context, msg bus.Message, delivery bus.Delivery, env events.Envelope, outcome Outcome, cause error) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, w.logger).With(
		zap.String(logging.FieldCampaignID, env.CampaignID),
		zap.String(logging.FieldLocale, env.Locale),
		zap.String(logging.FieldAspectRatio, env.AspectRatio),
		zap.String(logging.FieldCorrelationID, env.CorrelationID),
		zap.Uint64("sequence", delivery.Sequence),
		zap.Int("delivery", delivery.NumDelivered),
	)

	var err error
	switch outcome {
	case OutcomeAck:
		err = msg.Ack(settleCtx)
		logger.Debug("delivery acked", logging.EventType("stage_ack"))
	case OutcomeDrop:
		err = msg.Ack(settleCtx)
		logger.Info("delivery dropped", logging.EventType("stage_fenced"), zap.Error(cause))
	case OutcomeRetry:
		if ctx.Err() != nil && delivery.NumDelivered < w.opts.Consumer.MaxDeliver {
			// Shutting down: hand the message back without burning delay.
			err = msg.Nak(settleCtx, 0)
			break
		}
		if delivery.NumDelivered >= w.opts.Consumer.MaxDeliver {
			w.deadLetter(settleCtx, logger, env, delivery, cause)
			err = msg.Term(settleCtx, reason(cause))
			break
		}
		delay := w.nakDelay(delivery.NumDelivered)
		logging.WarnWithContext(logger, "stage delivery failed; will retry", "stage_retry",
			zap.Error(cause),
			zap.Duration("retry_in", delay),
			logging.ErrorHint("transient failures are redelivered; check the upstream service if this repeats"),
			zap.String(logging.FieldImpact, "campaign progress is delayed"),
		)
		err = msg.Nak(settleCtx, delay)
	case OutcomeTerm:
		w.deadLetter(settleCtx, logger, env, delivery, cause)
		err = msg.Term(settleCtx, reason(cause))
	}
	if err != nil {
		logger.Warn("settle delivery failed", zap.String("outcome", outcome.String()), zap.Error(err))
	}
}

func (w *Worker[P]) deadLetter(ctx context.Context, logger *zap.Logger, env events.Envelope, delivery bus.Delivery, cause error) {
	dl := campaign.DeadLetter{
		Stage:       w.opts.Stage,
		EventID:     env.ID,
		Locale:      env.Locale,
		AspectRatio: env.AspectRatio,
		Reason:      reason(cause),
		Deliveries:  delivery.NumDelivered,
		At:          w.clock().UTC(),
	}
	logging.ErrorWithContext(logger, "stage delivery dead-lettered", "dead_letter",
		zap.Error(cause),
		logging.Alert("dead_letter"),
		logging.ErrorHint("inspect the reason, fix the cause, then resubmit the campaign"),
	)
	w.metrics.DeadLetter(w.opts.Stage)
	if env.CampaignID != "" {
		if err := w.store.RecordDeadLetter(ctx, env.CampaignID, dl); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("record dead letter failed", zap.Error(err))
		}
	}
	if err := w.notifier.Publish(ctx, notifications.EventDeadLetter, notifications.Payload{
		"stage":        w.opts.Stage,
		"campaign_id":  env.CampaignID,
		"locale":       env.Locale,
		"aspect_ratio": env.AspectRatio,
		"reason":       dl.Reason,
		"deliveries":   dl.Deliveries,
	}); err != nil {
		logger.Debug("dead letter notification failed", zap.Error(err))
	}
}

// nakDelay is NakDelay * 2^(n-1), capped.
func (w *Worker[P]) nakDelay(numDelivered int) time.Duration {
	delay := w.opts.NakDelay
	for i := 1; i < numDelivered; i++ {
		if delay >= w.opts.MaxNakDelay/2 {
			return w.opts.MaxNakDelay
		}
		delay *= 2
	}
	return min(delay, w.opts.MaxNakDelay)
}

func reason(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

func metricOutcome(outcome Outcome, delivery bus.Delivery, maxDeliver int) string {
	switch outcome {
	case OutcomeAck:
		return metrics.OutcomeAck
	case OutcomeDrop:
		return metrics.OutcomeDrop
	case OutcomeTerm:
		return metrics.OutcomeTerm
	default:
		if delivery.NumDelivered >= maxDeliver {
			return metrics.OutcomeDead
		}
		return metrics.OutcomeRetry
	}
}

// salvageEnvelope recovers addressing from a body that failed validation so
// the dead letter can still be filed against its campaign.
func salvageEnvelope(data []byte) events.Envelope {
	var env events.Envelope
	_ = json.Unmarshal(data, &env)
	return env
}
