// Package natsbus implements the durable message bus on NATS JetStream.
//
// Streams are file-backed with a duplicate window so Nats-Msg-Id collapses
// republished events, and drop messages older than the retention. Consumers are durable pull consumers with explicit acks,
// a per-stage ack wait, and max_deliver. Messages parked by JetStream after
// their final delivery are reported through the max-deliveries advisory.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
)

const (
	defaultDuplicateWindow = 2 * time.Minute
	defaultRetention       = 72 * time.Hour
	// fetchWait bounds each idle pull so workers notice cancellation.
	fetchWait = 2 * time.Second
	maxDeliveriesAdvisory  = "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.>"
)

// Options tunes the JetStream connection.
type Options struct {
	Name            string
	DuplicateWindow time.Duration
	// Retention becomes the stream MaxAge. It is raised to the duplicate
	// window when shorter.
	Retention time.Duration
	// OnDeadLetter receives messages JetStream stopped delivering.
	OnDeadLetter func(ctx context.Context, dl bus.DeadLetter)
	Logger       *zap.Logger
}

// Bus publishes and consumes over JetStream.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	advisory *nats.Subscription
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials url and prepares the JetStream context.
func Connect(url string, opts Options) (*Bus, error) {
	if opts.Name == "" {
		opts.Name = "creativepiped"
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = defaultDuplicateWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Retention < opts.DuplicateWindow {
		opts.Retention = opts.DuplicateWindow
	}
	logger := logging.NewComponentLogger(opts.Logger, "natsbus")

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.WarnWithContext(logger, "nats disconnected", "bus_disconnected",
					zap.Error(err),
					logging.ErrorHint("check NATS server availability"),
					zap.String(logging.FieldImpact, "publishes and deliveries pause until reconnect"),
				)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	b := &Bus{nc: nc, js: js, opts: opts, logger: logger}
	if opts.OnDeadLetter != nil {
		sub, err := nc.Subscribe(maxDeliveriesAdvisory, b.handleAdvisory)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe max deliveries advisory: %w", err)
		}
		b.advisory = sub
	}
	return b, nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.mu.Lock()
	if b.advisory != nil {
		_ = b.advisory.Unsubscribe()
		b.advisory = nil
	}
	b.mu.Unlock()
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

// EnsureStreams creates or updates a file-backed stream per binding.
func (b *Bus) EnsureStreams(ctx context.Context, bindings []events.Binding) error {
	for _, binding := range bindings {
		if _, err := b.js.CreateOrUpdateStream(ctx, streamConfig(binding, b.opts.DuplicateWindow, b.opts.Retention)); err != nil {
			return fmt.Errorf("ensure stream %s: %w", binding.Stream, err)
		}
	}
	return nil
}

func streamConfig(binding events.Binding, window, maxAge time.Duration) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       binding.Stream,
		Subjects:   []string{binding.Subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: window,
		MaxAge:     maxAge,
	}
}

// Publish waits for the stream's PubAck. A duplicate ack counts as success.
func (b *Bus) Publish(ctx context.Context, binding events.Binding, data []byte, headers bus.Headers) error {
	if b.nc.IsClosed() {
		return bus.ErrClosed
	}
	msg := nats.NewMsg(binding.Subject)
	msg.Data = data
	for key, value := range headers {
		msg.Header.Set(key, value)
	}
	ack, err := b.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(binding.Stream))
	if err != nil {
		return fmt.Errorf("publish %s: %w", binding.Subject, err)
	}
	if ack.Duplicate {
		b.logger.Debug("duplicate publish collapsed",
			zap.String("stream", binding.Stream),
			zap.String("msg_id", headers[bus.HeaderMsgID]),
		)
	}
	return nil
}

func consumerConfig(binding events.Binding, opts bus.ConsumerOptions) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: binding.Subject,
		MaxAckPending: opts.Workers,
	}
}

// Consume binds the durable and hands messages to opts.Workers goroutines
// until ctx is cancelled.
func (b *Bus) Consume(ctx context.Context, binding events.Binding, opts bus.ConsumerOptions, handler bus.Handler) error {
	opts = opts.Normalize(binding)
	if opts.Durable == "" {
		return fmt.Errorf("consume %s: durable name required", binding.Stream)
	}
	if handler == nil {
		return errors.New("consume: handler required")
	}
	if _, err := b.js.CreateOrUpdateStream(ctx, streamConfig(binding, b.opts.DuplicateWindow, b.opts.Retention)); err != nil {
		return fmt.Errorf("ensure stream %s: %w", binding.Stream, err)
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, binding.Stream, consumerConfig(binding, opts))
	if err != nil {
		return fmt.Errorf("ensure consumer %s/%s: %w", binding.Stream, opts.Durable, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.workerLoop(ctx, consumer, binding.Stream, opts.Durable, handler)
		}()
	}
	wg.Wait()
	return nil
}

// fetcher is the part of jetstream.Consumer a worker pulls through.
type fetcher interface {
	Next(opts ...jetstream.FetchOpt) (jetstream.Msg, error)
}

// workerLoop pulls one message at a time and only while idle, so a message's
// ack wait never starts before a worker is free to handle it.
func (b *Bus) workerLoop(ctx context.Context, consumer fetcher, stream, durable string, handler bus.Handler) {
	for ctx.Err() == nil {
		msg, err := consumer.Next(jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || ctx.Err() != nil {
				continue
			}
			b.logger.Debug("fetch error", zap.String("durable", durable), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(fetchWait):
			}
			continue
		}
		handler(ctx, wrap(msg, stream, durable))
	}
}

type advisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries int    `json:"deliveries"`
}

func (b *Bus) handleAdvisory(m *nats.Msg) {
	var adv advisory
	if err := json.Unmarshal(m.Data, &adv); err != nil {
		b.logger.Debug("ignore malformed advisory", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dl := bus.DeadLetter{
		Stream:       adv.Stream,
		Consumer:     adv.Consumer,
		Sequence:     adv.StreamSeq,
		NumDelivered: adv.Deliveries,
		Reason:       "maximum deliveries exceeded",
		ParkedAt:     time.Now().UTC(),
	}
	if stream, err := b.js.Stream(ctx, adv.Stream); err == nil {
		if raw, err := stream.GetMsg(ctx, adv.StreamSeq); err == nil {
			dl.Subject = raw.Subject
			dl.Data = raw.Data
		}
	}
	b.logger.Warn("message parked after exhausting deliveries",
		zap.String("stream", dl.Stream),
		zap.String("durable", dl.Consumer),
		zap.Uint64("seq", dl.Sequence),
		zap.Int("deliveries", dl.NumDelivered),
		logging.EventType("dead_letter"),
		logging.Alert("dead_letter"),
		logging.ErrorHint("inspect the stream with the nats CLI"),
	)
	b.opts.OnDeadLetter(ctx, dl)
}
