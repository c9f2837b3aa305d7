package sqlitebus

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/sqliteutil"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	statePending  = "pending"
	stateInflight = "inflight"
	stateAcked    = "acked"
	stateDead     = "dead"

	defaultPollInterval    = 250 * time.Millisecond
	defaultDuplicateWindow = 2 * time.Minute
	defaultRetention       = 72 * time.Hour
	defaultSweepInterval   = time.Minute
	reasonMaxDeliver       = "maximum deliveries exceeded"
)

// Options tunes the embedded bus.
type Options struct {
	// PollInterval bounds how long an idle worker waits before rechecking for
	// redeliveries that became due.
	PollInterval time.Duration
	// DuplicateWindow collapses publishes carrying the same message ID within the window.
	DuplicateWindow time.Duration
	// Retention is how long parked messages stay listable before a sweep
	// removes them. Acked deliveries go once the duplicate window has passed.
	Retention     time.Duration
	SweepInterval time.Duration
	// OnDeadLetter is called after the bus parks a message on its own (ack wait
	// expired on the final delivery).
	OnDeadLetter func(ctx context.Context, dl bus.DeadLetter)
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Bus is a durable at-least-once bus stored in SQLite. Multiple processes may
// share one database file; each durable consumer gets its own delivery rows so
// competing workers claim messages atomically.
type Bus struct {
	db     *sql.DB
	path   string
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	wake     map[string]chan struct{}
	closed   atomic.Bool
	sweeping atomic.Bool
}

var _ bus.Bus = (*Bus)(nil)

// Open creates or connects to the bus database at path.
func Open(path string, opts Options) (*Bus, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
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
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqliteutil.Migrate(context.Background(), db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bus{
		db:     db,
		path:   path,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "sqlitebus"),
		wake:   make(map[string]chan struct{}),
	}, nil
}

// Close releases the database handle.
func (b *Bus) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// Path returns the database file location.
func (b *Bus) Path() string { return b.path }

func (b *Bus) now() time.Time { return b.opts.Clock().UTC() }

// EnsureStreams declares streams so publishes before any consumer exists are retained.
func (b *Bus) EnsureStreams(ctx context.Context, bindings []events.Binding) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	now := sqliteutil.FormatTime(b.now())
	return sqliteutil.InTx(ctx, b.db, func(tx *sql.Tx) error {
		for _, binding := range bindings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO streams (name, subject, created_at) VALUES (?, ?, ?)
                 ON CONFLICT(name) DO UPDATE SET subject = excluded.subject`,
				binding.Stream, binding.Subject, now,
			); err != nil {
				return fmt.Errorf("ensure stream %s: %w", binding.Stream, err)
			}
		}
		return nil
	})
}

// Publish appends a message and fans it out to every durable consumer of the
// stream. A message ID already seen on the stream within the duplicate window
// is acknowledged without storing a second copy.
func (b *Bus) Publish(ctx context.Context, binding events.Binding, data []byte, headers bus.Headers) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	now := b.now()
	stamp := sqliteutil.FormatTime(now)
	msgID := headers[bus.HeaderMsgID]

	duplicate := false
	err = sqliteutil.InTx(ctx, b.db, func(tx *sql.Tx) error {
		duplicate = false
		if msgID != "" {
			cutoff := sqliteutil.FormatTime(now.Add(-b.opts.DuplicateWindow))
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM messages WHERE stream = ? AND msg_id = ? AND published_at >= ?`,
				binding.Stream, msgID, cutoff,
			).Scan(&count); err != nil {
				return fmt.Errorf("check duplicate: %w", err)
			}
			if count > 0 {
				duplicate = true
				return nil
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (stream, subject, msg_id, headers, data, published_at) VALUES (?, ?, ?, ?, ?, ?)`,
			binding.Stream, binding.Subject, nullable(msgID), string(headerJSON), data, stamp,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (stream, durable, seq, state, num_delivered, available_at, updated_at)
             SELECT stream, durable, ?, ?, 0, ?, ? FROM consumers WHERE stream = ?`,
			seq, statePending, stamp, stamp, binding.Stream,
		); err != nil {
			return fmt.Errorf("fan out message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if duplicate {
		b.logger.Debug("duplicate publish collapsed",
			zap.String("stream", binding.Stream),
			zap.String("msg_id", msgID),
		)
		return nil
	}
	b.notify(binding.Stream)
	return nil
}

// Consume runs opts.Workers claim loops against the durable consumer until ctx
// is cancelled. A newly created durable receives every message already in the stream.
func (b *Bus) Consume(ctx context.Context, binding events.Binding, opts bus.ConsumerOptions, handler bus.Handler) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	opts = opts.Normalize(binding)
	if opts.Durable == "" {
		return fmt.Errorf("consume %s: durable name required", binding.Stream)
	}
	if handler == nil {
		return errors.New("consume: handler required")
	}
	if err := b.ensureConsumer(ctx, binding, opts); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if b.sweeping.CompareAndSwap(false, true) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.sweeping.Store(false)
			b.sweepLoop(ctx)
		}()
	}
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.workerLoop(ctx, binding, opts, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Bus) ensureConsumer(ctx context.Context, binding events.Binding, opts bus.ConsumerOptions) error {
	stamp := sqliteutil.FormatTime(b.now())
	return sqliteutil.InTx(ctx, b.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO streams (name, subject, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
			binding.Stream, binding.Subject, stamp,
		); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO consumers (stream, durable, ack_wait_ms, max_deliver, created_at) VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(stream, durable) DO NOTHING`,
			binding.Stream, opts.Durable, opts.AckWait.Milliseconds(), opts.MaxDeliver, stamp,
		)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		created, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if created == 0 {
			_, err := tx.ExecContext(ctx,
				`UPDATE consumers SET ack_wait_ms = ?, max_deliver = ? WHERE stream = ? AND durable = ?`,
				opts.AckWait.Milliseconds(), opts.MaxDeliver, binding.Stream, opts.Durable,
			)
			if err != nil {
				return fmt.Errorf("update consumer: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (stream, durable, seq, state, num_delivered, available_at, updated_at)
             SELECT stream, ?, seq, ?, 0, ?, ? FROM messages WHERE stream = ?`,
			opts.Durable, statePending, stamp, stamp, binding.Stream,
		); err != nil {
			return fmt.Errorf("backfill consumer: %w", err)
		}
		return nil
	})
}

func (b *Bus) workerLoop(ctx context.Context, binding events.Binding, opts bus.ConsumerOptions, handler bus.Handler) {
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return
		}
		wake := b.waiter(binding.Stream)
		msg, err := b.claim(ctx, binding, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("claim failed",
				zap.String("stream", binding.Stream),
				zap.String("durable", opts.Durable),
				zap.Error(err),
				logging.EventType("bus_claim_failed"),
				logging.ErrorHint("check database file permissions and disk space"),
			)
		}
		if msg != nil {
			handler(ctx, msg)
			continue
		}
		timer := time.NewTimer(b.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Bus) claim(ctx context.Context, binding events.Binding, opts bus.ConsumerOptions) (*message, error) {
	var (
		claimed *message
		parked  []bus.DeadLetter
	)
	err := sqliteutil.InTx(ctx, b.db, func(tx *sql.Tx) error {
		claimed = nil
		parked = parked[:0]
		now := b.now()
		stamp := sqliteutil.FormatTime(now)
		for {
			var (
				seq          uint64
				numDelivered int
				subject      string
				headerJSON   string
				data         []byte
			)
			err := tx.QueryRowContext(ctx,
				`SELECT d.seq, d.num_delivered, m.subject, m.headers, m.data
                 FROM deliveries d JOIN messages m ON m.seq = d.seq
                 WHERE d.stream = ? AND d.durable = ? AND d.state IN (?, ?) AND d.available_at <= ?
                 ORDER BY d.seq LIMIT 1`,
				binding.Stream, opts.Durable, statePending, stateInflight, stamp,
			).Scan(&seq, &numDelivered, &subject, &headerJSON, &data)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select delivery: %w", err)
			}

			if numDelivered >= opts.MaxDeliver {
				if _, err := tx.ExecContext(ctx,
					`UPDATE deliveries SET state = ?, reason = ?, updated_at = ? WHERE stream = ? AND durable = ? AND seq = ?`,
					stateDead, reasonMaxDeliver, stamp, binding.Stream, opts.Durable, seq,
				); err != nil {
					return fmt.Errorf("park delivery: %w", err)
				}
				parked = append(parked, bus.DeadLetter{
					Stream:       binding.Stream,
					Consumer:     opts.Durable,
					Sequence:     seq,
					Subject:      subject,
					NumDelivered: numDelivered,
					Reason:       reasonMaxDeliver,
					Data:         data,
					ParkedAt:     now,
				})
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE deliveries SET state = ?, num_delivered = num_delivered + 1, available_at = ?, updated_at = ?
                 WHERE stream = ? AND durable = ? AND seq = ?`,
				stateInflight, sqliteutil.FormatTime(now.Add(opts.AckWait)), stamp, binding.Stream, opts.Durable, seq,
			); err != nil {
				return fmt.Errorf("claim delivery: %w", err)
			}
			headers := bus.Headers{}
			_ = json.Unmarshal([]byte(headerJSON), &headers)
			claimed = &message{
				bus:     b,
				data:    data,
				headers: headers,
				ackWait: opts.AckWait,
				delivery: bus.Delivery{
					Stream:       binding.Stream,
					Consumer:     opts.Durable,
					Sequence:     seq,
					NumDelivered: numDelivered + 1,
				},
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	for _, dl := range parked {
		b.logger.Warn("message parked after exhausting deliveries",
			zap.String("stream", dl.Stream),
			zap.String("durable", dl.Consumer),
			zap.Uint64("seq", dl.Sequence),
			zap.Int("deliveries", dl.NumDelivered),
			logging.EventType("dead_letter"),
			logging.Alert("dead_letter"),
			logging.ErrorHint("inspect with 'creativepipe deadletters list'"),
		)
		if b.opts.OnDeadLetter != nil {
			b.opts.OnDeadLetter(ctx, dl)
		}
	}
	return claimed, nil
}

// Sweep deletes acked deliveries older than the duplicate window, parked
// deliveries older than the retention, and then any message no delivery
// refers to any more. Messages on a stream without consumers are kept until
// the retention passes so a late durable still backfills them.
func (b *Bus) Sweep(ctx context.Context) (int64, error) {
	if b.closed.Load() {
		return 0, bus.ErrClosed
	}
	now := b.now()
	ackCutoff := sqliteutil.FormatTime(now.Add(-b.opts.DuplicateWindow))
	deadCutoff := sqliteutil.FormatTime(now.Add(-b.opts.Retention))

	var removed int64
	err := sqliteutil.InTx(ctx, b.db, func(tx *sql.Tx) error {
		removed = 0
		steps := []struct {
			name  string
			query string
			args  []any
		}{
			{"acked deliveries", `DELETE FROM deliveries WHERE state = ? AND updated_at < ?`, []any{stateAcked, ackCutoff}},
			{"dead deliveries", `DELETE FROM deliveries WHERE state = ? AND updated_at < ?`, []any{stateDead, deadCutoff}},
			{"messages",
				`DELETE FROM messages
                 WHERE published_at < ?
                   AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.seq = messages.seq)
                   AND (published_at < ? OR EXISTS (SELECT 1 FROM consumers c WHERE c.stream = messages.stream))`,
				[]any{ackCutoff, deadCutoff}},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, step.args...)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", step.name, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("sweep %s: rows affected: %w", step.name, err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *Bus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.closed.Load() {
			return
		}
		removed, err := b.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("bus sweep failed",
				zap.Error(err),
				logging.EventType("bus_sweep_failed"),
				logging.ErrorHint("check database file permissions and disk space"),
			)
			continue
		}
		if removed > 0 {
			b.logger.Debug("bus sweep removed rows", zap.Int64("rows", removed))
		}
	}
}

// DeadLetters lists parked messages, most recent first.
func (b *Bus) DeadLetters(ctx context.Context, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT d.stream, d.durable, d.seq, m.subject, d.num_delivered, COALESCE(d.reason, ''), m.data, d.updated_at
         FROM deliveries d JOIN messages m ON m.seq = d.seq
         WHERE d.state = ? ORDER BY d.updated_at DESC LIMIT ?`,
		stateDead, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []bus.DeadLetter
	for rows.Next() {
		var (
			dl     bus.DeadLetter
			parked string
		)
		if err := rows.Scan(&dl.Stream, &dl.Consumer, &dl.Sequence, &dl.Subject, &dl.NumDelivered, &dl.Reason, &dl.Data, &parked); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if ts, err := sqliteutil.ParseTime(parked); err == nil {
			dl.ParkedAt = ts
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Pending counts deliveries for a durable that are not yet acked or parked.
func (b *Bus) Pending(ctx context.Context, stream, durable string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM deliveries WHERE stream = ? AND durable = ? AND state IN (?, ?)`,
		stream, durable, statePending, stateInflight,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (b *Bus) waiter(stream string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.wake[stream]
	if !ok {
		ch = make(chan struct{})
		b.wake[stream] = ch
	}
	return ch
}

func (b *Bus) notify(stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.wake[stream]; ok {
		close(ch)
		delete(b.wake, stream)
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
