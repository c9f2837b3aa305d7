package sqlitebus

import (
	"context"
	"fmt"
	"time"

	"creativepipe/internal/bus"
	"creativepipe/internal/sqliteutil"
)

type message struct {
	bus      *Bus
	data     []byte
	headers  bus.Headers
	delivery bus.Delivery
	ackWait  time.Duration
}

func (m *message) Data() []byte           { return m.data }
func (m *message) Headers() bus.Headers   { return m.headers }
func (m *message) Delivery() bus.Delivery { return m.delivery }

// Ack settles the message even if a later delivery superseded this one: the
// work is done either way.
func (m *message) Ack(ctx context.Context) error {
	return m.update(ctx, false,
		`UPDATE deliveries SET state = ?, updated_at = ? WHERE stream = ? AND durable = ? AND seq = ? AND state = ?`,
		stateAcked, m.stamp(), m.delivery.Stream, m.delivery.Consumer, m.delivery.Sequence, stateInflight,
	)
}

// Nak schedules redelivery after delay. The final permitted delivery is parked instead.
func (m *message) Nak(ctx context.Context, delay time.Duration) error {
	var maxDeliver int
	if err := m.bus.db.QueryRowContext(ctx,
		`SELECT max_deliver FROM consumers WHERE stream = ? AND durable = ?`,
		m.delivery.Stream, m.delivery.Consumer,
	).Scan(&maxDeliver); err != nil {
		return fmt.Errorf("nak: load consumer: %w", err)
	}
	if m.delivery.NumDelivered >= maxDeliver {
		return m.Term(ctx, reasonMaxDeliver)
	}
	if delay < 0 {
		delay = 0
	}
	err := m.update(ctx, true,
		`UPDATE deliveries SET state = ?, available_at = ?, updated_at = ?
         WHERE stream = ? AND durable = ? AND seq = ? AND state = ? AND num_delivered = ?`,
		statePending, sqliteutil.FormatTime(m.bus.now().Add(delay)), m.stamp(),
		m.delivery.Stream, m.delivery.Consumer, m.delivery.Sequence, stateInflight, m.delivery.NumDelivered,
	)
	if err == nil && delay == 0 {
		m.bus.notify(m.delivery.Stream)
	}
	return err
}

// Term parks the message with reason.
func (m *message) Term(ctx context.Context, reason string) error {
	return m.update(ctx, true,
		`UPDATE deliveries SET state = ?, reason = ?, updated_at = ?
         WHERE stream = ? AND durable = ? AND seq = ? AND state = ? AND num_delivered = ?`,
		stateDead, reason, m.stamp(),
		m.delivery.Stream, m.delivery.Consumer, m.delivery.Sequence, stateInflight, m.delivery.NumDelivered,
	)
}

// InProgress pushes the redelivery deadline out by another ack wait.
func (m *message) InProgress(ctx context.Context) error {
	return m.update(ctx, true,
		`UPDATE deliveries SET available_at = ?, updated_at = ?
         WHERE stream = ? AND durable = ? AND seq = ? AND state = ? AND num_delivered = ?`,
		sqliteutil.FormatTime(m.bus.now().Add(m.ackWait)), m.stamp(),
		m.delivery.Stream, m.delivery.Consumer, m.delivery.Sequence, stateInflight, m.delivery.NumDelivered,
	)
}

func (m *message) stamp() string {
	return sqliteutil.FormatTime(m.bus.now())
}

// update runs a settlement statement. When strict, zero affected rows means the
// delivery was already settled or superseded by a redelivery.
func (m *message) update(ctx context.Context, strict bool, query string, args ...any) error {
	if m.bus.closed.Load() {
		return bus.ErrClosed
	}
	var affected int64
	err := sqliteutil.RetryOnBusy(ctx, func() error {
		res, err := m.bus.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("settle delivery %d: %w", m.delivery.Sequence, err)
	}
	if strict && affected == 0 {
		return fmt.Errorf("settle delivery %d: %w", m.delivery.Sequence, ErrStaleDelivery)
	}
	return nil
}
