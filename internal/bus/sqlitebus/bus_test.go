package sqlitebus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBus(t *testing.T, opts Options) (*Bus, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, clock
}

var testBinding = events.MustBinding(events.TypeImageGenerated)

func testOptions() bus.ConsumerOptions {
	return bus.ConsumerOptions{AckWait: 30 * time.Second, MaxDeliver: 3}.Normalize(testBinding)
}

func TestBackfillDeliversMessagesPublishedBeforeConsumer(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.EnsureStreams(ctx, events.AllBindings()))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("one"), bus.Headers{bus.HeaderMsgID: "a"}))

	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("two"), bus.Headers{bus.HeaderMsgID: "b"}))

	first, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "one", string(first.Data()))
	assert.Equal(t, "a", first.Headers()[bus.HeaderMsgID])
	assert.Equal(t, 1, first.Delivery().NumDelivered)

	second, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "two", string(second.Data()))

	none, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, first.Ack(ctx))
	require.NoError(t, second.Ack(ctx))
	pending, err := b.Pending(ctx, testBinding.Stream, opts.Durable)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestPublishCollapsesDuplicateMessageIDs(t *testing.T) {
	b, clock := newTestBus(t, Options{DuplicateWindow: time.Minute})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))

	headers := bus.Headers{bus.HeaderMsgID: "ImageGenerated:cmp-1:en:1x1"}
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), headers))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), headers))

	pending, err := b.Pending(ctx, testBinding.Stream, opts.Durable)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), headers))
	pending, err = b.Pending(ctx, testBinding.Stream, opts.Durable)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "outside the window the publish is stored again")
}

func TestUnackedMessageRedeliveredAfterAckWait(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, msg)

	again, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, again, "in-flight message is invisible during ack wait")

	clock.Advance(opts.AckWait + time.Second)
	again, err = b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Delivery().NumDelivered)

	err = msg.Nak(ctx, 0)
	assert.True(t, errors.Is(err, ErrStaleDelivery), "superseded delivery cannot settle: %v", err)
	require.NoError(t, again.Ack(ctx))
}

func TestInProgressExtendsAckWait(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, msg)

	clock.Advance(20 * time.Second)
	require.NoError(t, msg.InProgress(ctx))
	clock.Advance(20 * time.Second)

	again, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestNakDelaysRedelivery(t *testing.T) {
	b, clock := newTestBus(t, Options{})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NoError(t, msg.Nak(ctx, 5*time.Second))

	again, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(6 * time.Second)
	again, err = b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Delivery().NumDelivered)
}

func TestNakOnFinalDeliveryParksMessage(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()
	opts := testOptions()
	opts.MaxDeliver = 2
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))

	for i := 0; i < 2; i++ {
		msg, err := b.claim(ctx, testBinding, opts)
		require.NoError(t, err)
		require.NotNil(t, msg, "delivery %d", i+1)
		require.NoError(t, msg.Nak(ctx, 0))
	}

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, msg)

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, reasonMaxDeliver, dead[0].Reason)
	assert.Equal(t, 2, dead[0].NumDelivered)
	assert.Equal(t, "brand-worker", dead[0].Consumer)
}

func TestExpiredFinalDeliveryIsParkedAndReported(t *testing.T) {
	var reported []bus.DeadLetter
	b, clock := newTestBus(t, Options{OnDeadLetter: func(_ context.Context, dl bus.DeadLetter) {
		reported = append(reported, dl)
	}})
	ctx := context.Background()
	opts := testOptions()
	opts.MaxDeliver = 1
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("payload"), nil))

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, msg)

	clock.Advance(opts.AckWait + time.Second)
	again, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	assert.Nil(t, again)
	require.Len(t, reported, 1)
	assert.Equal(t, "payload", string(reported[0].Data))
}

func TestTermParksWithReason(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))

	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NoError(t, msg.Term(ctx, "malformed envelope"))

	dead, err := b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed envelope", dead[0].Reason)
	assert.Equal(t, testBinding.Subject, dead[0].Subject)
}

func countRows(t *testing.T, b *Bus, table string) int {
	t.Helper()
	var n int
	require.NoError(t, b.db.QueryRow("SELECT COUNT(1) FROM "+table).Scan(&n))
	return n
}

func TestSweepRemovesAckedRowsAfterDuplicateWindow(t *testing.T) {
	b, clock := newTestBus(t, Options{DuplicateWindow: 2 * time.Minute, Retention: time.Hour})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))

	headers := bus.Headers{bus.HeaderMsgID: "ImageGenerated:cmp-1:en:1x1"}
	require.NoError(t, b.Publish(ctx, testBinding, []byte("done"), headers))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("waiting"), nil))
	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NoError(t, msg.Ack(ctx))

	removed, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "acked rows inside the duplicate window stay")
	require.NoError(t, b.Publish(ctx, testBinding, []byte("done"), headers))
	assert.Equal(t, 2, countRows(t, b, "messages"), "duplicate still collapsed")

	clock.Advance(3 * time.Minute)
	removed, err = b.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Equal(t, 1, countRows(t, b, "messages"))
	assert.Equal(t, 1, countRows(t, b, "deliveries"))

	pending, err := b.Pending(ctx, testBinding.Stream, opts.Durable)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "unacked work survives the sweep")
}

func TestSweepKeepsDeadLettersUntilRetention(t *testing.T) {
	b, clock := newTestBus(t, Options{Retention: time.Hour})
	ctx := context.Background()
	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("x"), nil))
	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NoError(t, msg.Term(ctx, "malformed envelope"))

	clock.Advance(30 * time.Minute)
	_, err = b.Sweep(ctx)
	require.NoError(t, err)
	dead, err := b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	clock.Advance(time.Hour)
	_, err = b.Sweep(ctx)
	require.NoError(t, err)
	dead, err = b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.Equal(t, 0, countRows(t, b, "messages"))
}

func TestSweepKeepsMessagesForStreamsWithoutConsumers(t *testing.T) {
	b, clock := newTestBus(t, Options{Retention: time.Hour})
	ctx := context.Background()
	require.NoError(t, b.EnsureStreams(ctx, events.AllBindings()))
	require.NoError(t, b.Publish(ctx, testBinding, []byte("early"), nil))

	clock.Advance(10 * time.Minute)
	_, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, b, "messages"))

	opts := testOptions()
	require.NoError(t, b.ensureConsumer(ctx, testBinding, opts))
	msg, err := b.claim(ctx, testBinding, opts)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "early", string(msg.Data()))
}

func TestConsumeDeliversToHandlerUntilCancelled(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"), Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, testBinding, bus.ConsumerOptions{Workers: 2}, func(ctx context.Context, msg bus.Message) {
			received <- string(msg.Data())
			_ = msg.Ack(ctx)
		})
	}()

	require.Eventually(t, func() bool {
		var count int
		_ = b.db.QueryRow(`SELECT COUNT(1) FROM consumers`).Scan(&count)
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(ctx, testBinding, []byte("hello"), nil))
	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), testBinding, []byte("x"), nil)
	assert.ErrorIs(t, err, bus.ErrClosed)
}
