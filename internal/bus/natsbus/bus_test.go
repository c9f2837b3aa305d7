package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
)

func TestStreamConfigUsesBindingAndDuplicateWindow(t *testing.T) {
	binding := events.MustBinding(events.TypeContextEnrichRequest)
	cfg := streamConfig(binding, time.Minute, 72*time.Hour)

	assert.Equal(t, "context-request-stream", cfg.Name)
	assert.Equal(t, []string{"context.enrich.request"}, cfg.Subjects)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Equal(t, time.Minute, cfg.Duplicates)
	assert.Equal(t, 72*time.Hour, cfg.MaxAge)
}

func TestConsumerConfigIsExplicitAckDurable(t *testing.T) {
	binding := events.MustBinding(events.TypeCreativeGenerateDone)
	opts := bus.ConsumerOptions{AckWait: 3 * time.Minute, MaxDeliver: 5, Workers: 2}.Normalize(binding)
	cfg := consumerConfig(binding, opts)

	assert.Equal(t, "image-worker", cfg.Durable)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, 3*time.Minute, cfg.AckWait)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, jetstream.DeliverAllPolicy, cfg.DeliverPolicy)
	assert.Equal(t, "creative.generate.done", cfg.FilterSubject)
}

func TestConsumerConfigCapsAckPendingAtWorkers(t *testing.T) {
	binding := events.MustBinding(events.TypeImageGenerated)
	opts := bus.ConsumerOptions{Workers: 3}.Normalize(binding)
	assert.Equal(t, 3, consumerConfig(binding, opts).MaxAckPending)
}

type fakeMsg struct {
	jetstream.Msg
	data []byte
	seq  uint64
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return nats.Header{bus.HeaderMsgID: []string{string(m.data)}} }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Sequence: jetstream.SequencePair{Stream: m.seq}, NumDelivered: 1}, nil
}

type fakeFetcher struct {
	queue       []jetstream.Msg
	outstanding int
	maxHeld     int
	calls       int
}

func (f *fakeFetcher) Next(opts ...jetstream.FetchOpt) (jetstream.Msg, error) {
	f.calls++
	if len(f.queue) == 0 {
		return nil, nats.ErrTimeout
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	f.outstanding++
	if f.outstanding > f.maxHeld {
		f.maxHeld = f.outstanding
	}
	return msg, nil
}

func TestWorkerPullsOnlyWhenIdle(t *testing.T) {
	b := &Bus{logger: zaptest.NewLogger(t)}
	fetch := &fakeFetcher{queue: []jetstream.Msg{
		&fakeMsg{data: []byte("a"), seq: 1},
		&fakeMsg{data: []byte("b"), seq: 2},
		&fakeMsg{data: []byte("c"), seq: 3},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []uint64
	b.workerLoop(ctx, fetch, "image-stream", "brand-worker", func(_ context.Context, msg bus.Message) {
		seen = append(seen, msg.Delivery().Sequence)
		assert.Equal(t, string(msg.Data()), msg.Headers()[bus.HeaderMsgID])
		fetch.outstanding--
		if len(seen) == 3 {
			cancel()
		}
	})

	require.Equal(t, []uint64{1, 2, 3}, seen)
	assert.Equal(t, 1, fetch.maxHeld, "a worker never holds a fetched message it is not handling")
	assert.Equal(t, 3, fetch.calls)
}

func TestWorkerKeepsPollingThroughIdleTimeouts(t *testing.T) {
	b := &Bus{logger: zaptest.NewLogger(t)}
	fetch := &fakeFetcher{}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	wrapped := fetcherFunc(func(opts ...jetstream.FetchOpt) (jetstream.Msg, error) {
		calls++
		if calls == 3 {
			fetch.queue = append(fetch.queue, &fakeMsg{data: []byte("late"), seq: 9})
		}
		return fetch.Next(opts...)
	})

	var got string
	b.workerLoop(ctx, wrapped, "image-stream", "brand-worker", func(_ context.Context, msg bus.Message) {
		got = string(msg.Data())
		cancel()
	})
	assert.Equal(t, "late", got)
	assert.Equal(t, 3, calls)
}

type fetcherFunc func(opts ...jetstream.FetchOpt) (jetstream.Msg, error)

func (f fetcherFunc) Next(opts ...jetstream.FetchOpt) (jetstream.Msg, error) { return f(opts...) }
