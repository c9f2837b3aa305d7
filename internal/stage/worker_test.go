package stage_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/services"
	"creativepipe/internal/stage"
	"creativepipe/internal/store"
)

type fakeMessage struct {
	mu         sync.Mutex
	data       []byte
	delivery   bus.Delivery
	acks       int
	naks       []time.Duration
	terms      []string
	inProgress int
}

func (m *fakeMessage) Data() []byte           { return m.data }
func (m *fakeMessage) Headers() bus.Headers   { return nil }
func (m *fakeMessage) Delivery() bus.Delivery { return m.delivery }

func (m *fakeMessage) Ack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Nak(_ context.Context, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks = append(m.naks, delay)
	return nil
}

func (m *fakeMessage) Term(_ context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms = append(m.terms, reason)
	return nil
}

func (m *fakeMessage) InProgress(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress++
	return nil
}

func (m *fakeMessage) heartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

type fakeStore struct {
	mu          sync.Mutex
	campaigns   map[string]*campaign.Campaign
	deadLetters []campaign.DeadLetter
	getErr      error
}

func (s *fakeStore) GetCampaign(_ context.Context, id string) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) RecordDeadLetter(_ context.Context, _ string, dl campaign.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func newStore(status campaign.Status) *fakeStore {
	return &fakeStore{campaigns: map[string]*campaign.Campaign{
		"cmp-1": {ID: "cmp-1", Status: status},
	}}
}

func readyMessage(t *testing.T, numDelivered int) *fakeMessage {
	t.Helper()
	env, err := events.New(events.TypeContextEnrichReady, events.Address{
		CampaignID:    "cmp-1",
		Locale:        "en",
		CorrelationID: "req-1",
	}, events.ContextEnrichReady{ContextPack: campaign.ContextPack{CampaignID: "cmp-1", Locale: "en"}}, time.Now())
	require.NoError(t, err)
	data, err := events.Encode(env)
	require.NoError(t, err)
	return &fakeMessage{data: data, delivery: bus.Delivery{Sequence: 7, NumDelivered: numDelivered}}
}

func newWorker(st *fakeStore, logger *zap.Logger, h stage.HandlerFunc[events.ContextEnrichReady]) *stage.Worker[events.ContextEnrichReady] {
	binding := events.MustBinding(events.TypeContextEnrichReady)
	return stage.New[events.ContextEnrichReady](stage.Options{
		Binding:     binding,
		Consumer:    bus.ConsumerOptions{MaxDeliver: 3, AckWait: time.Minute},
		NakDelay:    time.Second,
		MaxNakDelay: 3 * time.Second,
		FenceFailed: true,
	}, stage.Deps{Store: st, Logger: logger}, h)
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	var got stage.Input[events.ContextEnrichReady]
	w := newWorker(st, zap.NewNop(), func(_ context.Context, in stage.Input[events.ContextEnrichReady]) error {
		got = in
		return nil
	})
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.Equal(t, 1, msg.acks)
	assert.Empty(t, msg.naks)
	assert.Equal(t, "en", got.Envelope.Locale)
	assert.Equal(t, "cmp-1", got.Payload.ContextPack.CampaignID)
	assert.Equal(t, "cmp-1", got.Campaign.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, uint64(7), got.Delivery.Sequence)
	assert.Equal(t, int64(1), w.Health().Processed)
}

func TestHolderIsUniquePerDelivery(t *testing.T) {
	first := stage.Input[events.ContextEnrichReady]{Delivery: bus.Delivery{Consumer: "brand-worker", Sequence: 7, NumDelivered: 1}}
	second := first
	second.Delivery.NumDelivered = 2
	other := first
	other.Delivery.Sequence = 8

	assert.Equal(t, "proc:brand-worker:7:1", first.Holder("proc"))
	assert.Equal(t, first.Holder("proc"), first.Holder("proc"))
	assert.NotEqual(t, first.Holder("proc"), second.Holder("proc"))
	assert.NotEqual(t, first.Holder("proc"), other.Holder("proc"))
}

func TestWorkerPassesContextAnnotations(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.NewNop(), func(ctx context.Context, _ stage.Input[events.ContextEnrichReady]) error {
		stageName, _ := services.StageFromContext(ctx)
		assert.Equal(t, events.StageCreative, stageName)
		rid, _ := services.CorrelationIDFromContext(ctx)
		assert.Equal(t, "req-1", rid)
		return nil
	})
	w.Process(context.Background(), readyMessage(t, 1))
}

func TestWorkerNaksWithGrowingDelay(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	failing := func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		return services.Wrap(services.ErrExternalTool, "creative", "generate", "upstream 503", nil)
	}
	w := newWorker(st, zap.NewNop(), failing)

	first := readyMessage(t, 1)
	w.Process(context.Background(), first)
	second := readyMessage(t, 2)
	w.Process(context.Background(), second)

	assert.Equal(t, []time.Duration{time.Second}, first.naks)
	assert.Equal(t, []time.Duration{2 * time.Second}, second.naks)
	assert.Empty(t, st.deadLetters)
	assert.False(t, w.Health().Ready, "not consuming outside Run")
}

func TestWorkerDeadLettersOnFinalDelivery(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.New(core), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		return errors.New("still broken")
	})
	msg := readyMessage(t, 3)

	w.Process(context.Background(), msg)

	assert.Empty(t, msg.naks)
	require.Len(t, msg.terms, 1)
	assert.Contains(t, msg.terms[0], "still broken")
	require.Len(t, st.deadLetters, 1)
	dl := st.deadLetters[0]
	assert.Equal(t, events.StageCreative, dl.Stage)
	assert.Equal(t, "en", dl.Locale)
	assert.Equal(t, 3, dl.Deliveries)
	assert.NotEmpty(t, dl.EventID)

	entries := logs.FilterMessage("stage delivery dead-lettered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "dead_letter", entries[0].ContextMap()["alert"])
}

func TestWorkerTermsFatalImmediately(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		return stage.Fatal(errors.New("bad logo"))
	})
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.Len(t, msg.terms, 1)
	assert.Len(t, st.deadLetters, 1)
	assert.Zero(t, msg.acks)
}

func TestWorkerFencesFailedCampaign(t *testing.T) {
	st := newStore(campaign.StatusFailed)
	called := false
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		called = true
		return nil
	})
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.False(t, called)
	assert.Equal(t, 1, msg.acks)
	assert.Empty(t, st.deadLetters)
}

func TestWorkerRetriesUnknownCampaign(t *testing.T) {
	st := &fakeStore{campaigns: map[string]*campaign.Campaign{}}
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		t.Fatal("handler must not run without a campaign")
		return nil
	})
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.Equal(t, []time.Duration{time.Second}, msg.naks)
}

func TestWorkerTermsMalformedEnvelope(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		t.Fatal("handler must not run for a malformed envelope")
		return nil
	})
	body, err := json.Marshal(map[string]any{"id": "evt-9", "type": "ContextEnrichReady", "campaign_id": "cmp-1"})
	require.NoError(t, err)
	msg := &fakeMessage{data: body, delivery: bus.Delivery{NumDelivered: 1}}

	w.Process(context.Background(), msg)

	require.Len(t, msg.terms, 1)
	require.Len(t, st.deadLetters, 1)
	assert.Equal(t, "evt-9", st.deadLetters[0].EventID)
}

func TestWorkerTermsWrongEventType(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		return nil
	})
	env, err := events.New(events.TypeCreativeGenerateDone, events.Address{CampaignID: "cmp-1", Locale: "en"}, nil, time.Now())
	require.NoError(t, err)
	data, err := events.Encode(env)
	require.NoError(t, err)
	msg := &fakeMessage{data: data, delivery: bus.Delivery{NumDelivered: 1}}

	w.Process(context.Background(), msg)

	assert.Len(t, msg.terms, 1)
	assert.Zero(t, msg.acks)
}

func TestWorkerRecoversPanics(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	w := newWorker(st, zap.NewNop(), func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		panic("nil image")
	})
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.Len(t, msg.naks, 1)
}

func TestWorkerShutdownNaksWithoutDelay(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(st, zap.NewNop(), func(ctx context.Context, _ stage.Input[events.ContextEnrichReady]) error {
		cancel()
		return ctx.Err()
	})
	msg := readyMessage(t, 1)

	w.Process(ctx, msg)

	assert.Equal(t, []time.Duration{0}, msg.naks)
}

func TestWorkerShutdownOnFinalDeliveryParks(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(st, zap.NewNop(), func(ctx context.Context, _ stage.Input[events.ContextEnrichReady]) error {
		cancel()
		return ctx.Err()
	})
	msg := readyMessage(t, 3)

	w.Process(ctx, msg)

	assert.Empty(t, msg.naks)
	assert.Len(t, msg.terms, 1)
	assert.Len(t, st.deadLetters, 1)
}

func TestWorkerHeartbeatsLongHandlers(t *testing.T) {
	st := newStore(campaign.StatusProcessing)
	binding := events.MustBinding(events.TypeContextEnrichReady)
	w := stage.New[events.ContextEnrichReady](stage.Options{
		Binding:   binding,
		Heartbeat: 5 * time.Millisecond,
	}, stage.Deps{Store: st}, stage.HandlerFunc[events.ContextEnrichReady](func(context.Context, stage.Input[events.ContextEnrichReady]) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}))
	msg := readyMessage(t, 1)

	w.Process(context.Background(), msg)

	assert.GreaterOrEqual(t, msg.heartbeats(), 2)
	assert.Equal(t, 1, msg.acks)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want stage.Outcome
	}{
		{"nil", nil, stage.OutcomeAck},
		{"retryable", stage.Retryable(errors.New("x")), stage.OutcomeRetry},
		{"fatal", stage.Fatal(errors.New("x")), stage.OutcomeTerm},
		{"malformed", events.ErrMalformed, stage.OutcomeTerm},
		{"validation", services.Wrap(services.ErrValidation, "s", "op", "bad", nil), stage.OutcomeTerm},
		{"fenced", services.Wrap(services.ErrFenced, "s", "op", "", nil), stage.OutcomeDrop},
		{"external", services.Wrap(services.ErrExternalTool, "s", "op", "", nil), stage.OutcomeRetry},
		{"plain", errors.New("boom"), stage.OutcomeRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stage.Classify(tc.err))
		})
	}
}

func TestMissingPrerequisiteIsRetryable(t *testing.T) {
	err := stage.MissingPrerequisite("branding", "image", store.ErrNotFound)
	assert.Equal(t, stage.OutcomeRetry, stage.Classify(err))
	assert.ErrorIs(t, err, services.ErrNotFound)
}
