package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"creativepipe/internal/bus"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/testsupport"
)

func TestBusDeadLetterIsRecordedOnCampaign(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	core, logs := observer.New(zapcore.InfoLevel)
	d, err := New(context.Background(), cfg, zap.New(core), Options{Stages: []string{events.StageOverlay}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	c := testsupport.NewCampaign(t, "cmp-1", []string{"en"}, []string{"1x1"})
	require.NoError(t, d.store.CreateCampaign(ctx, c))

	env, err := events.New(events.TypeBrandComposed, events.Address{
		CampaignID: "cmp-1", Locale: "en", AspectRatio: "1x1", CorrelationID: "corr-cmp-1",
	}, events.BrandComposed{}, time.Now())
	require.NoError(t, err)
	data, err := events.Encode(env)
	require.NoError(t, err)

	dl := bus.DeadLetter{
		Stream:       "brand-compose-stream",
		Consumer:     "overlay-worker",
		Sequence:     7,
		NumDelivered: 3,
		Data:         data,
	}
	d.handleBusDeadLetter(ctx, dl)
	d.handleBusDeadLetter(ctx, dl)

	stored, err := d.store.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, stored.DeadLetters, 1, "same event recorded once")
	assert.Equal(t, "overlay", stored.DeadLetters[0].Stage)
	assert.Equal(t, env.ID, stored.DeadLetters[0].EventID)
	assert.Equal(t, "maximum deliveries exceeded", stored.DeadLetters[0].Reason)
	assert.Equal(t, 3, stored.DeadLetters[0].Deliveries)

	alerts := logs.FilterField(logging.Alert("dead_letter")).All()
	require.Len(t, alerts, 2)
	assert.Equal(t, "overlay", alerts[0].ContextMap()[logging.FieldStage])
}

func TestBusDeadLetterWithUndecodableBody(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := New(context.Background(), cfg, zap.NewNop(), Options{Stages: []string{events.StageOverlay}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	d.handleBusDeadLetter(context.Background(), bus.DeadLetter{
		Stream:   "image-generate-stream",
		Consumer: "brand-worker",
		Data:     []byte("not json"),
		Reason:   "ack wait expired",
	})
	assert.Equal(t, "branding", stageForDurable("brand-worker"))
	assert.Equal(t, "mystery", stageForDurable("mystery"))
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "creativepiped.lock", lockName(Options{Stages: events.Stages, Gateway: true}))
	assert.Equal(t, "creativepiped-enrichment-creative-imaging-branding-overlay.lock", lockName(Options{Stages: events.Stages}))
	assert.Equal(t, "creativepiped-imaging-gateway.lock", lockName(Options{Stages: []string{"imaging"}, Gateway: true}))
}
