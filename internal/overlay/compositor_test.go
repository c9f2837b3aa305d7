package overlay_test

import (
	"context"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creativepipe/internal/blob"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/metrics"
	"creativepipe/internal/notifications"
	"creativepipe/internal/overlay"
	"creativepipe/internal/stage"
	"creativepipe/internal/store/sqlitestore"
	"creativepipe/internal/testsupport"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fixture struct {
	st       *sqlitestore.Store
	blobs    *blob.FSStore
	pub      *testsupport.Publisher
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	comp     *overlay.Compositor
}

func setup(t *testing.T, ratios []string) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.MustCreateCampaign(t, st, "cmp-1", []string{"en"}, ratios)
	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.UpsertCreative(ctx, campaign.Creative{CampaignID: "cmp-1", Locale: "en", Headline: "Glow That Keeps Up"}))
	for _, ratio := range ratios {
		data, err := testsupport.SolidPNG(256, 256, color.White)
		require.NoError(t, err)
		obj, err := blobs.Put(ctx, "campaigns/cmp-1/en/"+ratio+"/branded_1.png", data, blob.ContentTypePNG)
		require.NoError(t, err)
		require.NoError(t, st.UpsertBrandedImage(ctx, campaign.BrandedImage{
			CampaignID: "cmp-1", Locale: "en", AspectRatio: ratio, URI: obj.URI, Ref: obj.Key,
		}))
	}
	f := fixture{st: st, blobs: blobs, pub: testsupport.NewPublisher(), notifier: &recordingNotifier{}, metrics: metrics.New()}
	f.comp = overlay.New(overlay.Deps{Store: st, Blobs: blobs, Publisher: f.pub, Notifier: f.notifier, Metrics: f.metrics})
	return f
}

func (f fixture) input(t *testing.T, ratio string) stage.Input[events.BrandComposed] {
	t.Helper()
	c, err := f.st.GetCampaign(context.Background(), "cmp-1")
	require.NoError(t, err)
	env, err := events.New(events.TypeBrandComposed, events.Address{CampaignID: "cmp-1", Locale: "en", AspectRatio: ratio}, events.BrandComposed{}, time.Now())
	require.NoError(t, err)
	return stage.Input[events.BrandComposed]{Envelope: env, Campaign: c, Attempt: 1}
}

func TestCompositorFillsSlotAndCompletes(t *testing.T) {
	f := setup(t, []string{"1x1", "16x9"})
	ctx := context.Background()

	require.NoError(t, f.comp.Handle(ctx, f.input(t, "1x1")))
	c, err := f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusProcessing, c.Status)
	slot := c.Slot("en", "1x1")
	require.NotNil(t, slot)
	require.NotNil(t, slot.Placement)
	assert.Equal(t, "bottom", slot.Placement.Position)
	exists, err := f.blobs.Exists(ctx, slot.FinalImageRef)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, f.comp.Handle(ctx, f.input(t, "16x9")))
	c, err = f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
	assert.Len(t, f.pub.OfType(events.TypeTextOverlaid), 2)
	assert.Equal(t, []notifications.Event{notifications.EventCampaignCompleted}, f.notifier.events)
}

func TestCompositorRedeliveryAfterCompletionIsQuiet(t *testing.T) {
	f := setup(t, []string{"1x1"})
	ctx := context.Background()
	require.NoError(t, f.comp.Handle(ctx, f.input(t, "1x1")))
	first, err := f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)

	require.NoError(t, f.comp.Handle(ctx, f.input(t, "1x1")))
	second, err := f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)

	assert.Equal(t, first.Slot("en", "1x1").FinalImageRef, second.Slot("en", "1x1").FinalImageRef)
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
	assert.Len(t, f.notifier.events, 1, "completion is announced once")
}

func TestCompositorRetriesOnPublishFailureAfterPersist(t *testing.T) {
	f := setup(t, []string{"1x1"})
	ctx := context.Background()
	f.pub.FailNext(1)

	err := f.comp.Handle(ctx, f.input(t, "1x1"))
	assert.Equal(t, stage.OutcomeRetry, stage.Classify(err))
	c, err := f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.NotNil(t, c.Slot("en", "1x1"), "slot persisted before the publish")
	assert.Equal(t, campaign.StatusProcessing, c.Status)

	require.NoError(t, f.comp.Handle(ctx, f.input(t, "1x1")))
	assert.Len(t, f.pub.OfType(events.TypeTextOverlaid), 1)
	c, err = f.st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, c.Status)
}

func TestCompositorWaitsForBrandedImage(t *testing.T) {
	f := setup(t, []string{"1x1"})
	in := f.input(t, "1x1")
	in.Envelope.Locale = "fr"

	err := f.comp.Handle(context.Background(), in)
	assert.Equal(t, stage.OutcomeRetry, stage.Classify(err))
	assert.Empty(t, f.pub.Sent())
}

func TestDetect(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, st, "cmp-d", []string{"en", "fr"}, []string{"1x1"})
	slot := campaign.OutputSlot{FinalImageURI: "file:///x.png", FinalImageRef: "x.png", OverlayTimestamp: time.Now()}

	require.NoError(t, st.SetOutputSlot(ctx, "cmp-d", "en", "1x1", slot))
	done, err := overlay.Detect(ctx, st, "cmp-d", nil)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, st.SetOutputSlot(ctx, "cmp-d", "fr", "1x1", slot))
	done, err = overlay.Detect(ctx, st, "cmp-d", nil)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = overlay.Detect(ctx, st, "cmp-d", nil)
	require.NoError(t, err)
	assert.False(t, done, "second detection is a no-op")
}

func TestDetectLeavesFailedCampaigns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, st, "cmp-f", []string{"en"}, []string{"1x1"})
	require.NoError(t, st.SetOutputSlot(ctx, "cmp-f", "en", "1x1", campaign.OutputSlot{FinalImageRef: "x.png"}))
	_, err := st.MarkFailed(ctx, "cmp-f", "publish failed", time.Now())
	require.NoError(t, err)

	done, err := overlay.Detect(ctx, st, "cmp-f", nil)
	require.NoError(t, err)
	assert.False(t, done)
	c, err := st.GetCampaign(ctx, "cmp-f")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusFailed, c.Status)
}
