// Package storetest holds the behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creativepipe/internal/campaign"
	"creativepipe/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// NewCampaign builds a prepared campaign over the given cross product.
func NewCampaign(t testing.TB, id string, locales, ratios []string, now time.Time) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		ID:            id,
		Products:      []campaign.Product{{ID: "p1", Name: "Trail Shoe"}},
		TargetLocales: locales,
		Audience:      campaign.Audience{Region: "EU", Audience: "runners"},
		Output:        campaign.OutputSpec{AspectRatios: ratios},
	}
	require.NoError(t, c.Prepare("corr-"+id, now))
	return c
}

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := map[string]func(*testing.T, store.Store){
		"CreateOnce":               testCreateOnce,
		"OutputSlotsConcurrent":    testOutputSlotsConcurrent,
		"CompletionIdempotent":     testCompletionIdempotent,
		"FailedNeverCompletes":     testFailedNeverCompletes,
		"AppendOncePerID":          testAppendOncePerID,
		"ArtifactUpsertIdempotent": testArtifactUpsertIdempotent,
		"Claims":                   testClaims,
		"ListCampaigns":            testListCampaigns,
		"ListStalled":              testListStalled,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCreateOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := NewCampaign(t, "cmp-1", []string{"en", "de"}, []string{"1x1"}, base)
	require.NoError(t, s.CreateCampaign(ctx, c))

	err := s.CreateCampaign(ctx, c)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, "corr-cmp-1", got.CorrelationID)
	assert.Equal(t, campaign.StatusProcessing, got.Status)
	assert.Equal(t, []string{"en", "de"}, got.TargetLocales)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOutputSlotsConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	locales := []string{"en", "de"}
	ratios := []string{"1x1", "16x9"}
	require.NoError(t, s.CreateCampaign(ctx, NewCampaign(t, "cmp-1", locales, ratios, base)))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, locale := range locales {
		for _, ratio := range ratios {
			wg.Add(1)
			go func(locale, ratio string) {
				defer wg.Done()
				errs <- s.SetOutputSlot(ctx, "cmp-1", locale, ratio, campaign.OutputSlot{
					FinalImageURI:    fmt.Sprintf("blob://final/%s/%s.png", locale, ratio),
					FinalImageRef:    fmt.Sprintf("campaigns/cmp-1/%s/%s/final.png", locale, ratio),
					OverlayTimestamp: base,
				})
			}(locale, ratio)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.True(t, got.IsComplete(), "every slot written by a concurrent writer must survive")
	assert.Equal(t, "blob://final/de/16x9.png", got.Slot("de", "16x9").FinalImageURI)

	err = s.SetOutputSlot(ctx, "missing", "en", "1x1", campaign.OutputSlot{FinalImageURI: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompletionIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, NewCampaign(t, "cmp-1", []string{"en"}, []string{"1x1"}, base)))

	done := base.Add(time.Minute)
	moved, err := s.MarkCompleted(ctx, "cmp-1", done)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkCompleted(ctx, "cmp-1", done.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done), "second call must not restamp completed_at")

	moved, err = s.MarkFailed(ctx, "cmp-1", "late failure", done)
	require.NoError(t, err)
	assert.False(t, moved, "completed never regresses")

	_, err = s.MarkCompleted(ctx, "missing", done)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFailedNeverCompletes(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, NewCampaign(t, "cmp-1", []string{"en"}, []string{"1x1"}, base)))

	moved, err := s.MarkFailed(ctx, "cmp-1", "publish failed", base)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkCompleted(ctx, "cmp-1", base)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusFailed, got.Status)
	assert.Equal(t, "publish failed", got.FailureReason)
	assert.Nil(t, got.CompletedAt)
}

func testAppendOncePerID(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, NewCampaign(t, "cmp-1", []string{"en"}, []string{"1x1"}, base)))

	approval := campaign.Approval{ID: "a-1", Locale: "en", AspectRatio: "1x1", Approver: "ops", At: base}
	require.NoError(t, s.AddApproval(ctx, "cmp-1", approval))
	require.NoError(t, s.AddApproval(ctx, "cmp-1", approval))
	require.NoError(t, s.AddRevision(ctx, "cmp-1", campaign.Revision{ID: "r-1", Locale: "en", RequestedBy: "ops", Notes: "warmer", At: base}))

	dl := campaign.DeadLetter{Stage: "imaging", EventID: "evt-1", Locale: "en", Reason: "boom", Deliveries: 3, At: base}
	require.NoError(t, s.RecordDeadLetter(ctx, "cmp-1", dl))
	require.NoError(t, s.RecordDeadLetter(ctx, "cmp-1", dl))

	got, err := s.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Len(t, got.Approvals, 1)
	assert.Len(t, got.Revisions, 1)
	require.Len(t, got.DeadLetters, 1)
	assert.Equal(t, "imaging", got.DeadLetters[0].Stage)

	err = s.AddApproval(ctx, "missing", approval)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testArtifactUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	pack := campaign.ContextPack{CampaignID: "cmp-1", Locale: "en", Tone: "bold", Dos: []string{"trails"}, GeneratedAt: base}
	require.NoError(t, s.UpsertContextPack(ctx, pack))
	require.NoError(t, s.UpsertContextPack(ctx, pack))
	gotPack, err := s.GetContextPack(ctx, "cmp-1", "en")
	require.NoError(t, err)
	assert.Equal(t, "bold", gotPack.Tone)

	pack.Tone = "calm"
	require.NoError(t, s.UpsertContextPack(ctx, pack))
	gotPack, err = s.GetContextPack(ctx, "cmp-1", "en")
	require.NoError(t, err)
	assert.Equal(t, "calm", gotPack.Tone)

	creative := campaign.Creative{CampaignID: "cmp-1", Locale: "en", Headline: "Run further", GeneratedAt: base}
	require.NoError(t, s.UpsertCreative(ctx, creative))
	gotCreative, err := s.GetCreative(ctx, "cmp-1", "en")
	require.NoError(t, err)
	assert.Equal(t, "Run further", gotCreative.Headline)

	img := campaign.Image{CampaignID: "cmp-1", Locale: "en", AspectRatio: "1x1", Ref: "gen-1.png", Status: campaign.ImageStatusGenerated, CreatedAt: base}
	require.NoError(t, s.UpsertImage(ctx, img))
	img.Ref = "gen-2.png"
	require.NoError(t, s.UpsertImage(ctx, img))
	gotImg, err := s.GetImage(ctx, "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, "gen-2.png", gotImg.Ref, "redelivery overwrites the same key")

	branded := campaign.BrandedImage{CampaignID: "cmp-1", Locale: "en", AspectRatio: "1x1", Ref: "br.png", SourceRef: "gen-2.png", CreatedAt: base}
	require.NoError(t, s.UpsertBrandedImage(ctx, branded))
	gotBranded, err := s.GetBrandedImage(ctx, "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, "gen-2.png", gotBranded.SourceRef)

	_, err = s.GetImage(ctx, "cmp-1", "en", "16x9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetCreative(ctx, "cmp-1", "fr")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "imaging:cmp-1:en:1x1"

	ok, err := s.AcquireClaim(ctx, key, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireClaim(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease blocks other owners")

	ok, err = s.AcquireClaim(ctx, key, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may renew")

	require.NoError(t, s.ReleaseClaim(ctx, key, "worker-b"))
	ok, err = s.AcquireClaim(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is ignored")

	require.NoError(t, s.ReleaseClaim(ctx, key, "worker-a"))
	ok, err = s.AcquireClaim(ctx, key, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	expiring := "branding:cmp-1:en:1x1"
	ok, err = s.AcquireClaim(ctx, expiring, "worker-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)
	ok, err = s.AcquireClaim(ctx, expiring, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
}

func testListCampaigns(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c := NewCampaign(t, fmt.Sprintf("cmp-%d", i), []string{"en"}, []string{"1x1"}, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateCampaign(ctx, c))
	}
	_, err := s.MarkFailed(ctx, "cmp-0", "boom", base)
	require.NoError(t, err)

	page, total, err := s.ListCampaigns(ctx, store.ListFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "cmp-4", page[0].ID, "newest first")

	last, _, err := s.ListCampaigns(ctx, store.ListFilter{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "cmp-0", last[0].ID)

	failed, total, err := s.ListCampaigns(ctx, store.ListFilter{Status: campaign.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, failed, 1)
	assert.Equal(t, "cmp-0", failed[0].ID)
}

func testListStalled(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"quiet", "parked", "done"} {
		require.NoError(t, s.CreateCampaign(ctx, NewCampaign(t, id, []string{"en"}, []string{"1x1"}, base)))
	}
	require.NoError(t, s.RecordDeadLetter(ctx, "parked", campaign.DeadLetter{Stage: "imaging", Reason: "boom", At: base}))
	_, err := s.MarkCompleted(ctx, "done", base)
	require.NoError(t, err)

	// Only the dead-lettered campaign qualifies while the cutoff predates every write.
	stalled, err := s.ListStalled(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "parked", stalled[0].ID)

	stalled, err = s.ListStalled(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	ids := make([]string, 0, len(stalled))
	for _, c := range stalled {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"quiet", "parked"}, ids)
}
