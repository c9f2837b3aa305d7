package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"creativepipe/internal/blob"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/gateway"
	"creativepipe/internal/metrics"
	"creativepipe/internal/store/sqlitestore"
	"creativepipe/internal/testsupport"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched []*campaign.Campaign
}

func (l *recordingLauncher) Launch(c *campaign.Campaign) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, c)
}

func (l *recordingLauncher) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.launched))
	for _, c := range l.launched {
		ids = append(ids, c.ID)
	}
	return ids
}

type fixture struct {
	srv      *gateway.Server
	store    *sqlitestore.Store
	pub      *testsupport.Publisher
	blobs    *blob.FSStore
	launcher *recordingLauncher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	require.NoError(t, err)
	f := &fixture{
		store:    st,
		pub:      testsupport.NewPublisher(),
		blobs:    blobs,
		launcher: &recordingLauncher{},
	}
	f.srv = gateway.New(gateway.Deps{
		Store:      st,
		Launcher:   f.launcher,
		Publisher:  f.pub,
		Blobs:      blobs,
		Metrics:    metrics.New(),
		Logger:     zaptest.NewLogger(t),
		PresignTTL: time.Hour,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func brief(id string) map[string]any {
	return map[string]any{
		"campaign_id":    id,
		"products":       []map[string]any{{"id": "p1", "name": "Hydra Serum"}},
		"target_locales": []string{"en", "fr-CA"},
		"audience":       map[string]any{"region": "NA", "audience": "runners", "age_min": 20, "age_max": 40},
		"messages":       map[string]string{"en": "Glow all day"},
		"brand":          map[string]any{"primary_color": "#112233", "banned_words": map[string][]string{"en": {"cheap"}}},
		"placement":      map[string]any{"logo_position": "top_left", "overlay_text_position": "top"},
		"output":         map[string]any{"aspect_ratios": []string{"1:1", "16x9"}},
	}
}

func TestCreateCampaignAccepted(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/campaigns", brief("cmp-1"))
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[gateway.CreateResponse](t, body)
	assert.Equal(t, "cmp-1", resp.CampaignID)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, campaign.StatusProcessing, resp.Status)

	stored, err := f.store.GetCampaign(context.Background(), "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1x1", "16x9"}, stored.Output.AspectRatios)
	assert.Equal(t, []string{"en", "fr-CA"}, stored.TargetLocales)
	assert.Equal(t, "top_left", stored.Placement.LogoPosition)
	assert.Equal(t, resp.CorrelationID, stored.CorrelationID)
	assert.Equal(t, []string{"cmp-1"}, f.launcher.IDs())
}

func TestCreateCampaignRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/campaigns", brief("cmp-1"))
	require.Equal(t, http.StatusAccepted, code)

	code, body := f.do(t, http.MethodPost, "/campaigns", brief("cmp-1"))
	assert.Equal(t, http.StatusConflict, code, string(body))
	assert.Len(t, f.launcher.IDs(), 1)
}

func TestCreateCampaignValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"bad locale", func(b map[string]any) { b["target_locales"] = []string{"en", "not a locale!"} }, "target_locales[1]"},
		{"unknown ratio", func(b map[string]any) { b["output"] = map[string]any{"aspect_ratios": []string{"3x2"}} }, "aspect_ratios[0]"},
		{"no products", func(b map[string]any) { delete(b, "products") }, "products"},
		{"path in id", func(b map[string]any) { b["campaign_id"] = "../escape" }, "campaign_id"},
		{"bad color", func(b map[string]any) { b["brand"] = map[string]any{"primary_color": "red"} }, "primary_color"},
		{"bad position", func(b map[string]any) { b["placement"] = map[string]any{"logo_position": "left"} }, "logo_position"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			b := brief("cmp-v")
			tc.mutate(b)
			code, body := f.do(t, http.MethodPost, "/campaigns", b)
			assert.Equal(t, http.StatusBadRequest, code, string(body))
			assert.Contains(t, string(body), tc.want)
			assert.Empty(t, f.launcher.IDs())
		})
	}
}

func TestCreateCampaignRejectsAudienceForUntargetedLocale(t *testing.T) {
	f := newFixture(t)
	b := brief("cmp-2")
	b["locale_audiences"] = map[string]any{"de": map[string]any{"region": "DACH"}}

	code, body := f.do(t, http.MethodPost, "/campaigns", b)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "untargeted locale")
}

func TestListCampaignsPaginatesAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"cmp-a", "cmp-b", "cmp-c"} {
		testsupport.MustCreateCampaign(t, f.store, id, []string{"en"}, []string{"1x1"})
	}
	_, err := f.store.MarkCompleted(ctx, "cmp-b", time.Now())
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/campaigns?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	page := decode[gateway.ListResponse](t, body)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.PageSize)

	code, body = f.do(t, http.MethodGet, "/campaigns?status=completed", nil)
	require.Equal(t, http.StatusOK, code)
	page = decode[gateway.ListResponse](t, body)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "cmp-b", page.Items[0].CampaignID)
	assert.Equal(t, 1, page.Items[0].Total)

	code, _ = f.do(t, http.MethodGet, "/campaigns?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetCampaign(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1"})

	code, body := f.do(t, http.MethodGet, "/campaigns/cmp-1", nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[campaign.Campaign](t, body)
	assert.Equal(t, "cmp-1", got.ID)
	assert.Equal(t, "corr-cmp-1", got.CorrelationID)

	code, body = f.do(t, http.MethodGet, "/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "campaign not found")
}

func TestStatusReportsProgressAndStall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en", "fr"}, []string{"1x1", "16x9"})
	require.NoError(t, f.store.SetOutputSlot(ctx, "cmp-1", "en", "1x1", campaign.OutputSlot{
		FinalImageURI:    "file:///tmp/final.png",
		FinalImageRef:    "final.png",
		OverlayTimestamp: time.Now().UTC(),
	}))

	code, body := f.do(t, http.MethodGet, "/campaigns/cmp-1/status", nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[gateway.StatusResponse](t, body)
	assert.Equal(t, campaign.StatusProcessing, status.Status)
	assert.False(t, status.Stalled)
	assert.Equal(t, 1, status.Progress["en"].Completed)
	assert.Equal(t, 2, status.Progress["en"].Total)
	assert.True(t, status.Progress["en"].Ratios["1x1"])
	assert.False(t, status.Progress["en"].Ratios["16x9"])
	assert.Equal(t, 0, status.Progress["fr"].Completed)
	assert.Empty(t, status.DeadLetters)

	require.NoError(t, f.store.RecordDeadLetter(ctx, "cmp-1", campaign.DeadLetter{
		Stage: "branding", EventID: "evt-1", Locale: "fr", AspectRatio: "1x1",
		Reason: "logo decode failed", Deliveries: 3, At: time.Now().UTC(),
	}))
	_, body = f.do(t, http.MethodGet, "/campaigns/cmp-1/status", nil)
	status = decode[gateway.StatusResponse](t, body)
	assert.True(t, status.Stalled)
	require.Len(t, status.DeadLetters, 1)
	assert.Equal(t, "branding", status.DeadLetters[0].Stage)
}

func TestArtifactsPresignsFinalOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1", "16x9"})
	png, err := testsupport.SolidPNG(8, 8, color.White)
	require.NoError(t, err)
	key := blob.SlotKey("", "cmp-1", "en", "1x1", blob.KindFinal, time.Now())
	obj, err := f.blobs.Put(ctx, key, png, blob.ContentTypePNG)
	require.NoError(t, err)
	require.NoError(t, f.store.SetOutputSlot(ctx, "cmp-1", "en", "1x1", campaign.OutputSlot{
		FinalImageURI: obj.URI, FinalImageRef: obj.Key, OverlayTimestamp: time.Now().UTC(),
	}))

	code, body := f.do(t, http.MethodGet, "/campaigns/cmp-1/artifacts", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[gateway.ArtifactsResponse](t, body)
	assert.Equal(t, int64(3600), resp.ExpiresInSeconds)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "1x1", resp.Artifacts[0].AspectRatio)
	assert.Equal(t, obj.URI, resp.Artifacts[0].URI)
	assert.True(t, strings.HasPrefix(resp.Artifacts[0].URL, "file://"), resp.Artifacts[0].URL)
}

func TestApproveRequiresReadySlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1"})
	approval := map[string]any{"locale": "en", "aspect_ratio": "1:1", "approver": "dana", "comment": "ship it"}

	code, body := f.do(t, http.MethodPost, "/campaigns/cmp-1/approve", approval)
	assert.Equal(t, http.StatusConflict, code, string(body))
	assert.Empty(t, f.pub.OfType(events.TypeCreativeApproved))

	require.NoError(t, f.store.SetOutputSlot(ctx, "cmp-1", "en", "1x1", campaign.OutputSlot{
		FinalImageURI: "file:///final.png", FinalImageRef: "final.png", OverlayTimestamp: time.Now().UTC(),
	}))
	code, body = f.do(t, http.MethodPost, "/campaigns/cmp-1/approve", approval)
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[gateway.ActionResponse](t, body)
	assert.True(t, resp.OK)

	sent := f.pub.OfType(events.TypeCreativeApproved)
	require.Len(t, sent, 1)
	assert.Equal(t, "1x1", sent[0].AspectRatio)
	assert.Equal(t, "corr-cmp-1", sent[0].CorrelationID)
	payload := testsupport.MustPayload[events.CreativeApproved](t, sent[0])
	assert.Equal(t, resp.ID, payload.ApprovalID)
	assert.Equal(t, "dana", payload.Approver)

	stored, err := f.store.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, stored.Approvals, 1)
	assert.Equal(t, "ship it", stored.Approvals[0].Comment)
}

func TestApproveRejectsUnknownTargets(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1"})

	code, _ := f.do(t, http.MethodPost, "/campaigns/cmp-1/approve", map[string]any{"locale": "de", "aspect_ratio": "1x1", "approver": "dana"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/campaigns/cmp-1/approve", map[string]any{"locale": "en", "aspect_ratio": "9x16", "approver": "dana"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/campaigns/missing/approve", map[string]any{"locale": "en", "aspect_ratio": "1x1", "approver": "dana"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRevisionIsRecordedAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1"})

	code, body := f.do(t, http.MethodPost, "/campaigns/cmp-1/revision", map[string]any{
		"locale": "en", "requested_by": "lee", "notes": "warmer palette",
	})
	require.Equal(t, http.StatusAccepted, code, string(body))

	sent := f.pub.OfType(events.TypeRevisionRequested)
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].AspectRatio)
	payload := testsupport.MustPayload[events.RevisionRequested](t, sent[0])
	assert.Equal(t, "warmer palette", payload.Notes)

	stored, err := f.store.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, stored.Revisions, 1)
	assert.Equal(t, "lee", stored.Revisions[0].RequestedBy)

	code, _ = f.do(t, http.MethodPost, "/campaigns/cmp-1/revision", map[string]any{"locale": "en", "requested_by": "lee"})
	assert.Equal(t, http.StatusBadRequest, code, "notes are required")
}

func TestAuditPublishFailureSurfacesBadGateway(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateCampaign(t, f.store, "cmp-1", []string{"en"}, []string{"1x1"})
	f.pub.FailNext(1)

	code, body := f.do(t, http.MethodPost, "/campaigns/cmp-1/revision", map[string]any{
		"locale": "en", "requested_by": "lee", "notes": "again",
	})
	assert.Equal(t, http.StatusBadGateway, code, string(body))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, _ = f.do(t, http.MethodPost, "/campaigns", brief("cmp-m"))
	require.Equal(t, http.StatusAccepted, code)
	code, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `creativepipe_campaigns_total{status="PROCESSING"} 1`)
}
