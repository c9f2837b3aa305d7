package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"creativepipe/internal/campaign"
	"creativepipe/internal/config"
	"creativepipe/internal/daemon"
	"creativepipe/internal/gateway"
	"creativepipe/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config, opts daemon.Options) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(context.Background(), cfg, zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg, daemon.Options{
		Stages: []string{"enrichment"},
		LLM:    testsupport.NewLLM(),
		Images: testsupport.NewImages(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	status := d.Status()
	assert.True(t, status.Running)
	require.Len(t, status.Stages, 1)
	assert.Equal(t, "enrichment", status.Stages[0].Name)
	assert.Empty(t, status.Gateway)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "creativepiped-enrichment.lock"), status.LockFilePath)

	require.Eventually(t, func() bool { return d.Status().Stages[0].Ready }, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, d.Start(ctx), "second start should fail")

	d.Stop()
	assert.False(t, d.Status().Running)
}

func TestDaemonLockRejectsDuplicateStageSet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	opts := daemon.Options{Stages: []string{"branding", "overlay"}}
	first := newDaemon(t, cfg, opts)
	second := newDaemon(t, cfg, opts)
	other := newDaemon(t, cfg, daemon.Options{Stages: []string{"imaging"}, Images: testsupport.NewImages()})

	ctx := context.Background()
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	err := second.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creativepiped-branding-overlay.lock")

	require.NoError(t, other.Start(ctx), "a different stage set uses its own lock")
	other.Stop()
}

func TestParseStages(t *testing.T) {
	all, err := daemon.ParseStages("")
	require.NoError(t, err)
	assert.Equal(t, []string{"enrichment", "creative", "imaging", "branding", "overlay"}, all)

	some, err := daemon.ParseStages("overlay, Imaging,overlay")
	require.NoError(t, err)
	assert.Equal(t, []string{"imaging", "overlay"}, some)

	_, err = daemon.ParseStages("imaging,upscale")
	assert.ErrorContains(t, err, "upscale")
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Bus.Backend = "kafka"
	_, err := daemon.New(context.Background(), cfg, zaptest.NewLogger(t), daemon.Options{})
	assert.ErrorContains(t, err, "kafka")
}

func TestTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg, daemon.Options{Stages: []string{"overlay"}})
	sent, msg, err := d.TestNotification(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, "ntfy topic not configured", msg)
}

func writeLogo(t *testing.T) string {
	t.Helper()
	data, err := testsupport.SolidPNG(40, 20, color.RGBA{R: 200, A: 255})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "logo.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return "file://" + path
}

func call(t *testing.T, srv *gateway.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFastStages())
	llm := testsupport.NewLLM()
	images := testsupport.NewImages()
	d := newDaemon(t, cfg, daemon.Options{Gateway: true, LLM: llm, Images: images})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	srv := d.Gateway()
	require.NotNil(t, srv)
	code, body := call(t, srv, http.MethodPost, "/campaigns", map[string]any{
		"campaign_id":    "cmp-1",
		"products":       []map[string]any{{"id": "p1", "name": "Hydra Serum"}},
		"target_locales": []string{"en", "fr"},
		"audience":       map[string]any{"region": "US", "audience": "young professionals"},
		"messages":       map[string]string{"en": "Glow all day", "fr": "Éclat toute la journée"},
		"brand":          map[string]any{"logo_uri": writeLogo(t)},
		"output":         map[string]any{"aspect_ratios": []string{"1x1", "16x9"}},
	})
	require.Equal(t, http.StatusAccepted, code, string(body))

	st := d.Store()
	require.Eventually(t, func() bool {
		c, err := st.GetCampaign(ctx, "cmp-1")
		return err == nil && c.Status == campaign.StatusCompleted
	}, 30*time.Second, 50*time.Millisecond)

	final, err := st.GetCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.DeadLetters)
	for _, locale := range []string{"en", "fr"} {
		for _, ratio := range []string{"1x1", "16x9"} {
			slot := final.Slot(locale, ratio)
			require.NotNil(t, slot, "%s/%s", locale, ratio)
			assert.FileExists(t, filepath.Join(cfg.Blob.Dir, slot.FinalImageRef))

			branded, err := st.GetBrandedImage(ctx, "cmp-1", locale, ratio)
			require.NoError(t, err)
			assert.Equal(t, "top_center", branded.Logo.Position)
		}
	}

	assert.Equal(t, 4, llm.Calls(), "one enrichment and one creative call per locale")
	assert.Equal(t, 4, images.Calls(), "one image per locale and ratio")

	code, body = call(t, srv, http.MethodGet, "/campaigns/cmp-1/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status gateway.StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, campaign.StatusCompleted, status.Status)
	assert.False(t, status.Stalled)
	assert.Equal(t, 2, status.Progress["fr"].Completed)

	code, body = call(t, srv, http.MethodGet, "/campaigns/cmp-1/artifacts", nil)
	require.Equal(t, http.StatusOK, code)
	var artifacts gateway.ArtifactsResponse
	require.NoError(t, json.Unmarshal(body, &artifacts))
	assert.Len(t, artifacts.Artifacts, 4)
}
