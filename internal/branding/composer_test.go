package branding_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creativepipe/internal/blob"
	"creativepipe/internal/branding"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/render"
	"creativepipe/internal/stage"
	"creativepipe/internal/store/sqlitestore"
	"creativepipe/internal/testsupport"
)

type fixture struct {
	st    *sqlitestore.Store
	blobs *blob.FSStore
	pub   *testsupport.Publisher
	c     *campaign.Campaign
	dir   string
}

func setup(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	c := testsupport.MustCreateCampaign(t, st, "cmp-1", []string{"en"}, []string{"1x1"})
	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	require.NoError(t, err)

	data, err := testsupport.SolidPNG(200, 200, color.White)
	require.NoError(t, err)
	obj, err := blobs.Put(context.Background(), "campaigns/cmp-1/en/1x1/generated_1.png", data, blob.ContentTypePNG)
	require.NoError(t, err)
	require.NoError(t, st.UpsertImage(context.Background(), campaign.Image{
		CampaignID: "cmp-1", Locale: "en", AspectRatio: "1x1", URI: obj.URI, Ref: obj.Key, Status: campaign.ImageStatusGenerated,
	}))
	return fixture{st: st, blobs: blobs, pub: testsupport.NewPublisher(), c: c, dir: testsupport.BaseDir(cfg)}
}

func (f fixture) input(t *testing.T) stage.Input[events.ImageGenerated] {
	t.Helper()
	env, err := events.New(events.TypeImageGenerated, events.Address{CampaignID: "cmp-1", Locale: "en", AspectRatio: "1x1"}, events.ImageGenerated{}, time.Now())
	require.NoError(t, err)
	return stage.Input[events.ImageGenerated]{Envelope: env, Campaign: f.c, Attempt: 1}
}

func writeLogo(t *testing.T, dir string) string {
	t.Helper()
	data, err := testsupport.SolidPNG(40, 20, color.RGBA{R: 255, A: 255})
	require.NoError(t, err)
	path := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestComposerPlacesFileLogo(t *testing.T) {
	f := setup(t)
	f.c.Brand.LogoURI = "file://" + writeLogo(t, f.dir)
	f.c.Placement.LogoPosition = "bottom_right"
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))

	branded, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, "bottom_right", branded.Logo.Position)
	assert.Equal(t, "campaigns/cmp-1/en/1x1/generated_1.png", branded.SourceRef)
	assert.True(t, strings.Contains(branded.Ref, "/branded_"), branded.Ref)

	data, err := f.blobs.Get(context.Background(), branded.Ref)
	require.NoError(t, err)
	img, err := render.Decode(data)
	require.NoError(t, err)
	px := color.RGBAModel.Convert(img.At(branded.Logo.X+2, branded.Logo.Y+2)).(color.RGBA)
	assert.Equal(t, uint8(255), px.R)
	assert.Less(t, px.G, uint8(60))

	sent := f.pub.OfType(events.TypeBrandComposed)
	require.Len(t, sent, 1)
	assert.Equal(t, branded.Ref, testsupport.MustPayload[events.BrandComposed](t, sent[0]).BrandedBlobRef)
}

func TestComposerFetchesHTTPLogo(t *testing.T) {
	f := setup(t)
	logo, err := testsupport.SolidPNG(30, 30, color.Black)
	require.NoError(t, err)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(logo)
	}))
	defer srv.Close()
	f.c.Brand.LogoURI = srv.URL + "/logo.png"
	loader := branding.NewLogoLoader(f.blobs, srv.Client())
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Logos: loader, Publisher: f.pub})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))
	_, err = loader.Load(context.Background(), f.c.Brand.LogoURI)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "decoded logos are cached")
}

func TestComposerProceedsWithoutLogo(t *testing.T) {
	f := setup(t)
	f.c.Brand.LogoURI = "missing/logo.png"
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))

	branded, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Contains(t, branded.Reasoning, "logo unavailable")
	assert.Len(t, f.pub.OfType(events.TypeBrandComposed), 1)
}

func TestComposerRetriesTransientLogoFailure(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f.c.Brand.LogoURI = srv.URL + "/logo.png"
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Logos: branding.NewLogoLoader(f.blobs, srv.Client()), Publisher: f.pub})

	err := comp.Handle(context.Background(), f.input(t))
	assert.Equal(t, stage.OutcomeRetry, stage.Classify(err))
	assert.Empty(t, f.pub.Sent())
}

func TestComposerWaitsForImage(t *testing.T) {
	f := setup(t)
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub})
	in := f.input(t)
	in.Envelope.AspectRatio = "16x9"

	err := comp.Handle(context.Background(), in)
	assert.Equal(t, stage.OutcomeRetry, stage.Classify(err))
}

func TestComposerRedeliveryRepublishes(t *testing.T) {
	f := setup(t)
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub})
	require.NoError(t, comp.Handle(context.Background(), f.input(t)))
	first, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))
	second, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Len(t, f.pub.OfType(events.TypeBrandComposed), 2)
}

type fakePlacer struct {
	mu          sync.Mutex
	reply       string
	err         error
	block       bool
	calls       int
	image       []byte
	contentType string
}

func (p *fakePlacer) CompleteImageJSON(ctx context.Context, prompt string, image []byte, contentType string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.image = image
	p.contentType = contentType
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.reply, p.err
}

func TestComposerUsesModelPlacement(t *testing.T) {
	f := setup(t)
	f.c.Brand.LogoURI = "file://" + writeLogo(t, f.dir)
	placer := &fakePlacer{reply: `{"position":"top_left","x_percent":0.3,"y_percent":0.2,"scale":0.2,"reasoning":"clear sky at top left"}`}
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub, Placer: placer, PlacementTimeout: time.Second})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))

	branded, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, campaign.LogoPlacement{Position: "top_left", X: 40, Y: 30, Scale: 0.2}, branded.Logo)
	assert.Equal(t, "clear sky at top left", branded.Reasoning)
	assert.Equal(t, 1, placer.calls)
	assert.Equal(t, "image/png", placer.contentType)
	assert.True(t, bytes.HasPrefix(placer.image, []byte("\x89PNG")), "source image sent to the model")

	data, err := f.blobs.Get(context.Background(), branded.Ref)
	require.NoError(t, err)
	img, err := render.Decode(data)
	require.NoError(t, err)
	px := color.RGBAModel.Convert(img.At(branded.Logo.X+2, branded.Logo.Y+2)).(color.RGBA)
	assert.Equal(t, uint8(255), px.R)
	assert.Less(t, px.G, uint8(60))
}

func TestComposerFallsBackWhenPlacementFails(t *testing.T) {
	cases := map[string]struct {
		placer *fakePlacer
		reason string
	}{
		"model error":    {&fakePlacer{err: errors.New("model unavailable")}, "model unavailable"},
		"missing fields": {&fakePlacer{reply: `{"position":"top_left","reasoning":"?"}`}, "x_percent missing"},
		"not json":       {&fakePlacer{reply: "the logo goes top left"}, "decode placement"},
		"timeout":        {&fakePlacer{block: true}, "timed out"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			f.c.Brand.LogoURI = "file://" + writeLogo(t, f.dir)
			comp := branding.New(branding.Deps{
				Store: f.st, Blobs: f.blobs, Publisher: f.pub,
				Placer: tc.placer, PlacementTimeout: 20 * time.Millisecond,
			})

			require.NoError(t, comp.Handle(context.Background(), f.input(t)))

			branded, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
			require.NoError(t, err)
			want := render.ComputeLogoBox(200, 200, 40, 20, render.LogoTopCenter)
			assert.Equal(t, campaign.LogoPlacement{Position: render.LogoTopCenter, X: want.X, Y: want.Y, Scale: 0.15}, branded.Logo)
			assert.Contains(t, branded.Reasoning, "Default top-center placement")
			assert.Contains(t, branded.Reasoning, tc.reason)
			assert.Len(t, f.pub.OfType(events.TypeBrandComposed), 1)
		})
	}
}

func TestComposerSkipsModelForExplicitPosition(t *testing.T) {
	f := setup(t)
	f.c.Brand.LogoURI = "file://" + writeLogo(t, f.dir)
	f.c.Placement.LogoPosition = "bottom_left"
	placer := &fakePlacer{reply: `{"position":"top_left","x_percent":0.3,"y_percent":0.2,"scale":0.2}`}
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub, Placer: placer})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))

	branded, err := f.st.GetBrandedImage(context.Background(), "cmp-1", "en", "1x1")
	require.NoError(t, err)
	assert.Equal(t, "bottom_left", branded.Logo.Position)
	assert.Zero(t, placer.calls)
}

func TestComposerSkipsModelWithoutLogo(t *testing.T) {
	f := setup(t)
	placer := &fakePlacer{}
	comp := branding.New(branding.Deps{Store: f.st, Blobs: f.blobs, Publisher: f.pub, Placer: placer})

	require.NoError(t, comp.Handle(context.Background(), f.input(t)))
	assert.Zero(t, placer.calls)
}
