package testsupport

import (
	"context"
	"testing"
	"time"

	"creativepipe/internal/campaign"
	"creativepipe/internal/config"
	"creativepipe/internal/store/sqlitestore"
)

// MustOpenStore opens the sqlite campaign store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sqlitestore.Store {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	st, err := sqlitestore.Open(cfg.Store.SQLitePath)
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewCampaign builds a prepared two-product campaign over locales x ratios.
func NewCampaign(t testing.TB, id string, locales, ratios []string) *campaign.Campaign {
	t.Helper()

	c := &campaign.Campaign{
		ID: id,
		Products: []campaign.Product{
			{ID: "p1", Name: "Hydra Serum"},
			{ID: "p2", Name: "Glow Mist"},
		},
		TargetLocales: locales,
		Audience:      campaign.Audience{Region: "US", Audience: "young professionals", AgeMin: 25, AgeMax: 40},
		Messages:      map[string]string{"en": "Glow all day"},
		Brand: campaign.Brand{
			BannedWords: map[string][]string{"en": {"cheap"}},
		},
		Output: campaign.OutputSpec{AspectRatios: ratios},
	}
	if err := c.Prepare("corr-"+id, time.Now()); err != nil {
		t.Fatalf("prepare campaign: %v", err)
	}
	return c
}

// MustCreateCampaign persists a campaign built by NewCampaign.
func MustCreateCampaign(t testing.TB, st *sqlitestore.Store, id string, locales, ratios []string) *campaign.Campaign {
	t.Helper()

	c := NewCampaign(t, id, locales, ratios)
	if err := st.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}
