package testsupport

import (
	"path/filepath"
	"testing"

	"creativepipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Every backend defaults to its embedded variant so tests need no services.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Gateway.Bind = "127.0.0.1:0"
	cfgVal.Bus.Backend = config.BusSQLite
	cfgVal.Bus.SQLitePath = filepath.Join(base, "data", "bus.db")
	cfgVal.Bus.PollIntervalMS = 20
	cfgVal.Store.Backend = config.StoreSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "campaigns.db")
	cfgVal.Blob.Backend = config.BlobFS
	cfgVal.Blob.Dir = filepath.Join(base, "blobs")
	cfgVal.Claims.Backend = config.ClaimsStore
	cfgVal.LLM.APIKey = "test"
	cfgVal.Images.APIKey = "test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithNtfyTopic points notifications at topic.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// WithFastStages shrinks every stage's redelivery delay so retry paths run
// inside a test timeout.
func WithFastStages() ConfigOption {
	return func(b *configBuilder) {
		for _, s := range []*config.Stage{
			&b.cfg.Stages.Enrichment,
			&b.cfg.Stages.Creative,
			&b.cfg.Stages.Imaging,
			&b.cfg.Stages.Branding,
			&b.cfg.Stages.Overlay,
		} {
			s.NakDelaySeconds = 0
			s.Workers = 2
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
