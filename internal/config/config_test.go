package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"creativepipe/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_TEXT_MODEL", "OPENAI_IMAGE_MODEL", "OPENAI_IMAGE_QUALITY",
		"NATS_URL", "MONGODB_URL", "MONGODB_DB_NAME", "S3_ENDPOINT_URL", "S3_EXTERNAL_ENDPOINT_URL",
		"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_BUCKET_NAME", "REDIS_ADDR", "NTFY_TOPIC",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultConfigExpandsPathsAndUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "creativepipe")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Bus.SQLitePath != filepath.Join(wantData, "bus.db") {
		t.Fatalf("unexpected bus path: %q", cfg.Bus.SQLitePath)
	}
	if cfg.Store.SQLitePath != filepath.Join(wantData, "campaigns.db") {
		t.Fatalf("unexpected store path: %q", cfg.Store.SQLitePath)
	}
	if cfg.Blob.Dir != filepath.Join(wantData, "blobs") {
		t.Fatalf("unexpected blob dir: %q", cfg.Blob.Dir)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected llm key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.Images.APIKey != "sk-test" {
		t.Fatalf("expected images key to fall back to llm key, got %q", cfg.Images.APIKey)
	}
	if cfg.Stages.Enrichment.AckWaitSeconds != 200 || cfg.Stages.Imaging.AckWaitSeconds != 400 {
		t.Fatalf("unexpected ack waits: %+v", cfg.Stages)
	}
	if cfg.Bus.Retention() != 72*time.Hour {
		t.Fatalf("expected 72h bus retention, got %s", cfg.Bus.Retention())
	}
	if cfg.LLM.RetryAttempts != 4 || cfg.Images.RetryAttempts != 3 {
		t.Fatalf("unexpected retry attempts: llm=%d images=%d", cfg.LLM.RetryAttempts, cfg.Images.RetryAttempts)
	}
	if !cfg.Branding.SmartPlacement || cfg.Branding.PlacementModel != cfg.LLM.Model {
		t.Fatalf("unexpected branding defaults: %+v", cfg.Branding)
	}
	if cfg.Stages.Overlay.MaxDeliver != 3 {
		t.Fatalf("expected max_deliver 3, got %d", cfg.Stages.Overlay.MaxDeliver)
	}
	if cfg.PresignTTL().Hours() != 168 {
		t.Fatalf("expected 7 day presign ttl, got %s", cfg.PresignTTL())
	}
	if !cfg.Pipeline.FenceFailed {
		t.Fatal("expected failed campaigns fenced by default")
	}
	if err := cfg.RequireGenerators(); err != nil {
		t.Fatalf("RequireGenerators: %v", err)
	}
}

func TestEnvSelectsRemoteBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("MONGODB_URL", "mongodb://db:27017")
	t.Setenv("MONGODB_DB_NAME", "campaigns_test")
	t.Setenv("S3_BUCKET_NAME", "assets-test")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Bus.Backend != config.BusNATS || cfg.Bus.NATSURL != "nats://broker:4222" {
		t.Fatalf("expected nats backend from env, got %+v", cfg.Bus)
	}
	if cfg.Store.Backend != config.StoreMongo || cfg.Store.MongoDatabase != "campaigns_test" {
		t.Fatalf("expected mongo backend from env, got %+v", cfg.Store)
	}
	if cfg.Blob.Bucket != "assets-test" {
		t.Fatalf("expected bucket from env, got %q", cfg.Blob.Bucket)
	}
}

func TestLoadCustomConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	custom := config.Default()
	custom.Paths.DataDir = filepath.Join(dir, "data")
	custom.Bus.Backend = "SQLite"
	custom.Stages.Branding.Workers = 4
	custom.Logging.Format = "JSON"
	custom.Logging.File = "pipe.log"

	encoded, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %q, got %q (exists=%v)", path, resolved, exists)
	}
	if cfg.Bus.Backend != config.BusSQLite {
		t.Fatalf("expected backend lowercased, got %q", cfg.Bus.Backend)
	}
	if stage, ok := cfg.Stage("branding"); !ok || stage.Workers != 4 {
		t.Fatalf("unexpected branding stage: %+v", stage)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json format, got %q", cfg.Logging.Format)
	}
	if !strings.HasPrefix(cfg.Logging.File, cfg.Paths.LogDir) {
		t.Fatalf("expected relative log file under log dir, got %q", cfg.Logging.File)
	}
}

func TestValidateRejectsAckWaitBelowGeneratorTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Stages.Imaging.AckWaitSeconds = cfg.Images.TimeoutSeconds
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "stages.imaging.ack_wait_seconds") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsAckWaitBelowRetryBudget(t *testing.T) {
	cfg := config.Default()
	// Longer than one request but shorter than every retry of it.
	cfg.Stages.Creative.AckWaitSeconds = cfg.LLM.TimeoutSeconds * 2
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "stages.creative.ack_wait_seconds") || !strings.Contains(err.Error(), "retry budget") {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.LLM.RetryAttempts = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("single attempt fits in two timeouts: %v", err)
	}
}

func TestRetryBudgetCountsEveryAttemptAndBackoff(t *testing.T) {
	got := config.RetryBudget(3, 10*time.Second, time.Second, 10*time.Second)
	// 3 x 10s plus (1s + 1.5s) backoff with 20% jitter headroom.
	if want := 33 * time.Second; got != want {
		t.Fatalf("RetryBudget = %s, want %s", got, want)
	}
	if got := config.RetryBudget(0, 10*time.Second, time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("zero attempts still makes one call, got %s", got)
	}
	capped := config.RetryBudget(3, 0, 8*time.Second, 10*time.Second)
	// 8s then min(12s, 10s), each with jitter headroom.
	if want := 21600 * time.Millisecond; capped != want {
		t.Fatalf("capped RetryBudget = %s, want %s", capped, want)
	}

	cfg := config.Default()
	if cfg.LLM.RetryBudget() >= cfg.Stages.Enrichment.AckWait() {
		t.Fatalf("default llm budget %s does not fit ack wait %s", cfg.LLM.RetryBudget(), cfg.Stages.Enrichment.AckWait())
	}
	if cfg.Images.RetryBudget() >= cfg.Stages.Imaging.AckWait() {
		t.Fatalf("default image budget %s does not fit ack wait %s", cfg.Images.RetryBudget(), cfg.Stages.Imaging.AckWait())
	}
}

func TestValidateRequiresRetentionBeyondDedupWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.RetentionHours = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "bus.retention_hours") {
		t.Fatalf("expected retention error, got %v", err)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bus", func(c *config.Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"store", func(c *config.Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"blob", func(c *config.Config) { c.Blob.Backend = "gcs" }, "blob.backend"},
		{"claims", func(c *config.Config) { c.Claims.Backend = "memcached" }, "claims.backend"},
		{"max deliver", func(c *config.Config) { c.Stages.Creative.MaxDeliver = 0 }, "max_deliver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestRequireGeneratorsWithoutKey(t *testing.T) {
	cfg := config.Default()
	if err := cfg.RequireGenerators(); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestCreateSampleWritesLoadableConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Store.MongoDatabase != "creative_campaign" {
		t.Fatalf("unexpected mongo database: %q", cfg.Store.MongoDatabase)
	}
}
