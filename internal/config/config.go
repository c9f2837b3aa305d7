package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Gateway contains HTTP ingress settings.
type Gateway struct {
	Bind        string `toml:"bind"`
	BodyLimitKB int    `toml:"body_limit_kb"`
}

// Bus selects and configures the durable message bus.
type Bus struct {
	Backend               string `toml:"backend"`
	SQLitePath            string `toml:"sqlite_path"`
	NATSURL               string `toml:"nats_url"`
	PollIntervalMS        int    `toml:"poll_interval_ms"`
	PublishTimeoutSeconds int    `toml:"publish_timeout_seconds"`
	// RetentionHours bounds how long acked and parked messages are kept.
	RetentionHours int `toml:"retention_hours"`
}

// Retention returns the message retention window.
func (b Bus) Retention() time.Duration {
	return time.Duration(b.RetentionHours) * time.Hour
}

// Store selects and configures the campaign document store.
type Store struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	MongoURL      string `toml:"mongo_url"`
	MongoDatabase string `toml:"mongo_database"`
}

// Blob configures artifact storage.
type Blob struct {
	Backend          string `toml:"backend"`
	Dir              string `toml:"dir"`
	Bucket           string `toml:"bucket"`
	Region           string `toml:"region"`
	Endpoint         string `toml:"endpoint"`
	ExternalEndpoint string `toml:"external_endpoint"`
	AccessKeyID      string `toml:"access_key_id"`
	SecretAccessKey  string `toml:"secret_access_key"`
	PresignTTLHours  int    `toml:"presign_ttl_hours"`
}

// Claims configures the attempt ledger consulted before expensive external calls.
type Claims struct {
	Backend    string `toml:"backend"`
	RedisAddr  string `toml:"redis_addr"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// LLM contains text generation connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

// Images contains image generation connection settings. Empty connection
// fields fall back to [llm].
type Images struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Quality        string `toml:"quality"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

// Branding configures logo placement. With smart placement on, a vision model
// picks the logo anchor and scale for each image; the fixed top-center layout
// is the fallback.
type Branding struct {
	SmartPlacement          bool   `toml:"smart_placement"`
	PlacementModel          string `toml:"placement_model"`
	PlacementTimeoutSeconds int    `toml:"placement_timeout_seconds"`
}

// Stage contains the delivery policy for one pipeline stage.
type Stage struct {
	AckWaitSeconds  int `toml:"ack_wait_seconds"`
	MaxDeliver      int `toml:"max_deliver"`
	Workers         int `toml:"workers"`
	NakDelaySeconds int `toml:"nak_delay_seconds"`
}

// AckWait returns the visibility timeout as a duration.
func (s Stage) AckWait() time.Duration {
	return time.Duration(s.AckWaitSeconds) * time.Second
}

// NakDelay returns the base redelivery delay as a duration.
func (s Stage) NakDelay() time.Duration {
	return time.Duration(s.NakDelaySeconds) * time.Second
}

// Stages groups per-stage delivery policy.
type Stages struct {
	Enrichment Stage `toml:"enrichment"`
	Creative   Stage `toml:"creative"`
	Imaging    Stage `toml:"imaging"`
	Branding   Stage `toml:"branding"`
	Overlay    Stage `toml:"overlay"`
}

// Pipeline contains cross-stage behaviour knobs.
type Pipeline struct {
	FenceFailed       bool `toml:"fence_failed"`
	StaleAfterMinutes int  `toml:"stale_after_minutes"`
	StaleScanSeconds  int  `toml:"stale_scan_seconds"`
}

// StaleAfter returns the inactivity threshold after which a processing campaign is reported stalled.
func (p Pipeline) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMinutes) * time.Minute
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration values for creativepipe.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Gateway: HTTP ingress bind address
//   - Bus: sqlite or NATS JetStream message bus
//   - Store: sqlite or MongoDB campaign store
//   - Blob: filesystem or S3 artifact storage
//   - Claims: attempt ledger for paid external calls
//   - LLM / Images: generative API connections
//   - Branding: vision-model logo placement
//   - Stages: per-stage ack_wait, max_deliver, and worker counts
//   - Pipeline: fencing and staleness detection
//   - Notifications: ntfy alerts
//   - Logging: log format, level, and rotation
type Config struct {
	Paths         Paths         `toml:"paths"`
	Gateway       Gateway       `toml:"gateway"`
	Bus           Bus           `toml:"bus"`
	Store         Store         `toml:"store"`
	Blob          Blob          `toml:"blob"`
	Claims        Claims        `toml:"claims"`
	LLM           LLM           `toml:"llm"`
	Images        Images        `toml:"images"`
	Branding      Branding      `toml:"branding"`
	Stages        Stages        `toml:"stages"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/creativepipe/config.toml")
}

// Load locates, parses, and validates a configuration file. A .env file in the
// working directory is loaded first so environment fallbacks can see it.
func Load(path string) (*Config, string, bool, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("creativepipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Blob.Backend == BlobFS {
		dirs = append(dirs, c.Blob.Dir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Stage returns the delivery policy for the named stage.
func (c *Config) Stage(name string) (Stage, bool) {
	switch name {
	case "enrichment":
		return c.Stages.Enrichment, true
	case "creative":
		return c.Stages.Creative, true
	case "imaging":
		return c.Stages.Imaging, true
	case "branding":
		return c.Stages.Branding, true
	case "overlay":
		return c.Stages.Overlay, true
	default:
		return Stage{}, false
	}
}

// PresignTTL returns the lifetime of presigned artifact links.
func (c *Config) PresignTTL() time.Duration {
	return time.Duration(c.Blob.PresignTTLHours) * time.Hour
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
