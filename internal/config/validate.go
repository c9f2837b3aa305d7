package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DedupWindow is how long a bus remembers published message IDs.
const DedupWindow = 2 * time.Minute

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// RequireGenerators reports whether the generative API credentials are present.
// Only processes that run the enrichment, creative, or imaging stages need them.
func (c *Config) RequireGenerators() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/creativepipe/config.toml"
		}
		return fmt.Errorf("llm.api_key is required. Set OPENAI_API_KEY env var or edit %s (create with 'creativepipe config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateBackends() error {
	switch c.Bus.Backend {
	case BusSQLite, BusNATS:
	default:
		return fmt.Errorf("bus.backend: unsupported value %q (want sqlite or nats)", c.Bus.Backend)
	}
	if c.Bus.Retention() <= DedupWindow {
		return fmt.Errorf("bus.retention_hours must exceed the %s publish dedup window", DedupWindow)
	}
	switch c.Store.Backend {
	case StoreSQLite, StoreMongo:
	default:
		return fmt.Errorf("store.backend: unsupported value %q (want sqlite or mongo)", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case BlobFS:
	case BlobS3:
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			return errors.New("blob.bucket must be set when blob.backend is s3")
		}
	default:
		return fmt.Errorf("blob.backend: unsupported value %q (want fs or s3)", c.Blob.Backend)
	}
	switch c.Claims.Backend {
	case ClaimsStore, ClaimsOff:
	case ClaimsRedis:
		if strings.TrimSpace(c.Claims.RedisAddr) == "" {
			return errors.New("claims.redis_addr must be set when claims.backend is redis")
		}
	default:
		return fmt.Errorf("claims.backend: unsupported value %q (want store, redis, or off)", c.Claims.Backend)
	}
	return nil
}

func (c *Config) validateStages() error {
	checks := []struct {
		name   string
		stage  Stage
		budget time.Duration
	}{
		{"enrichment", c.Stages.Enrichment, c.LLM.RetryBudget()},
		{"creative", c.Stages.Creative, c.LLM.RetryBudget()},
		{"imaging", c.Stages.Imaging, c.Images.RetryBudget()},
		{"branding", c.Stages.Branding, c.Branding.PlacementBudget()},
		{"overlay", c.Stages.Overlay, 0},
	}
	for _, check := range checks {
		if check.stage.AckWaitSeconds <= 0 {
			return fmt.Errorf("stages.%s.ack_wait_seconds must be positive", check.name)
		}
		if check.stage.MaxDeliver < 1 {
			return fmt.Errorf("stages.%s.max_deliver must be at least 1", check.name)
		}
		if check.stage.Workers < 1 {
			return fmt.Errorf("stages.%s.workers must be at least 1", check.name)
		}
		if check.stage.NakDelaySeconds < 0 {
			return fmt.Errorf("stages.%s.nak_delay_seconds must not be negative", check.name)
		}
		// A delivery must outlive every retry of the call it makes.
		if check.budget > 0 && check.stage.AckWait() <= check.budget {
			return fmt.Errorf(
				"stages.%s.ack_wait_seconds (%d) must exceed the generator retry budget (%s)",
				check.name, check.stage.AckWaitSeconds, check.budget,
			)
		}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StaleAfterMinutes <= 0 {
		return errors.New("pipeline.stale_after_minutes must be positive")
	}
	if c.Pipeline.StaleScanSeconds < 0 {
		return errors.New("pipeline.stale_scan_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
