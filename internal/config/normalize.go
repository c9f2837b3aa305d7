package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeBus(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	if err := c.normalizeBlob(); err != nil {
		return err
	}
	c.normalizeClaims()
	c.normalizeGenerators()
	c.normalizeNotifications()
	return c.normalizeLogging()
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Gateway.Bind = strings.TrimSpace(c.Gateway.Bind)
	if c.Gateway.Bind == "" {
		c.Gateway.Bind = defaultGatewayBind
	}
	if c.Gateway.BodyLimitKB <= 0 {
		c.Gateway.BodyLimitKB = defaultBodyLimitKB
	}
	return nil
}

func (c *Config) normalizeBus() error {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = BusSQLite
	}
	if value, ok := lookupEnv("NATS_URL"); ok {
		c.Bus.NATSURL = value
		if c.Bus.Backend == BusSQLite && strings.TrimSpace(c.Bus.SQLitePath) == "" {
			c.Bus.Backend = BusNATS
		}
	}
	c.Bus.NATSURL = strings.TrimSpace(c.Bus.NATSURL)
	if c.Bus.NATSURL == "" {
		c.Bus.NATSURL = defaultNATSURL
	}
	if strings.TrimSpace(c.Bus.SQLitePath) == "" {
		c.Bus.SQLitePath = filepath.Join(c.Paths.DataDir, "bus.db")
	}
	var err error
	if c.Bus.SQLitePath, err = expandPath(c.Bus.SQLitePath); err != nil {
		return fmt.Errorf("bus.sqlite_path: %w", err)
	}
	if c.Bus.PollIntervalMS <= 0 {
		c.Bus.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Bus.PublishTimeoutSeconds <= 0 {
		c.Bus.PublishTimeoutSeconds = defaultPublishTimeout
	}
	if c.Bus.RetentionHours <= 0 {
		c.Bus.RetentionHours = defaultRetentionHours
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = StoreSQLite
	}
	if value, ok := lookupEnv("MONGODB_URL"); ok {
		c.Store.MongoURL = value
		if c.Store.Backend == StoreSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
			c.Store.Backend = StoreMongo
		}
	}
	if value, ok := lookupEnv("MONGODB_DB_NAME"); ok {
		c.Store.MongoDatabase = value
	}
	if strings.TrimSpace(c.Store.MongoDatabase) == "" {
		c.Store.MongoDatabase = defaultMongoDatabase
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, "campaigns.db")
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeBlob() error {
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobFS
	}
	if value, ok := lookupEnv("S3_ENDPOINT_URL"); ok {
		c.Blob.Endpoint = value
	}
	if value, ok := lookupEnv("S3_EXTERNAL_ENDPOINT_URL"); ok {
		c.Blob.ExternalEndpoint = value
	}
	if value, ok := lookupEnv("S3_ACCESS_KEY_ID"); ok {
		c.Blob.AccessKeyID = value
	}
	if value, ok := lookupEnv("S3_SECRET_ACCESS_KEY"); ok {
		c.Blob.SecretAccessKey = value
	}
	if value, ok := lookupEnv("S3_BUCKET_NAME"); ok {
		c.Blob.Bucket = value
	}
	if strings.TrimSpace(c.Blob.Bucket) == "" {
		c.Blob.Bucket = defaultBlobBucket
	}
	if strings.TrimSpace(c.Blob.Region) == "" {
		c.Blob.Region = defaultBlobRegion
	}
	if strings.TrimSpace(c.Blob.ExternalEndpoint) == "" {
		c.Blob.ExternalEndpoint = c.Blob.Endpoint
	}
	if c.Blob.PresignTTLHours <= 0 {
		c.Blob.PresignTTLHours = defaultPresignTTLHours
	}
	if strings.TrimSpace(c.Blob.Dir) == "" {
		c.Blob.Dir = filepath.Join(c.Paths.DataDir, "blobs")
	}
	var err error
	if c.Blob.Dir, err = expandPath(c.Blob.Dir); err != nil {
		return fmt.Errorf("blob.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeClaims() {
	c.Claims.Backend = strings.ToLower(strings.TrimSpace(c.Claims.Backend))
	if c.Claims.Backend == "" {
		c.Claims.Backend = ClaimsStore
	}
	if value, ok := lookupEnv("REDIS_ADDR"); ok {
		c.Claims.RedisAddr = value
	}
	if c.Claims.TTLSeconds <= 0 {
		c.Claims.TTLSeconds = defaultClaimTTLSeconds
	}
}

func (c *Config) normalizeGenerators() {
	if value, ok := lookupEnv("OPENAI_API_KEY"); ok && strings.TrimSpace(c.LLM.APIKey) == "" {
		c.LLM.APIKey = value
	}
	if value, ok := lookupEnv("OPENAI_TEXT_MODEL"); ok {
		c.LLM.Model = value
	}
	if value, ok := lookupEnv("OPENAI_IMAGE_MODEL"); ok {
		c.Images.Model = value
	}
	if value, ok := lookupEnv("OPENAI_IMAGE_QUALITY"); ok {
		c.Images.Quality = value
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	c.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(c.LLM.BaseURL), "/")
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		c.LLM.Model = defaultLLMModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if c.LLM.RetryAttempts <= 0 {
		c.LLM.RetryAttempts = defaultLLMRetryAttempts
	}

	// Image generation shares the [llm] connection unless overridden.
	if strings.TrimSpace(c.Images.APIKey) == "" {
		c.Images.APIKey = c.LLM.APIKey
	}
	c.Images.BaseURL = strings.TrimRight(strings.TrimSpace(c.Images.BaseURL), "/")
	if c.Images.BaseURL == "" {
		c.Images.BaseURL = c.LLM.BaseURL
	}
	if strings.TrimSpace(c.Images.Model) == "" {
		c.Images.Model = defaultImageModel
	}
	if strings.TrimSpace(c.Images.Quality) == "" {
		c.Images.Quality = defaultImageQuality
	}
	if c.Images.TimeoutSeconds <= 0 {
		c.Images.TimeoutSeconds = defaultImageTimeoutSeconds
	}
	if c.Images.RetryAttempts <= 0 {
		c.Images.RetryAttempts = defaultImageRetryAttempts
	}

	if strings.TrimSpace(c.Branding.PlacementModel) == "" {
		c.Branding.PlacementModel = c.LLM.Model
	}
	if c.Branding.PlacementTimeoutSeconds <= 0 {
		c.Branding.PlacementTimeoutSeconds = defaultPlacementTimeout
	}
}

func (c *Config) normalizeNotifications() {
	if value, ok := lookupEnv("NTFY_TOPIC"); ok && strings.TrimSpace(c.Notifications.NtfyTopic) == "" {
		c.Notifications.NtfyTopic = value
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() error {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text":
		c.Logging.Format = "console"
	case "json":
		c.Logging.Format = "json"
	default:
		c.Logging.Format = format
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Logging.File) != "" {
		path := c.Logging.File
		if !filepath.IsAbs(path) && !strings.HasPrefix(path, "~") {
			path = filepath.Join(c.Paths.LogDir, path)
		}
		expanded, err := expandPath(path)
		if err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
		c.Logging.File = expanded
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
