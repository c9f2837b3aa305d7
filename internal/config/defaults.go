package config

// Backend identifiers.
const (
	BusSQLite   = "sqlite"
	BusNATS     = "nats"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
	BlobFS      = "fs"
	BlobS3      = "s3"
	ClaimsStore = "store"
	ClaimsRedis = "redis"
	ClaimsOff   = "off"
)

const (
	defaultDataDir             = "~/.local/share/creativepipe"
	defaultLogDir              = "~/.local/share/creativepipe/logs"
	defaultGatewayBind         = "127.0.0.1:8080"
	defaultBodyLimitKB         = 256
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultPollIntervalMS      = 250
	defaultPublishTimeout      = 10
	defaultRetentionHours      = 72
	defaultMongoURL            = "mongodb://127.0.0.1:27017"
	defaultMongoDatabase       = "creative_campaign"
	defaultBlobBucket          = "creative-assets"
	defaultBlobRegion          = "us-east-1"
	defaultPresignTTLHours     = 7 * 24
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultClaimTTLSeconds     = 3600
	defaultLLMBaseURL          = "https://api.openai.com/v1"
	defaultLLMModel            = "gpt-4o-mini"
	defaultLLMTimeoutSeconds   = 45
	defaultLLMRetryAttempts    = 4
	defaultImageModel          = "dall-e-3"
	defaultImageQuality        = "standard"
	defaultImageTimeoutSeconds = 120
	defaultImageRetryAttempts  = 3
	defaultPlacementTimeout    = 20
	defaultMaxDeliver          = 3
	defaultNakDelaySeconds     = 5
	defaultTextAckWait         = 200
	defaultImageAckWait        = 400
	defaultStaleAfterMinutes   = 15
	defaultStaleScanSeconds    = 60
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 100
	defaultLogMaxBackups       = 5
	defaultLogMaxAgeDays       = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	textStage := Stage{
		AckWaitSeconds:  defaultTextAckWait,
		MaxDeliver:      defaultMaxDeliver,
		Workers:         2,
		NakDelaySeconds: defaultNakDelaySeconds,
	}
	imageStage := Stage{
		AckWaitSeconds:  defaultImageAckWait,
		MaxDeliver:      defaultMaxDeliver,
		Workers:         2,
		NakDelaySeconds: defaultNakDelaySeconds,
	}
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Gateway: Gateway{
			Bind:        defaultGatewayBind,
			BodyLimitKB: defaultBodyLimitKB,
		},
		Bus: Bus{
			Backend:               BusSQLite,
			NATSURL:               defaultNATSURL,
			PollIntervalMS:        defaultPollIntervalMS,
			PublishTimeoutSeconds: defaultPublishTimeout,
			RetentionHours:        defaultRetentionHours,
		},
		Store: Store{
			Backend:       StoreSQLite,
			MongoURL:      defaultMongoURL,
			MongoDatabase: defaultMongoDatabase,
		},
		Blob: Blob{
			Backend:         BlobFS,
			Bucket:          defaultBlobBucket,
			Region:          defaultBlobRegion,
			PresignTTLHours: defaultPresignTTLHours,
		},
		Claims: Claims{
			Backend:    ClaimsStore,
			RedisAddr:  defaultRedisAddr,
			TTLSeconds: defaultClaimTTLSeconds,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			RetryAttempts:  defaultLLMRetryAttempts,
		},
		Images: Images{
			Model:          defaultImageModel,
			Quality:        defaultImageQuality,
			TimeoutSeconds: defaultImageTimeoutSeconds,
			RetryAttempts:  defaultImageRetryAttempts,
		},
		Branding: Branding{
			SmartPlacement:          true,
			PlacementModel:          defaultLLMModel,
			PlacementTimeoutSeconds: defaultPlacementTimeout,
		},
		Stages: Stages{
			Enrichment: textStage,
			Creative:   textStage,
			Imaging:    imageStage,
			Branding:   imageStage,
			Overlay:    imageStage,
		},
		Pipeline: Pipeline{
			FenceFailed:       true,
			StaleAfterMinutes: defaultStaleAfterMinutes,
			StaleScanSeconds:  defaultStaleScanSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
