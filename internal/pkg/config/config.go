package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Holds all the configuration fields for the detection service.
type Config struct {
	// Basic server settings
	ServerPort    string `mapstructure:"SERVER_PORT"`
	QueueCapacity int    `mapstructure:"QUEUE_CAPACITY"`
	NumWorkers    int    `mapstructure:"NUM_WORKERS"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	// Polling
	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	FetchLimit   int           `mapstructure:"FETCH_LIMIT"`

	// Fingerprinting
	ShingleSize    int `mapstructure:"SHINGLE_SIZE"`
	MinhashK       int `mapstructure:"MINHASH_K"`
	MinhashBands   int `mapstructure:"MINHASH_BANDS"`
	MinBandMatches int `mapstructure:"MIN_BAND_MATCHES"`

	// Duplicate index retention
	Retention        time.Duration `mapstructure:"RETENTION"`
	MaxSightings     int           `mapstructure:"MAX_SIGHTINGS"`
	MaxBucketSize    int           `mapstructure:"MAX_BUCKET_SIZE"`
	EvictionSchedule string        `mapstructure:"EVICTION_SCHEDULE"`

	// Scoring
	RepostThreshold        float64       `mapstructure:"REPOST_THRESHOLD"`
	ScamThreshold          float64       `mapstructure:"SCAM_THRESHOLD"`
	PreferScamOnTie        bool          `mapstructure:"PREFER_SCAM_ON_TIE"`
	ExcludeSameAuthor      bool          `mapstructure:"EXCLUDE_SAME_AUTHOR"`
	AgeScale               time.Duration `mapstructure:"AGE_SCALE"`
	ScoreScale             float64       `mapstructure:"SCORE_SCALE"`
	RecencyFloor           float64       `mapstructure:"RECENCY_FLOOR"`
	AccountAgeWeight       float64       `mapstructure:"ACCOUNT_AGE_WEIGHT"`
	CoordinationMinAuthors int           `mapstructure:"COORDINATION_MIN_AUTHORS"`
	CoordinationBoost      float64       `mapstructure:"COORDINATION_BOOST"`
	CoordinationWindow     time.Duration `mapstructure:"COORDINATION_WINDOW"`

	// Config files
	TemplatesPath string `mapstructure:"TEMPLATES_PATH"`
	PoliciesPath  string `mapstructure:"POLICIES_PATH"`

	// Persisted state
	StoreBackend   string `mapstructure:"STORE_BACKEND"`
	RedisHost      string `mapstructure:"REDIS_HOST"`
	RedisPort      string `mapstructure:"REDIS_PORT"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// Verdict audit log (empty URL disables it)
	ElasticsearchURL string `mapstructure:"ELASTICSEARCH_URL"`
	AuditIndexName   string `mapstructure:"AUDIT_INDEX_NAME"`
	BulkThreshold    int    `mapstructure:"BULK_THRESHOLD"`
	FlushInterval    int    `mapstructure:"FLUSH_INTERVAL"`
	MaxRetries       int    `mapstructure:"MAX_RETRIES"`

	// Platform API
	PlatformBaseURL   string        `mapstructure:"PLATFORM_BASE_URL"`
	PlatformToken     string        `mapstructure:"PLATFORM_TOKEN"`
	PlatformUserAgent string        `mapstructure:"PLATFORM_USER_AGENT"`
	PlatformRate      float64       `mapstructure:"PLATFORM_RATE"`
	PlatformBurst     int           `mapstructure:"PLATFORM_BURST"`
	PlatformTimeout   time.Duration `mapstructure:"PLATFORM_TIMEOUT"`
	ResolveShorteners bool          `mapstructure:"RESOLVE_SHORTENERS"`
	BotUsername       string        `mapstructure:"BOT_USERNAME"`
}

// Reads configuration from environment variables on top of the defaults below.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("QUEUE_CAPACITY", 1000)
	v.SetDefault("NUM_WORKERS", 4)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("POLL_INTERVAL", time.Minute)
	v.SetDefault("FETCH_LIMIT", 100)

	v.SetDefault("SHINGLE_SIZE", 5)
	v.SetDefault("MINHASH_K", 128)
	v.SetDefault("MINHASH_BANDS", 32)
	v.SetDefault("MIN_BAND_MATCHES", 1)

	v.SetDefault("RETENTION", 90*24*time.Hour)
	v.SetDefault("MAX_SIGHTINGS", 500000)
	v.SetDefault("MAX_BUCKET_SIZE", 256)
	v.SetDefault("EVICTION_SCHEDULE", "*/15 * * * *")

	v.SetDefault("REPOST_THRESHOLD", 0.6)
	v.SetDefault("SCAM_THRESHOLD", 0.7)
	v.SetDefault("PREFER_SCAM_ON_TIE", false)
	v.SetDefault("EXCLUDE_SAME_AUTHOR", true)
	v.SetDefault("AGE_SCALE", 30*24*time.Hour)
	v.SetDefault("SCORE_SCALE", 100.0)
	v.SetDefault("RECENCY_FLOOR", 0.25)
	v.SetDefault("ACCOUNT_AGE_WEIGHT", 0.15)
	v.SetDefault("COORDINATION_MIN_AUTHORS", 3)
	v.SetDefault("COORDINATION_BOOST", 0.15)
	v.SetDefault("COORDINATION_WINDOW", 7*24*time.Hour)

	v.SetDefault("TEMPLATES_PATH", "templates.yaml")
	v.SetDefault("POLICIES_PATH", "policies.yaml")

	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "karmaguard")

	v.SetDefault("ELASTICSEARCH_URL", "")
	v.SetDefault("AUDIT_INDEX_NAME", "karmaguard_verdicts")
	v.SetDefault("BULK_THRESHOLD", 50)
	v.SetDefault("FLUSH_INTERVAL", 30)
	v.SetDefault("MAX_RETRIES", 3)

	v.SetDefault("PLATFORM_BASE_URL", "https://oauth.reddit.com")
	v.SetDefault("PLATFORM_TOKEN", "")
	v.SetDefault("PLATFORM_USER_AGENT", "script:karmaguard:v0.1")
	v.SetDefault("PLATFORM_RATE", 1.0)
	v.SetDefault("PLATFORM_BURST", 5)
	v.SetDefault("PLATFORM_TIMEOUT", 10*time.Second)
	v.SetDefault("RESOLVE_SHORTENERS", false)
	v.SetDefault("BOT_USERNAME", "karmaguard")

	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.NumWorkers <= 0 {
		return fmt.Errorf("NUM_WORKERS must be > 0")
	}
	if c.ShingleSize <= 0 {
		return fmt.Errorf("SHINGLE_SIZE must be > 0")
	}
	if c.MinhashK <= 0 || c.MinhashBands <= 0 || c.MinhashK%c.MinhashBands != 0 {
		return fmt.Errorf("MINHASH_K (%d) must be a positive multiple of MINHASH_BANDS (%d)", c.MinhashK, c.MinhashBands)
	}
	if c.MinBandMatches < 1 || c.MinBandMatches > c.MinhashBands {
		return fmt.Errorf("MIN_BAND_MATCHES must be between 1 and MINHASH_BANDS")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("RETENTION must be > 0")
	}
	for name, value := range map[string]float64{
		"REPOST_THRESHOLD": c.RepostThreshold,
		"SCAM_THRESHOLD":   c.ScamThreshold,
		"RECENCY_FLOOR":    c.RecencyFloor,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be within [0,1], got %f", name, value)
		}
	}
	switch c.StoreBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.StoreBackend)
	}
	return nil
}
