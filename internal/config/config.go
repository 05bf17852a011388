package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int    `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	MaxUploadBytes      int64    `mapstructure:"MAX_UPLOAD_BYTES"`
	AcceptedFormats     []string `mapstructure:"ACCEPTED_FORMATS"`
	ConfidenceThreshold float64  `mapstructure:"CONFIDENCE_THRESHOLD"`
	MinEntities         int      `mapstructure:"MIN_ENTITIES"`

	ExtractionURL  string `mapstructure:"EXTRACTION_URL"`
	InteractionURL string `mapstructure:"INTERACTION_URL"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMultiplier  float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetryJitter      float64       `mapstructure:"RETRY_JITTER"`
	CallTimeout      time.Duration `mapstructure:"CALL_TIMEOUT"`
	BreakerThreshold int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `mapstructure:"BREAKER_COOLDOWN"`

	InteractionCacheTTL  time.Duration `mapstructure:"INTERACTION_CACHE_TTL"`
	InteractionCachePath string        `mapstructure:"INTERACTION_CACHE_PATH"`

	StageTimeout    time.Duration `mapstructure:"STAGE_TIMEOUT"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	PipelineWorkers int           `mapstructure:"PIPELINE_WORKERS"`
	CommitAttempts  int           `mapstructure:"COMMIT_ATTEMPTS"`

	BlobBackend string `mapstructure:"BLOB_BACKEND"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Prefix    string `mapstructure:"S3_PREFIX"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_SCHEMA", "HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION",
	"HIPAA_PREVIOUS_KEYS", "MAX_UPLOAD_BYTES", "ACCEPTED_FORMATS",
	"CONFIDENCE_THRESHOLD", "MIN_ENTITIES", "EXTRACTION_URL",
	"INTERACTION_URL", "RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY",
	"RETRY_MULTIPLIER", "RETRY_MAX_DELAY", "RETRY_JITTER", "CALL_TIMEOUT",
	"BREAKER_THRESHOLD", "BREAKER_COOLDOWN", "INTERACTION_CACHE_TTL",
	"INTERACTION_CACHE_PATH", "STAGE_TIMEOUT", "SWEEP_INTERVAL",
	"PIPELINE_WORKERS", "COMMIT_ATTEMPTS", "BLOB_BACKEND", "S3_BUCKET",
	"S3_PREFIX", "KAFKA_BROKERS", "KAFKA_TOPIC",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "healthvault")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("ACCEPTED_FORMATS", "image/jpeg,image/png,image/webp,image/heic,application/pdf")
	v.SetDefault("CONFIDENCE_THRESHOLD", 0.6)
	v.SetDefault("MIN_ENTITIES", 1)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", 200*time.Millisecond)
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", 5*time.Second)
	v.SetDefault("RETRY_JITTER", 0.2)
	v.SetDefault("CALL_TIMEOUT", 10*time.Second)
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", 30*time.Second)
	v.SetDefault("INTERACTION_CACHE_TTL", 24*time.Hour)
	v.SetDefault("STAGE_TIMEOUT", 2*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", 30*time.Second)
	v.SetDefault("PIPELINE_WORKERS", 8)
	v.SetDefault("COMMIT_ATTEMPTS", 3)
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("S3_PREFIX", "documents/")
	v.SetDefault("KAFKA_TOPIC", "healthvault.events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AcceptedFormats = splitList(v.GetString("ACCEPTED_FORMATS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: unauthenticated requests act as a fixed user.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development gives "development" and
// everything else gives "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// KafkaBrokerList returns the configured brokers, or nil when Kafka is off.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_JWKS_URL, AUTH_ISSUER or AUTH_SIGNING_KEY")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.HIPAAKeyVersion < 1 {
		return fmt.Errorf("HIPAA_KEY_VERSION must be at least 1, got %d", c.HIPAAKeyVersion)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if len(c.AcceptedFormats) == 0 {
		return fmt.Errorf("ACCEPTED_FORMATS must list at least one content type")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MinEntities < 0 {
		return fmt.Errorf("MIN_ENTITIES must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}
	if c.CommitAttempts < 1 {
		return fmt.Errorf("COMMIT_ATTEMPTS must be at least 1")
	}

	switch c.BlobBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("BLOB_BACKEND=memory is not allowed in production")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is s3")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	return nil
}
