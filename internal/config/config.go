package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFile           string        `mapstructure:"LOG_FILE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthTokenTTL      time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	StorageEndpoint   string        `mapstructure:"STORAGE_ENDPOINT"`
	StorageAccessKey  string        `mapstructure:"STORAGE_ACCESS_KEY"`
	StorageSecretKey  string        `mapstructure:"STORAGE_SECRET_KEY"`
	StorageBucket     string        `mapstructure:"STORAGE_BUCKET"`
	StorageUseTLS     bool          `mapstructure:"STORAGE_USE_TLS"`
	StoragePublicURL  string        `mapstructure:"STORAGE_PUBLIC_URL"`
	ProcessorURL      string        `mapstructure:"PROCESSOR_URL"`
	ProcessorMode     string        `mapstructure:"PROCESSOR_MODE"`
	ProcessorTimeout  time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`
	AppURL            string        `mapstructure:"APP_URL"`
	EmailAPIURL       string        `mapstructure:"EMAIL_API_URL"`
	EmailAPIKey       string        `mapstructure:"EMAIL_API_KEY"`
	EmailFrom         string        `mapstructure:"EMAIL_FROM"`
	AMQPURL           string        `mapstructure:"AMQP_URL"`
	InvitationTTL     time.Duration `mapstructure:"INVITATION_TTL"`
	UploadConcurrency int           `mapstructure:"UPLOAD_CONCURRENCY"`
	MaxUploadSize     int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	RefreshSchedule   string        `mapstructure:"REFRESH_SCHEDULE"`
	PurgeSchedule     string        `mapstructure:"PURGE_SCHEDULE"`
	ProcessingTimeout time.Duration `mapstructure:"PROCESSING_TIMEOUT"`
	TLSEnabled        bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile       string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string        `mapstructure:"TLS_KEY_FILE"`
}

// devSigningKey is only accepted when ENV=development.
const devSigningKey = "meddocs-development-signing-key"

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_TOKEN_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"STORAGE_ENDPOINT", "STORAGE_ACCESS_KEY", "STORAGE_SECRET_KEY", "STORAGE_BUCKET",
	"STORAGE_USE_TLS", "STORAGE_PUBLIC_URL",
	"PROCESSOR_URL", "PROCESSOR_MODE", "PROCESSOR_TIMEOUT",
	"APP_URL", "EMAIL_API_URL", "EMAIL_API_KEY", "EMAIL_FROM", "AMQP_URL",
	"INVITATION_TTL", "UPLOAD_CONCURRENCY", "MAX_UPLOAD_SIZE",
	"REFRESH_SCHEDULE", "PURGE_SCHEDULE", "PROCESSING_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "meddocs")
	v.SetDefault("AUTH_TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("STORAGE_BUCKET", "documents")
	v.SetDefault("PROCESSOR_URL", "http://localhost:5000")
	v.SetDefault("PROCESSOR_MODE", "multipart")
	v.SetDefault("PROCESSOR_TIMEOUT", "120s")
	v.SetDefault("APP_URL", "http://localhost:3000")
	v.SetDefault("EMAIL_FROM", "MedDocs <noreply@meddocs.local>")
	v.SetDefault("INVITATION_TTL", "168h")
	v.SetDefault("UPLOAD_CONCURRENCY", 4)
	v.SetDefault("MAX_UPLOAD_SIZE", 50<<20)
	v.SetDefault("REFRESH_SCHEDULE", "@every 1m")
	v.SetDefault("PURGE_SCHEDULE", "@hourly")
	v.SetDefault("PROCESSING_TIMEOUT", "1h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Warn().Msg("AUTH_SIGNING_KEY not set, using the development signing key")
		cfg.AuthSigningKey = devSigningKey
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
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

// StorageEnabled reports whether an S3-compatible endpoint is configured.
// Without one the server keeps blobs in memory.
func (c *Config) StorageEnabled() bool {
	return c.StorageEndpoint != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	if !c.IsDev() && c.AuthSigningKey == devSigningKey {
		return fmt.Errorf("AUTH_SIGNING_KEY must not be the development key when ENV=%q", c.Env)
	}
	if len(c.AuthSigningKey) < 16 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 16 characters")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be positive")
	}
	if c.ProcessorMode != "multipart" && c.ProcessorMode != "json" {
		return fmt.Errorf("PROCESSOR_MODE must be \"multipart\" or \"json\", got %q", c.ProcessorMode)
	}
	if c.InvitationTTL <= 0 {
		return fmt.Errorf("INVITATION_TTL must be positive")
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1")
	}
	if c.StorageEnabled() && (c.StorageAccessKey == "" || c.StorageSecretKey == "") {
		return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_ENDPOINT is set")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
