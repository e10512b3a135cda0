// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/legacyvault/legacyvault/internal/model"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Cache (Redis)
	RedisURL      string `env:"REDIS_URL,required"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// Public base URL used in check-in response and disclosure links
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Tokens
	JWTSecret       string        `env:"JWT_SECRET,required"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"legacyvault"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	// OTP
	OTPPeriod       time.Duration `env:"OTP_PERIOD" envDefault:"5m"`
	OTPResendLimit  int           `env:"OTP_RESEND_LIMIT" envDefault:"3"`
	OTPResendWindow time.Duration `env:"OTP_RESEND_WINDOW" envDefault:"10m"`
	OTPVerifyLimit  int           `env:"OTP_VERIFY_LIMIT" envDefault:"5"`
	OTPVerifyWindow time.Duration `env:"OTP_VERIFY_WINDOW" envDefault:"15m"`

	// Rate limiting
	RateLimitAPIEnabled  bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitAPIRPS      int  `env:"RATE_LIMIT_API_RPS" envDefault:"20"`
	RateLimitAPIBurst    int  `env:"RATE_LIMIT_API_BURST" envDefault:"40"`
	RateLimitAuthEnabled bool `env:"RATE_LIMIT_AUTH_ENABLED" envDefault:"true"`
	RateLimitAuthRPS     int  `env:"RATE_LIMIT_AUTH_RPS" envDefault:"2"`
	RateLimitAuthBurst   int  `env:"RATE_LIMIT_AUTH_BURST" envDefault:"10"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Default inactivity policy applied at signup
	PolicyCheckInThreshold int           `env:"POLICY_CHECK_IN_THRESHOLD" envDefault:"3"`
	PolicyInterval         time.Duration `env:"POLICY_INTERVAL" envDefault:"720h"`
	PolicyResponseTimeout  time.Duration `env:"POLICY_RESPONSE_TIMEOUT" envDefault:"72h"`
	PolicyGracePeriod      time.Duration `env:"POLICY_GRACE_PERIOD" envDefault:"48h"`
	PolicyChannels         []string      `env:"POLICY_CHANNELS" envDefault:"email,sms,push,voice" envSeparator:","`

	// Product decision: cancelling a confirmed case stops unexecuted releases
	AllowPostConfirmationCancel bool `env:"ALLOW_POST_CONFIRMATION_CANCEL" envDefault:"true"`

	// Background workers
	EvaluatorInterval  time.Duration `env:"EVALUATOR_INTERVAL" envDefault:"30s"`
	EvaluatorBatchSize int           `env:"EVALUATOR_BATCH_SIZE" envDefault:"100"`
	DispatchInterval   time.Duration `env:"DISPATCH_INTERVAL" envDefault:"5s"`
	DispatchBatchSize  int           `env:"DISPATCH_BATCH_SIZE" envDefault:"50"`
	DispatchWorkers    int           `env:"DISPATCH_WORKERS" envDefault:"8"`
	ReleaseInterval    time.Duration `env:"RELEASE_INTERVAL" envDefault:"15s"`
	ReleaseBatchSize   int           `env:"RELEASE_BATCH_SIZE" envDefault:"50"`
	UserLockTTL        time.Duration `env:"USER_LOCK_TTL" envDefault:"30s"`

	// Activity heartbeat stream
	ActivityEnabled    bool          `env:"ACTIVITY_ENABLED" envDefault:"true"`
	ActivityBufferSize int           `env:"ACTIVITY_BUFFER_SIZE" envDefault:"1000"`
	ActivityBatchSize  int           `env:"ACTIVITY_BATCH_SIZE" envDefault:"200"`
	ActivityBlock      time.Duration `env:"ACTIVITY_BLOCK" envDefault:"2s"`

	// Notification transports
	TemplatesPath    string        `env:"TEMPLATES_PATH" envDefault:""`
	SMTPHost         string        `env:"SMTP_HOST" envDefault:""`
	SMTPPort         int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername     string        `env:"SMTP_USERNAME" envDefault:""`
	SMTPPassword     string        `env:"SMTP_PASSWORD" envDefault:""`
	SMTPFrom         string        `env:"SMTP_FROM" envDefault:"LegacyVault <no-reply@legacyvault.local>"`
	SMSGatewayURL    string        `env:"SMS_GATEWAY_URL" envDefault:""`
	VoiceGatewayURL  string        `env:"VOICE_GATEWAY_URL" envDefault:""`
	PushGatewayURL   string        `env:"PUSH_GATEWAY_URL" envDefault:""`
	GatewaySecret    string        `env:"GATEWAY_SECRET" envDefault:""`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	ChannelRateLimit float64       `env:"CHANNEL_RATE_LIMIT" envDefault:"10"`
	ChannelRateBurst int           `env:"CHANNEL_RATE_BURST" envDefault:"20"`
	LogChannelsInDev bool          `env:"LOG_CHANNELS_IN_DEV" envDefault:"true"`

	// Asset object storage (S3 compatible)
	S3Endpoint        string        `env:"S3_ENDPOINT" envDefault:""`
	S3Region          string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket          string        `env:"S3_BUCKET" envDefault:"legacyvault-assets"`
	S3AccessKeyID     string        `env:"S3_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string        `env:"S3_SECRET_ACCESS_KEY" envDefault:""`
	S3UsePathStyle    bool          `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	PresignTTL        time.Duration `env:"PRESIGN_TTL" envDefault:"15m"`

	// Nominee identity challenge callback
	IdentityCallbackSecret string `env:"IDENTITY_CALLBACK_SECRET" envDefault:""`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// DefaultPolicy builds the inactivity policy assigned to new users.
func (c *Config) DefaultPolicy() model.InactivityPolicy {
	channels := make([]model.Channel, 0, len(c.PolicyChannels))
	for _, ch := range c.PolicyChannels {
		if trimmed := strings.TrimSpace(ch); trimmed != "" {
			channels = append(channels, model.Channel(trimmed))
		}
	}
	return model.InactivityPolicy{
		Enabled:          true,
		CheckInThreshold: c.PolicyCheckInThreshold,
		Interval:         c.PolicyInterval,
		ResponseTimeout:  c.PolicyResponseTimeout,
		GracePeriod:      c.PolicyGracePeriod,
		Channels:         channels,
	}
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	policy := c.DefaultPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
