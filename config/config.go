package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-this-secret-key"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	API      APIConfig      `mapstructure:"api"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Content  ContentConfig  `mapstructure:"content"`
	Session  SessionConfig  `mapstructure:"session"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Payments PaymentsConfig `mapstructure:"payments"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

type APIConfig struct {
	RateLimitPerSec int `mapstructure:"rate_limit_per_second"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GatewayConfig selects the ledger. Mode "mock" runs against the in-process
// ledger; "lotus" dials a Lotus JSON-RPC endpoint.
type GatewayConfig struct {
	Mode           string        `mapstructure:"mode"`
	LotusURL       string        `mapstructure:"lotus_url"`
	LotusToken     string        `mapstructure:"lotus_token"`
	Wallet         string        `mapstructure:"wallet"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	CallsPerSecond float64       `mapstructure:"calls_per_second"`
	MockEpoch      int64         `mapstructure:"mock_epoch"`
}

// ContentConfig selects the content store backend: "memory" or "s3".
type ContentConfig struct {
	Backend     string        `mapstructure:"backend"`
	S3Endpoint  string        `mapstructure:"s3_endpoint"`
	S3Region    string        `mapstructure:"s3_region"`
	S3Bucket    string        `mapstructure:"s3_bucket"`
	S3AccessKey string        `mapstructure:"s3_access_key"`
	S3SecretKey string        `mapstructure:"s3_secret_key"`
	S3Timeout   time.Duration `mapstructure:"s3_timeout"`
}

type SessionConfig struct {
	WindowSize       int           `mapstructure:"window_size"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	DeliveryOrigin   string        `mapstructure:"delivery_origin"`
	Retention        time.Duration `mapstructure:"retention"`
}

type ArchiveConfig struct {
	BatchCount        int           `mapstructure:"batch_count"`
	BatchBytes        int           `mapstructure:"batch_bytes"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	ConfirmationDelay int64         `mapstructure:"confirmation_delay"`
	RetentionEpochs   int64         `mapstructure:"retention_epochs"`
	PricePerEpoch     string        `mapstructure:"price_per_epoch"`
	RetryBudget       int           `mapstructure:"retry_budget"`
	CallAttempts      int           `mapstructure:"call_attempts"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FinalizeTimeout   time.Duration `mapstructure:"finalize_timeout"`
	Providers         []string      `mapstructure:"providers"`
	DefaultProvider   string        `mapstructure:"default_provider"`
}

type PaymentsConfig struct {
	RatePerMinute      string        `mapstructure:"rate_per_minute"`
	InitialFunding     string        `mapstructure:"initial_funding"`
	PlatformFeePercent string        `mapstructure:"platform_fee_percent"`
	SubmitAttempts     int           `mapstructure:"submit_attempts"`
	CallAttempts       int           `mapstructure:"call_attempts"`
	BackoffMin         time.Duration `mapstructure:"backoff_min"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	SettleTimeout      time.Duration `mapstructure:"settle_timeout"`
	MeterInterval      time.Duration `mapstructure:"meter_interval"`
	ReconcileAttempts  int           `mapstructure:"reconcile_attempts"`
}

func (p PaymentsConfig) Rate() decimal.Decimal    { return decimal.RequireFromString(p.RatePerMinute) }
func (p PaymentsConfig) Funding() decimal.Decimal { return decimal.RequireFromString(p.InitialFunding) }
func (p PaymentsConfig) Fee() decimal.Decimal     { return decimal.RequireFromString(p.PlatformFeePercent) }
func (a ArchiveConfig) Price() decimal.Decimal    { return decimal.RequireFromString(a.PricePerEpoch) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "streamweave")
	v.SetDefault("db.password", "streamweave_password")
	v.SetDefault("db.name", "streamweave_db")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.expiry_hours", 168)
	v.SetDefault("api.rate_limit_per_second", 10)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("gateway.mode", "mock")
	v.SetDefault("gateway.lotus_url", "")
	v.SetDefault("gateway.lotus_token", "")
	v.SetDefault("gateway.wallet", "")
	v.SetDefault("gateway.call_timeout", 30*time.Second)
	v.SetDefault("gateway.calls_per_second", 20)
	v.SetDefault("gateway.mock_epoch", 1000)

	v.SetDefault("content.backend", "memory")
	v.SetDefault("content.s3_endpoint", "")
	v.SetDefault("content.s3_region", "us-east-1")
	v.SetDefault("content.s3_bucket", "")
	v.SetDefault("content.s3_access_key", "")
	v.SetDefault("content.s3_secret_key", "")
	v.SetDefault("content.s3_timeout", time.Minute)

	v.SetDefault("session.window_size", 10)
	v.SetDefault("session.readiness_timeout", 5*time.Second)
	v.SetDefault("session.delivery_origin", "")
	v.SetDefault("session.retention", 15*time.Minute)

	v.SetDefault("archive.batch_count", 10)
	v.SetDefault("archive.batch_bytes", 64<<20)
	v.SetDefault("archive.flush_interval", 30*time.Second)
	v.SetDefault("archive.confirmation_delay", 10)
	v.SetDefault("archive.retention_epochs", 518400)
	v.SetDefault("archive.price_per_epoch", "0.0000001")
	v.SetDefault("archive.retry_budget", 2)
	v.SetDefault("archive.call_attempts", 4)
	v.SetDefault("archive.backoff_min", 500*time.Millisecond)
	v.SetDefault("archive.backoff_max", 30*time.Second)
	v.SetDefault("archive.poll_interval", 30*time.Second)
	v.SetDefault("archive.finalize_timeout", 5*time.Minute)
	v.SetDefault("archive.providers", []string{})
	v.SetDefault("archive.default_provider", "")

	v.SetDefault("payments.rate_per_minute", "0.05")
	v.SetDefault("payments.initial_funding", "5")
	v.SetDefault("payments.platform_fee_percent", "0")
	v.SetDefault("payments.submit_attempts", 5)
	v.SetDefault("payments.call_attempts", 4)
	v.SetDefault("payments.backoff_min", 500*time.Millisecond)
	v.SetDefault("payments.backoff_max", 30*time.Second)
	v.SetDefault("payments.settle_timeout", 2*time.Minute)
	v.SetDefault("payments.meter_interval", time.Minute)
	v.SetDefault("payments.reconcile_attempts", 10)
}

// Load reads configuration from the environment, after loading a .env file
// if one exists. Keys map to variables by upper-casing and replacing dots
// with underscores, so archive.batch_count is ARCHIVE_BATCH_COUNT.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV", "ENV")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.JWT.Secret == defaultJWTSecret && c.Server.Env == "production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.Session.WindowSize < 1 {
		return fmt.Errorf("SESSION_WINDOW_SIZE must be at least 1")
	}
	if c.Archive.BatchCount < 1 {
		return fmt.Errorf("ARCHIVE_BATCH_COUNT must be at least 1")
	}
	if c.Archive.ConfirmationDelay < 1 {
		return fmt.Errorf("ARCHIVE_CONFIRMATION_DELAY must be at least 1 epoch")
	}

	for key, val := range map[string]string{
		"ARCHIVE_PRICE_PER_EPOCH":       c.Archive.PricePerEpoch,
		"PAYMENTS_RATE_PER_MINUTE":      c.Payments.RatePerMinute,
		"PAYMENTS_INITIAL_FUNDING":      c.Payments.InitialFunding,
		"PAYMENTS_PLATFORM_FEE_PERCENT": c.Payments.PlatformFeePercent,
	} {
		d, err := decimal.NewFromString(val)
		if err != nil {
			return fmt.Errorf("%s: invalid amount %q: %w", key, val, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if !c.Payments.Rate().IsPositive() {
		return fmt.Errorf("PAYMENTS_RATE_PER_MINUTE must be positive")
	}
	if c.Payments.Fee().GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PAYMENTS_PLATFORM_FEE_PERCENT must be below 100")
	}

	switch c.Gateway.Mode {
	case "mock":
	case "lotus":
		if c.Gateway.LotusURL == "" {
			return fmt.Errorf("GATEWAY_LOTUS_URL is required in lotus mode")
		}
		if c.Gateway.Wallet == "" {
			return fmt.Errorf("GATEWAY_WALLET is required in lotus mode")
		}
		if len(c.Archive.Providers) == 0 && c.Archive.DefaultProvider == "" {
			return fmt.Errorf("ARCHIVE_PROVIDERS or ARCHIVE_DEFAULT_PROVIDER is required in lotus mode")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}

	switch c.Content.Backend {
	case "memory":
	case "s3":
		if c.Content.S3Bucket == "" {
			return fmt.Errorf("CONTENT_S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown CONTENT_BACKEND %q", c.Content.Backend)
	}
	return nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}
