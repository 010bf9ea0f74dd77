package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, "mock", cfg.Gateway.Mode)
	require.Equal(t, "memory", cfg.Content.Backend)
	require.Equal(t, 10, cfg.Archive.BatchCount)
	require.EqualValues(t, 518400, cfg.Archive.RetentionEpochs)
	require.Equal(t, time.Minute, cfg.Payments.MeterInterval)
	require.True(t, decimal.RequireFromString("0.05").Equal(cfg.Payments.Rate()))
	require.True(t, cfg.Payments.Fee().IsZero())
	require.Equal(t, "host=localhost port=5432 user=streamweave password=streamweave_password dbname=streamweave_db sslmode=disable", cfg.GetDSN())
	require.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ARCHIVE_BATCH_COUNT", "25")
	t.Setenv("ARCHIVE_FLUSH_INTERVAL", "45s")
	t.Setenv("ARCHIVE_PROVIDERS", "f01000,f02000")
	t.Setenv("PAYMENTS_RATE_PER_MINUTE", "0.125")
	t.Setenv("PAYMENTS_PLATFORM_FEE_PERCENT", "2.5")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 25, cfg.Archive.BatchCount)
	require.Equal(t, 45*time.Second, cfg.Archive.FlushInterval)
	require.Equal(t, []string{"f01000", "f02000"}, cfg.Archive.Providers)
	require.True(t, decimal.RequireFromString("0.125").Equal(cfg.Payments.Rate()))
	require.True(t, decimal.RequireFromString("2.5").Equal(cfg.Payments.Fee()))
	require.Equal(t, "cache:6379", cfg.GetRedisAddr())
	require.Len(t, cfg.CORS.AllowedOrigins, 2)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"default jwt secret in production": func(c *Config) { c.Server.Env = "production" },
		"empty window":                     func(c *Config) { c.Session.WindowSize = 0 },
		"empty batch":                      func(c *Config) { c.Archive.BatchCount = 0 },
		"zero confirmation delay":          func(c *Config) { c.Archive.ConfirmationDelay = 0 },
		"fee of 100":                       func(c *Config) { c.Payments.PlatformFeePercent = "100" },
		"negative fee":                     func(c *Config) { c.Payments.PlatformFeePercent = "-1" },
		"zero rate":                        func(c *Config) { c.Payments.RatePerMinute = "0" },
		"malformed funding":                func(c *Config) { c.Payments.InitialFunding = "lots" },
		"lotus without url":                func(c *Config) { c.Gateway.Mode = "lotus"; c.Gateway.Wallet = "f1abc" },
		"lotus without wallet":             func(c *Config) { c.Gateway.Mode = "lotus"; c.Gateway.LotusURL = "ws://node/rpc/v1" },
		"lotus without providers": func(c *Config) {
			c.Gateway.Mode = "lotus"
			c.Gateway.LotusURL = "ws://node/rpc/v1"
			c.Gateway.Wallet = "f1abc"
		},
		"unknown gateway":                  func(c *Config) { c.Gateway.Mode = "carrier-pigeon" },
		"s3 without bucket":                func(c *Config) { c.Content.Backend = "s3" },
		"unknown backend":                  func(c *Config) { c.Content.Backend = "floppy" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	ok := *base
	ok.Gateway.Mode = "lotus"
	ok.Gateway.LotusURL = "ws://node/rpc/v1"
	ok.Gateway.Wallet = "f1abc"
	ok.Archive.DefaultProvider = "f01000"
	require.NoError(t, ok.Validate())
}
