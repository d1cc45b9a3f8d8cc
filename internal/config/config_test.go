package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/disposal-engine/internal/config"
	"github.com/warp/disposal-engine/strategy"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disposal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir())) // no disposal.yaml here
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "disposal.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, strategy.Intelligent, cfg.Strategy.Default)
	assert.Equal(t, 50, cfg.Strategy.SmallPackageCases)
	assert.Equal(t, 4, cfg.Batch.Parallelism)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)

	sel := cfg.SelectorConfig()
	assert.True(t, decimal.NewFromInt(10_000_000).Equal(sel.LargeAmountThreshold))
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
  allowed_origins: ["https://ops.example.com"]
strategy:
  default: geographic
  large_amount_threshold: 5000000
scheduler:
  enabled: true
  interval: 15m
`)
	t.Setenv("DISPOSAL_SERVER_PORT", "9191")
	t.Setenv("DISPOSAL_BATCH_PARALLELISM", "8")

	cfg, err := config.Load(config.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "env beats file")
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, strategy.Geographic, cfg.Strategy.Default)
	assert.Equal(t, 8, cfg.Batch.Parallelism)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.True(t, decimal.NewFromInt(5_000_000).Equal(cfg.SelectorConfig().LargeAmountThreshold))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(config.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"level", "logging:\n  level: loud\n"},
		{"format", "logging:\n  format: xml\n"},
		{"strategy", "strategy:\n  default: fastest\n"},
		{"threshold", "strategy:\n  large_amount_threshold: lots\n"},
		{"parallelism", "batch:\n  parallelism: 0\n"},
		{"interval", "scheduler:\n  enabled: true\n  interval: 10ms\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(config.New(), writeFile(t, tt.yaml))
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}
