package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/tradeguard/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "paper", cfg.Exchange.Mode)
	assert.Equal(t, 30*time.Second, cfg.SignalInterval())
	assert.Equal(t, time.Hour, cfg.ReconcileInterval())
	assert.Equal(t, time.Hour, cfg.MaxNaked(), "max naked follows the reconcile interval")
	assert.Equal(t, cfg.SignalInterval(), cfg.Bucket(), "one fingerprint bucket per auction cycle")
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter())
	assert.Equal(t, "0.02", cfg.StopPct().String())
	assert.True(t, cfg.TakeProfitPct().IsZero())
}

func TestLoad_SampleFile(t *testing.T) {
	cfg, err := config.Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.TripAfterFailures)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.InDelta(t, 64000, cfg.Exchange.PaperMarks["BTC/USD"], 0.001)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "k")
	t.Setenv("EXCHANGE_API_SECRET", "s")
	t.Setenv("EXCHANGE_BASE_URL", "https://venue.example")
	t.Setenv("TRADEGUARD_DSN", "/tmp/x.db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := config.Load(writeConfig(t, "exchange:\n  mode: live\n"))
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
	assert.Equal(t, "https://venue.example", cfg.Exchange.BaseURL)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_LiveNeedsCredentials(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "")
	_, err := config.Load(writeConfig(t, "exchange:\n  mode: live\n  base_url: https://venue.example\n"))
	assert.ErrorContains(t, err, "EXCHANGE_API_KEY")
}

func TestLoad_Invalid(t *testing.T) {
	_, err := config.Load(writeConfig(t, "exchange:\n  mode: testnet\n"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "protection:\n  default_stop_pct: 1.5\n"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "engine:\n  interval_seconds: 120\nledger:\n  bucket_minutes: 1\n"))
	assert.ErrorContains(t, err, "bucket_minutes")

	_, err = config.Load(writeConfig(t, "engine:\n  health_check_seconds: 600\n"))
	assert.ErrorContains(t, err, "health_check_seconds")

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BucketFollowsCycle(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "engine:\n  interval_seconds: 45\n"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Bucket())

	cfg, err = config.Load(writeConfig(t, "engine:\n  interval_seconds: 45\nledger:\n  bucket_minutes: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Bucket())
}
