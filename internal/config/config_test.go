package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ACCESS_FAIL_OPEN", "")
	t.Setenv("COMPLETION_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Policy.AccessFailOpen)
	assert.Equal(t, "both", cfg.Policy.CompletionPolicy)
	assert.Equal(t, "transaction-events", cfg.Topics.TransactionEvents)
	assert.Equal(t, 24*time.Hour, cfg.Policy.IdempotencyTTL)
	assert.Equal(t, time.Minute, cfg.Policy.SettlementSweep)
	assert.Equal(t, 5*time.Minute, cfg.Policy.SettlementGrace)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http_addr: ":9000"
policy:
  access_fail_open: false
  completion_policy: first
  lock_ttl: 5s
  settlement_grace: 10m
rate_limit:
  rps: 3
  burst: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("KAFKA_BROKER", "k1:9092,k2:9092")
	t.Setenv("ACCESS_FAIL_OPEN", "")
	t.Setenv("COMPLETION_POLICY", "")
	t.Setenv("SETTLEMENT_SWEEP", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Policy.SettlementSweep)
	assert.Equal(t, 10*time.Minute, cfg.Policy.SettlementGrace)
	assert.False(t, cfg.Policy.AccessFailOpen)
	assert.Equal(t, "first", cfg.Policy.CompletionPolicy)
	assert.Equal(t, 5*time.Second, cfg.Policy.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 6, cfg.RateLimit.Burst)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ACCESS_FAIL_OPEN", "sometimes")
	t.Setenv("LOCK_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACCESS_FAIL_OPEN")
	assert.Contains(t, err.Error(), "LOCK_TTL")
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Policy.CompletionPolicy = "any"
	cfg.JWTSecret = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion policy")
	assert.Contains(t, err.Error(), "jwt secret")
}
