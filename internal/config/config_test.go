package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/backoffice_test")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, int64(84532), cfg.ChainID)
	assert.Equal(t, 300*time.Second, cfg.OracleRequestTTL)
	assert.Equal(t, 5*time.Second, cfg.OracleClockSkew)
	assert.Equal(t, time.Hour, cfg.CapitalReconcileMaxAge)
	assert.True(t, cfg.TxOutboxEnabled, "outbox defaults on")
	assert.Equal(t, uint64(5), cfg.Confirmations)
	assert.Equal(t, "./repos", cfg.GitReposDir)
	assert.Equal(t, 2, cfg.Tuning.TxWorkers)
	assert.False(t, cfg.SafeModeEnabled())
}

func TestFromEnv_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/backoffice_test")
	t.Setenv("TX_OUTBOX_ENABLED", "false")
	t.Setenv("ORACLE_REQUEST_TTL_SECONDS", "60")
	t.Setenv("PROJECT_SPEND_CAP_PER_BOUNTY_MICRO_USDC", "2000000")
	t.Setenv("SAFE_OWNER_ADDRESS", "0xowner")
	t.Setenv("SAFE_OWNER_KEYS_FILE", "/tmp/keys")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.TxOutboxEnabled)
	assert.Equal(t, 60*time.Second, cfg.OracleRequestTTL)
	assert.Equal(t, int64(2_000_000), cfg.SpendCapPerBounty)
	assert.True(t, cfg.SafeModeEnabled())
}

func TestLoadTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"tx_workers: 4\npoll_interval_seconds: 1\n"), 0o644))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 4, tuning.TxWorkers)
	assert.Equal(t, time.Second, tuning.PollInterval)
	// Unset fields keep their defaults.
	assert.Equal(t, 2, tuning.GitWorkers)
	assert.Equal(t, 240*time.Second, tuning.TaskTimeout)
}

func TestLoadTuning_FloorsWorkerCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tx_workers: 0\ngit_workers: -1\n"), 0o644))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 1, tuning.TxWorkers)
	assert.Equal(t, 1, tuning.GitWorkers)
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning("/does/not/exist.yaml")
	assert.Error(t, err)
}
