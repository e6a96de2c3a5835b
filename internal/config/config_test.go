package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "PEERDIR_ADDR", "PEERDIR_BOOTNODES", "PEERDIR_REFRESH_THRESHOLD_SEC",
		"PEERDIR_DELETE_THRESHOLD_SEC", "PEERDIR_CACHE_BACKEND", "REDIS_HOST", "REDIS_PORT",
		"IPINFO_API_TOKEN", "DEBUG", "NODE_AUTH_USERNAME", "NODE_AUTH_PASSWORD",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsExpandCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("NODE_AUTH_USERNAME", "etc")
	t.Setenv("NODE_AUTH_PASSWORD", "s3cret")
	t.Setenv("IPINFO_API_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Bootnodes, 4)
	require.Equal(t, "etc", cfg.Bootnodes[0].Username)
	require.Equal(t, "s3cret", cfg.Bootnodes[0].Password)
	require.Empty(t, cfg.Bootnodes[3].Username)
	require.Equal(t, time.Hour, cfg.RefreshThreshold())
	require.Equal(t, 24*time.Hour, cfg.DeleteThreshold())
	require.Equal(t, 5*time.Minute, cfg.CycleInterval())
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr())
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "peerdir.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"bootnodes": [{"url": "http://boot.local:8545"}],
		"refresh_threshold_sec": 120,
		"delete_threshold_sec": 600,
		"cache_backend": "leveldb",
		"debug": true
	}`), 0o644))
	t.Setenv("PEERDIR_DELETE_THRESHOLD_SEC", "900")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, path, cfg.Path())
	require.Len(t, cfg.Bootnodes, 1)
	require.Equal(t, 120, cfg.RefreshThresholdSec)
	require.Equal(t, 900, cfg.DeleteThresholdSec)
	require.Equal(t, CacheLevelDB, cfg.CacheBackend)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Bootnodes = []Bootnode{{URL: "https://a.example", RequireAuth: true}, {URL: "not a url"}}
	cfg.RefreshThresholdSec = 600
	cfg.DeleteThresholdSec = 600
	cfg.RefreshBatchSize = 0
	cfg.Geo.Token = ""
	cfg.CacheBackend = "memcached"

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 6)
	require.ErrorContains(t, err, "credentials required")
	require.ErrorContains(t, err, "must be lower than delete_threshold_sec")
	require.ErrorContains(t, err, "IPINFO_API_TOKEN")
}

func TestValidateRefreshMustBeBelowDelete(t *testing.T) {
	cfg := Default()
	cfg.Debug = true
	cfg.Bootnodes = []Bootnode{{URL: "https://a.example"}}
	cfg.RefreshThresholdSec = 700
	cfg.DeleteThresholdSec = 600
	require.ErrorContains(t, cfg.Validate(), "must be lower")

	cfg.RefreshThresholdSec = 599
	require.NoError(t, cfg.Validate())
}

func TestBootnodesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PEERDIR_BOOTNODES", "http://a.local:8545, http://b.local:8545")
	t.Setenv("NODE_AUTH_USERNAME", "u")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []Bootnode{
		{URL: "http://a.local:8545", Username: "u"},
		{URL: "http://b.local:8545", Username: "u"},
	}, cfg.Bootnodes)
}
