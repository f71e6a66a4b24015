package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	backupsched "github.com/kimhsiao/crmorbit/backend/internal/backup/scheduler"
	"github.com/kimhsiao/crmorbit/backend/internal/backup/vault"
)

func TestDefaultConfig_valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Store.SnapshotEvery)
	assert.Equal(t, filepath.Join("./data", "backups"), cfg.Backup.Dir)
	assert.Equal(t, filepath.Join("./data", "crmorbit.db"), cfg.DatabasePath())
}

func TestLoadFromFile_yaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmorbit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/crmorbit
device_name: field-tablet
log_level: DEBUG
http:
  addr: 0.0.0.0:9000
store:
  snapshot_every: 10
sync:
  auto_sync_interval: 5m
  ice_servers: ["stun:stun.l.google.com:19302"]
backup:
  interval: daily
  retention_count: 3
vault:
  enabled: true
  provider: minio
  bucket: backups
  endpoint: minio.local:9000
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/crmorbit", cfg.DataDir)
	assert.Equal(t, "field-tablet", cfg.DeviceName)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, 10, cfg.Store.SnapshotEvery)
	assert.Equal(t, 3, cfg.Store.SnapshotsKept)
	assert.Equal(t, 5*time.Minute, cfg.Sync.AutoSyncInterval)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Sync.ICEServers)
	assert.Equal(t, backupsched.IntervalDaily, cfg.Backup.Interval)
	assert.True(t, cfg.Vault.Enabled)
	assert.Equal(t, vault.ProviderMinIO, cfg.Vault.Provider)
	assert.Equal(t, "backups", cfg.Vault.Bucket)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	toml := filepath.Join(dir, "c.toml")
	require.NoError(t, os.WriteFile(toml, []byte("x = 1"), 0o600))
	_, err = LoadFromFile(toml)
	assert.ErrorContains(t, err, "unsupported")

	bad := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = LoadFromFile(bad)
	assert.ErrorContains(t, err, "JSON")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CRMORBIT_DATA_DIR", "/tmp/orbit")
	t.Setenv("CRMORBIT_LOG_LEVEL", "warn")
	t.Setenv("CRMORBIT_STORE_SNAPSHOT_EVERY", "25")
	t.Setenv("CRMORBIT_STORE_SNAPSHOTS_KEPT", "not-a-number")
	t.Setenv("CRMORBIT_SYNC_DISCOVERY", "false")
	t.Setenv("CRMORBIT_SYNC_AUTO_INTERVAL", "1m")
	t.Setenv("CRMORBIT_SYNC_ICE_SERVERS", "stun:a,stun:b")
	t.Setenv("CRMORBIT_BACKUP_INTERVAL", "weekly")
	t.Setenv("CRMORBIT_VAULT_SECRET_KEY", "s3cret")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "/tmp/orbit", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Store.SnapshotEvery)
	assert.Equal(t, 3, cfg.Store.SnapshotsKept)
	assert.False(t, cfg.Sync.Discovery)
	assert.Equal(t, time.Minute, cfg.Sync.AutoSyncInterval)
	assert.Equal(t, []string{"stun:a", "stun:b"}, cfg.Sync.ICEServers)
	assert.Equal(t, backupsched.IntervalWeekly, cfg.Backup.Interval)
	assert.Equal(t, "s3cret", cfg.Vault.SecretKey)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("CRMORBIT_DATA_DIR="+dir+"\nCRMORBIT_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("CRMORBIT_DATA_DIR")
		os.Unsetenv("CRMORBIT_LOG_LEVEL")
	})

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "backups"), cfg.Backup.Dir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad level", func(c *Config) { c.LogLevel = "LOUD" }, "log_level"},
		{"no addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"snapshot every", func(c *Config) { c.Store.SnapshotEvery = 0 }, "snapshot_every"},
		{"snapshots kept", func(c *Config) { c.Store.SnapshotsKept = 0 }, "snapshots_kept"},
		{"auto sync", func(c *Config) { c.Sync.AutoSyncInterval = -time.Second }, "auto_sync_interval"},
		{"interval", func(c *Config) { c.Backup.Interval = "hourly" }, "backup.interval"},
		{"retention", func(c *Config) { c.Backup.RetentionCount = -1 }, "retention_count"},
		{"vault provider", func(c *Config) { c.Vault.Enabled = true; c.Vault.Bucket = "b"; c.Vault.Provider = "gcs" }, "vault.provider"},
		{"vault bucket", func(c *Config) { c.Vault.Enabled = true }, "vault.bucket"},
		{"r2 account", func(c *Config) {
			c.Vault.Enabled = true
			c.Vault.Bucket = "b"
			c.Vault.Provider = vault.ProviderR2
		}, "account_id"},
		{"minio endpoint", func(c *Config) {
			c.Vault.Enabled = true
			c.Vault.Bucket = "b"
			c.Vault.Provider = vault.ProviderMinIO
		}, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestEnsureDeviceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := DefaultConfig()
	cfg.DataDir = dir

	require.NoError(t, cfg.EnsureDeviceID())
	first := cfg.DeviceID
	assert.NotEmpty(t, first)

	again := DefaultConfig()
	again.DataDir = dir
	require.NoError(t, again.EnsureDeviceID())
	assert.Equal(t, first, again.DeviceID)

	fixed := DefaultConfig()
	fixed.DataDir = dir
	fixed.DeviceID = "dev-fixed"
	require.NoError(t, fixed.EnsureDeviceID())
	assert.Equal(t, "dev-fixed", fixed.DeviceID)
}
