// Package config provides configuration for the crmorbit core and its
// entry points.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	backupsched "github.com/kimhsiao/crmorbit/backend/internal/backup/scheduler"
	"github.com/kimhsiao/crmorbit/backend/internal/backup/vault"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/uuid"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CRMORBIT_"

// Config holds the configuration of one device.
type Config struct {
	// DataDir holds the database, backups and device identity
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DeviceID identifies this replica to peers. Generated on first run
	// when empty.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// DeviceName is advertised to peers
	DeviceName string `json:"device_name" yaml:"device_name"`

	// LogLevel is DEBUG, INFO, WARN or ERROR
	LogLevel string `json:"log_level" yaml:"log_level"`

	HTTP   HTTPConfig   `json:"http" yaml:"http"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Sync   SyncConfig   `json:"sync" yaml:"sync"`
	Backup BackupConfig `json:"backup" yaml:"backup"`
	Vault  VaultConfig  `json:"vault" yaml:"vault"`
}

// HTTPConfig holds the desktop API server configuration. The LAN sync
// endpoint is served on the same listener.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StoreConfig holds persistence tuning.
type StoreConfig struct {
	// SnapshotEvery writes a snapshot after this many accepted events
	SnapshotEvery int `json:"snapshot_every" yaml:"snapshot_every"`

	// SnapshotsKept is how many snapshots survive pruning
	SnapshotsKept int `json:"snapshots_kept" yaml:"snapshots_kept"`
}

// SyncConfig holds peer sync configuration.
type SyncConfig struct {
	// Discovery advertises and browses over mDNS
	Discovery bool `json:"discovery" yaml:"discovery"`

	// AutoSyncInterval runs background rounds; zero disables them
	AutoSyncInterval time.Duration `json:"auto_sync_interval" yaml:"auto_sync_interval"`

	// PeerTTL drops peers not seen for this long
	PeerTTL time.Duration `json:"peer_ttl" yaml:"peer_ttl"`

	// ExchangeTimeout bounds one request/response round trip
	ExchangeTimeout time.Duration `json:"exchange_timeout" yaml:"exchange_timeout"`

	// ICEServers are STUN/TURN URLs for WebRTC
	ICEServers []string `json:"ice_servers" yaml:"ice_servers"`
}

// BackupConfig holds scheduled backup configuration.
type BackupConfig struct {
	Dir            string               `json:"dir" yaml:"dir"`
	Interval       backupsched.Interval `json:"interval" yaml:"interval"`
	RetentionCount int                  `json:"retention_count" yaml:"retention_count"`
}

// VaultConfig holds the optional remote backup bucket.
type VaultConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	vault.Config `json:",inline" yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		DataDir:    "./data",
		DeviceName: host,
		LogLevel:   string(logging.LevelInfo),
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  2 * time.Minute,
		},
		Store: StoreConfig{
			SnapshotEvery: 50,
			SnapshotsKept: 3,
		},
		Sync: SyncConfig{
			Discovery:        true,
			AutoSyncInterval: 15 * time.Minute,
			PeerTTL:          10 * time.Minute,
			ExchangeTimeout:  2 * time.Minute,
		},
		Backup: BackupConfig{
			Interval:       backupsched.IntervalManual,
			RetentionCount: 7,
		},
		Vault: VaultConfig{
			Config: vault.Config{Provider: vault.ProviderAWS, UseSSL: true},
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
}

// DatabasePath returns the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "crmorbit.db")
}

// deviceIDFile stores the generated device id.
func (c *Config) deviceIDFile() string {
	return filepath.Join(c.DataDir, "device_id")
}

// EnsureDeviceID loads the device id from the data directory, generating
// and storing one on first run. A configured id wins.
func (c *Config) EnsureDeviceID() error {
	if c.DeviceID != "" {
		return nil
	}
	data, err := os.ReadFile(c.deviceIDFile())
	if err == nil && strings.TrimSpace(string(data)) != "" {
		c.DeviceID = strings.TrimSpace(string(data))
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	id := uuid.New()
	if err := os.WriteFile(c.deviceIDFile(), []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write device id: %w", err)
	}
	c.DeviceID = id
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch logging.LogLevel(strings.ToUpper(c.LogLevel)) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("invalid log_level: %s (must be DEBUG, INFO, WARN or ERROR)", c.LogLevel)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Store.SnapshotEvery < 1 {
		return fmt.Errorf("store.snapshot_every must be positive, got %d", c.Store.SnapshotEvery)
	}
	if c.Store.SnapshotsKept < 1 {
		return fmt.Errorf("store.snapshots_kept must be positive, got %d", c.Store.SnapshotsKept)
	}
	if c.Sync.AutoSyncInterval < 0 {
		return fmt.Errorf("sync.auto_sync_interval must not be negative")
	}
	switch c.Backup.Interval {
	case backupsched.IntervalManual, backupsched.IntervalDaily, backupsched.IntervalWeekly, backupsched.IntervalMonthly:
	default:
		return fmt.Errorf("invalid backup.interval: %s (must be manual, daily, weekly or monthly)", c.Backup.Interval)
	}
	if c.Backup.RetentionCount < 0 {
		return fmt.Errorf("backup.retention_count must not be negative, got %d", c.Backup.RetentionCount)
	}
	if c.Vault.Enabled {
		switch c.Vault.Provider {
		case vault.ProviderAWS, vault.ProviderMinIO, vault.ProviderR2:
		default:
			return fmt.Errorf("invalid vault.provider: %s (must be aws, minio or r2)", c.Vault.Provider)
		}
		if c.Vault.Bucket == "" {
			return fmt.Errorf("vault.bucket is required when the vault is enabled")
		}
		if c.Vault.Provider == vault.ProviderR2 && c.Vault.Endpoint == "" && !vault.IsValidR2AccountID(c.Vault.AccountID) {
			return fmt.Errorf("vault.account_id or vault.endpoint is required for r2")
		}
		if c.Vault.Provider == vault.ProviderMinIO && c.Vault.Endpoint == "" {
			return fmt.Errorf("vault.endpoint is required for minio")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	return cfg, nil
}

// LoadFromEnv applies CRMORBIT_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &cfg.DataDir)
	str("DEVICE_ID", &cfg.DeviceID)
	str("DEVICE_NAME", &cfg.DeviceName)
	str("LOG_LEVEL", &cfg.LogLevel)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)

	num("STORE_SNAPSHOT_EVERY", &cfg.Store.SnapshotEvery)
	num("STORE_SNAPSHOTS_KEPT", &cfg.Store.SnapshotsKept)

	flag("SYNC_DISCOVERY", &cfg.Sync.Discovery)
	dur("SYNC_AUTO_INTERVAL", &cfg.Sync.AutoSyncInterval)
	dur("SYNC_PEER_TTL", &cfg.Sync.PeerTTL)
	dur("SYNC_EXCHANGE_TIMEOUT", &cfg.Sync.ExchangeTimeout)
	if v := os.Getenv(EnvPrefix + "SYNC_ICE_SERVERS"); v != "" {
		cfg.Sync.ICEServers = strings.Split(v, ",")
	}

	str("BACKUP_DIR", &cfg.Backup.Dir)
	if v := os.Getenv(EnvPrefix + "BACKUP_INTERVAL"); v != "" {
		cfg.Backup.Interval = backupsched.Interval(v)
	}
	num("BACKUP_RETENTION", &cfg.Backup.RetentionCount)

	flag("VAULT_ENABLED", &cfg.Vault.Enabled)
	if v := os.Getenv(EnvPrefix + "VAULT_PROVIDER"); v != "" {
		cfg.Vault.Provider = vault.Provider(v)
	}
	str("VAULT_BUCKET", &cfg.Vault.Bucket)
	str("VAULT_REGION", &cfg.Vault.Region)
	str("VAULT_ENDPOINT", &cfg.Vault.Endpoint)
	str("VAULT_ACCOUNT_ID", &cfg.Vault.AccountID)
	str("VAULT_ACCESS_KEY", &cfg.Vault.AccessKey)
	str("VAULT_SECRET_KEY", &cfg.Vault.SecretKey)
	str("VAULT_PREFIX", &cfg.Vault.Prefix)
	flag("VAULT_PATH_STYLE", &cfg.Vault.UsePathStyle)
}

// Load reads .env files (missing ones are ignored), then the optional
// config file, then environment overrides, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
