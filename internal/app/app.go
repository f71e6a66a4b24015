// Package app wires one device: the store, the core, peer sync, the
// transports and the backup schedulers. The desktop server, the CLI and
// the mobile bridge all start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	backupsched "github.com/kimhsiao/crmorbit/backend/internal/backup/scheduler"
	"github.com/kimhsiao/crmorbit/backend/internal/backup/vault"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	"github.com/kimhsiao/crmorbit/backend/internal/crypto"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/services"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
	syncsched "github.com/kimhsiao/crmorbit/backend/internal/sync/scheduler"
	"github.com/kimhsiao/crmorbit/backend/internal/transport/lan"
	"github.com/kimhsiao/crmorbit/backend/internal/transport/webrtc"
)

// Credential accounts kept in the credential store.
const (
	CredentialBackupPassphrase = "backup-passphrase"
	CredentialVaultSecret      = "vault-secret-key"
)

// Options carry the caller's hooks.
type Options struct {
	Version  string
	OnChange func(services.Change)
	OnPhase  syncpkg.PhaseListener
}

// App is a running device.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Store       *db.Store
	Core        *services.Core
	Sync        *syncpkg.Orchestrator
	QR          *syncpkg.QRReceiver
	WebRTC      *webrtc.Transport
	Backup      *backup.Service
	Vault       *vault.Vault
	AutoSync    *syncsched.Scheduler
	Backups     *backupsched.Scheduler
	Credentials *crypto.CredentialStore

	started bool
}

// New opens the database, applies migrations and loads the persisted
// state. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.EnsureDeviceID(); err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		Config:      cfg,
		DB:          database,
		Store:       db.NewStore(database.DB),
		Credentials: crypto.NewCredentialStore(cfg.DataDir),
	}
	if err := a.wire(ctx, opts); err != nil {
		database.Close()
		return nil, err
	}

	logging.Info("device ready", map[string]interface{}{
		"device_id": cfg.DeviceID,
		"data_dir":  cfg.DataDir,
		"version":   opts.Version,
	})
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config
	state := syncpkg.NewSyncState()

	core, err := services.NewCore(ctx, a.Store, services.CoreConfig{
		DeviceID:      cfg.DeviceID,
		SnapshotEvery: cfg.Store.SnapshotEvery,
		SnapshotsKept: cfg.Store.SnapshotsKept,
		SyncState:     state,
		OnChange:      opts.OnChange,
	})
	if err != nil {
		return err
	}
	a.Core = core

	if cfg.Vault.Enabled {
		vcfg := cfg.Vault.Config
		if vcfg.SecretKey == "" {
			if secret, err := a.Credentials.Get(CredentialVaultSecret); err == nil {
				vcfg.SecretKey = secret
			}
		}
		if a.Vault, err = vault.New(ctx, vcfg); err != nil {
			return fmt.Errorf("failed to open backup vault: %w", err)
		}
	}

	svcCfg := backup.ServiceConfig{DeviceID: cfg.DeviceID, AppVersion: opts.Version}
	if a.Vault != nil {
		svcCfg.Remote = a.Vault
	}
	a.Backup = backup.NewService(a.Store, svcCfg)

	a.WebRTC = webrtc.New(webrtc.Config{
		ICEServers: cfg.Sync.ICEServers,
		Timeout:    cfg.Sync.ExchangeTimeout,
	})

	syncCfg := syncpkg.Config{
		Host:    core,
		State:   state,
		LAN:     lan.NewClient(cfg.Sync.ExchangeTimeout),
		WebRTC:  a.WebRTC,
		OnPhase: opts.OnPhase,
	}
	if cfg.Sync.Discovery {
		port, err := listenPort(cfg.HTTP.Addr)
		if err != nil {
			return err
		}
		syncCfg.Discovery = lan.NewDiscovery(lan.DiscoveryConfig{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Port:       port,
		})
	}
	a.Sync = syncpkg.NewOrchestrator(syncCfg)
	a.QR = syncpkg.NewQRReceiver(core, state)

	a.AutoSync = syncsched.NewScheduler(a.Sync, &syncsched.SchedulerConfig{
		SyncInterval: cfg.Sync.AutoSyncInterval,
		PeerTTL:      cfg.Sync.PeerTTL,
		Timeout:      cfg.Sync.ExchangeTimeout,
	})
	a.Backups = backupsched.NewScheduler(a.Backup, backupsched.Config{
		Interval:       cfg.Backup.Interval,
		RetentionCount: cfg.Backup.RetentionCount,
		BackupDir:      cfg.Backup.Dir,
		Passphrase:     a.BackupPassphrase,
	})
	return nil
}

// listenPort extracts the port peers connect to from a listen address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid http.addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid http.addr port %q", p)
	}
	return port, nil
}

// Start begins discovery, background sync rounds and scheduled backups.
// Calling Start twice is a no-op.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	if a.Config.Sync.Discovery {
		a.Sync.StartAutoDiscovery(ctx)
	}
	if a.Config.Sync.AutoSyncInterval > 0 {
		a.AutoSync.Start(ctx)
	}
	if err := a.Backups.Start(ctx); err != nil {
		a.stopBackground()
		return err
	}
	a.started = true
	return nil
}

func (a *App) stopBackground() {
	a.Backups.Stop()
	a.AutoSync.Stop()
	a.Sync.StopAutoDiscovery()
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	a.stopBackground()
	a.started = false
	return a.DB.Close()
}

// BackupPassphrase returns the stored passphrase for scheduled backups.
func (a *App) BackupPassphrase() (string, error) {
	p, err := a.Credentials.Get(CredentialBackupPassphrase)
	if errors.Is(err, crypto.ErrCredentialNotFound) {
		return "", apperrors.New(apperrors.ErrValidation, "no backup passphrase stored")
	}
	return p, err
}

// SetBackupPassphrase stores the passphrase used by scheduled backups.
func (a *App) SetBackupPassphrase(passphrase string) error {
	if len(passphrase) < crypto.PassphraseMinLength {
		return apperrors.Newf(apperrors.ErrValidation, "passphrase must be at least %d characters", crypto.PassphraseMinLength)
	}
	return a.Credentials.Store(CredentialBackupPassphrase, passphrase)
}

// Status summarizes the device for the API and the CLI.
type Status struct {
	DeviceID    string                    `json:"deviceId"`
	DeviceName  string                    `json:"deviceName"`
	Stats       services.Stats            `json:"stats"`
	Sync        syncpkg.StateView         `json:"sync"`
	AutoSync    syncsched.SchedulerStatus `json:"autoSync"`
	Discovering bool                      `json:"discovering"`
	LastBackup  *time.Time                `json:"lastBackup,omitempty"`
	BackupError string                    `json:"backupError,omitempty"`
}

// Status collects the current status.
func (a *App) Status(ctx context.Context) (Status, error) {
	stats, err := a.Core.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		DeviceID:    a.Config.DeviceID,
		DeviceName:  a.Config.DeviceName,
		Stats:       stats,
		Sync:        a.Sync.State().Snapshot(),
		AutoSync:    a.AutoSync.GetStatus(),
		Discovering: a.Sync.Discovering(),
	}
	if at, err := a.Backups.LastRun(); !at.IsZero() {
		st.LastBackup = &at
		if err != nil {
			st.BackupError = err.Error()
		}
	}
	return st, nil
}
