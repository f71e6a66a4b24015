package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/services"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
	"github.com/kimhsiao/crmorbit/backend/internal/transport/lan"
)

// Version is set at build time.
var Version = "0.1.0"

// bridge holds the device behind the exported C functions. Every call
// takes and returns JSON text.
type bridge struct {
	mu      sync.Mutex
	app     *app.App
	server  *http.Server
	cancel  context.CancelFunc
	changes atomic.Int64
}

// errorBody is what GetLastError returns.
type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func errorJSON(err error) string {
	if err == nil {
		return ""
	}
	b, _ := json.Marshal(errorBody{Code: apperrors.CodeOf(err), Message: err.Error()})
	return string(b)
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode result", err)
	}
	return string(b), nil
}

var errNotInitialized = apperrors.New(apperrors.ErrValidation, "core is not initialized")

func (b *bridge) device() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, errNotInitialized
	}
	return b.app, nil
}

// Init opens the device in dataDir. configPath may be empty. A second
// Init without Close is a no-op.
func (b *bridge) Init(dataDir, configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.Backup.Dir = ""
		cfg.Resolve()
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, app.Options{
		Version: Version,
		OnChange: func(services.Change) { b.changes.Add(1) },
	})
	if err != nil {
		cancel()
		return err
	}

	if cfg.Sync.Discovery {
		// peers found over mDNS dial this listener
		r := chi.NewRouter()
		r.Get(lan.SyncPath, lan.Handler(cfg.DeviceID, a.Sync))
		b.server = &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadTimeout: cfg.HTTP.ReadTimeout}
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("LAN sync listener stopped", err, map[string]interface{}{"addr": srv.Addr})
			}
		}(b.server)
	}

	if err := a.Start(ctx); err != nil {
		cancel()
		b.stopServer()
		a.Close()
		return err
	}
	b.app = a
	b.cancel = cancel
	return nil
}

func (b *bridge) stopServer() {
	if b.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.server.Shutdown(ctx)
	b.server = nil
}

// Close stops the device. It is safe to call more than once.
func (b *bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil
	}
	b.stopServer()
	b.cancel()
	err := b.app.Close()
	b.app = nil
	return err
}

type eventInput struct {
	Type     events.EventType `json:"type"`
	EntityID string           `json:"entityId,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Dispatch applies a batch of new events and returns the document.
func (b *bridge) Dispatch(eventsJSON string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	var req struct {
		Events []eventInput `json:"events"`
	}
	if err := json.Unmarshal([]byte(eventsJSON), &req); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid events", err)
	}
	if len(req.Events) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "events is required")
	}

	evs := make([]events.Event, 0, len(req.Events))
	for _, in := range req.Events {
		var payload interface{}
		if len(in.Payload) > 0 {
			payload = in.Payload
		}
		e, err := a.Core.NewEvent(in.Type, in.EntityID, payload)
		if err != nil {
			return "", err
		}
		evs = append(evs, e)
	}
	doc, err := a.Core.Dispatch(context.Background(), evs...)
	if err != nil {
		return "", err
	}
	return toJSON(doc)
}

// Document returns the current document.
func (b *bridge) Document() (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	return toJSON(a.Core.Document())
}

type mobileStatus struct {
	app.Status
	Changes int64 `json:"changes"`
}

// Status returns the device status. changes grows with every document
// replacement so the UI can poll cheaply.
func (b *bridge) Status() (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	st, err := a.Status(context.Background())
	if err != nil {
		return "", err
	}
	return toJSON(mobileStatus{Status: st, Changes: b.changes.Load()})
}

// BackupExport writes an encrypted backup into the backup directory.
func (b *bridge) BackupExport(passphrase string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	res, err := a.Core.ExportBackup(context.Background(), a.Backup, a.Config.Backup.Dir, passphrase)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// BackupImport restores a backup file.
func (b *bridge) BackupImport(path, passphrase, mode string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	m, err := parseMode(mode)
	if err != nil {
		return "", err
	}
	res, err := a.Core.ImportBackup(context.Background(), a.Backup, path, passphrase, m)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// BackupExportData returns an encrypted backup as base64 for the share
// sheet.
func (b *bridge) BackupExportData(passphrase string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	blob, err := a.Core.ExportBackupBytes(context.Background(), a.Backup, passphrase)
	if err != nil {
		return "", err
	}
	return toJSON(map[string]string{"data": base64.StdEncoding.EncodeToString(blob)})
}

// BackupImportData restores a base64 backup received from another app.
func (b *bridge) BackupImportData(data, passphrase, mode string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	m, err := parseMode(mode)
	if err != nil {
		return "", err
	}
	blob, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "backup data is not base64", err)
	}
	res, err := a.Core.ImportBackupBytes(context.Background(), a.Backup, blob, passphrase, m)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// BackupSetPassphrase stores the passphrase for scheduled backups.
func (b *bridge) BackupSetPassphrase(passphrase string) error {
	a, err := b.device()
	if err != nil {
		return err
	}
	return a.SetBackupPassphrase(passphrase)
}

func parseMode(mode string) (backup.ImportMode, error) {
	if mode == "" {
		return backup.ModeMerge, nil
	}
	return backup.ParseImportMode(mode)
}

// SyncQRGenerate encodes the changes peerID has not seen. Images are
// base64 PNGs when render is set.
func (b *bridge) SyncQRGenerate(peerID string, render bool) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	bundle, err := a.Sync.GenerateSyncQRCode(context.Background(), peerID, render)
	if err != nil {
		return "", err
	}
	return toJSON(bundle)
}

// SyncQRScan buffers one scanned payload and merges the bundle once it is
// complete.
func (b *bridge) SyncQRScan(payload string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	res, err := a.QR.ApplyManualSyncQR(context.Background(), payload)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// SyncWithPeer runs one exchange with a peer given as DeviceInfo JSON.
// Known peers may be passed by id alone.
func (b *bridge) SyncWithPeer(peerJSON string) (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	var peer models.DeviceInfo
	if err := json.Unmarshal([]byte(peerJSON), &peer); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid peer", err)
	}
	if peer.DeviceID == "" {
		return "", apperrors.New(apperrors.ErrValidation, "deviceId is required")
	}
	state := a.Sync.State()
	if peer.IPAddress != "" {
		peer.LastSeen = time.Now()
		state.AddPeer(peer)
	} else if known, ok := state.Peer(peer.DeviceID); ok {
		peer = known
	} else {
		return "", apperrors.Newf(apperrors.ErrNotFound, "peer %s is unknown", peer.DeviceID)
	}
	return toJSON(a.Sync.SyncWithPeer(context.Background(), peer, syncpkg.SyncOptions{}))
}

// Peers lists the known peers.
func (b *bridge) Peers() (string, error) {
	a, err := b.device()
	if err != nil {
		return "", err
	}
	peers := a.Sync.State().Peers()
	if peers == nil {
		peers = []models.DeviceInfo{}
	}
	return toJSON(peers)
}

// Reset deletes all local data.
func (b *bridge) Reset() error {
	a, err := b.device()
	if err != nil {
		return err
	}
	return a.Core.Reset(context.Background())
}
