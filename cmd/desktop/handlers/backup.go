package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// BackupCore exports and imports through the core lock.
type BackupCore interface {
	ExportBackup(ctx context.Context, svc *backup.Service, dir, passphrase string) (*backup.ExportResult, error)
	ImportBackup(ctx context.Context, svc *backup.Service, path, passphrase string, mode backup.ImportMode) (*backup.ImportResult, error)
}

// BackupBroadcaster reports backup outcomes to UI clients.
type BackupBroadcaster interface {
	BroadcastBackupExported(res *backup.ExportResult)
	BroadcastBackupImported(res *backup.ImportResult)
	BroadcastBackupFailed(operation string, err error)
}

// BackupConfig wires a BackupHandler. Hub and SetPassphrase are optional.
type BackupConfig struct {
	Core          BackupCore
	Service       *backup.Service
	Dir           string
	SetPassphrase func(string) error
	Hub           BackupBroadcaster
}

// BackupHandler handles encrypted backup export and import.
type BackupHandler struct {
	cfg BackupConfig
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(cfg BackupConfig) *BackupHandler {
	return &BackupHandler{cfg: cfg}
}

// ExportRequest represents the export request body.
type ExportRequest struct {
	Passphrase string `json:"passphrase"`
	Dir        string `json:"dir,omitempty"` // defaults to the configured backup directory
}

// ImportRequest represents the import request body.
type ImportRequest struct {
	Path       string `json:"path"`
	Passphrase string `json:"passphrase"`
	Mode       string `json:"mode,omitempty"` // merge (default) or replace
}

// Export handles POST /api/backup/export
func (h *BackupHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir := req.Dir
	if dir == "" {
		dir = h.cfg.Dir
	}

	res, err := h.cfg.Core.ExportBackup(r.Context(), h.cfg.Service, dir, req.Passphrase)
	if err != nil {
		h.failed("export", err)
		writeError(w, err)
		return
	}
	if h.cfg.Hub != nil {
		h.cfg.Hub.BroadcastBackupExported(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// Import handles POST /api/backup/import
// The file is decrypted and validated before anything is written.
func (h *BackupHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "path is required"))
		return
	}
	if req.Mode == "" {
		req.Mode = string(backup.ModeMerge)
	}
	mode, err := backup.ParseImportMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.cfg.Core.ImportBackup(r.Context(), h.cfg.Service, req.Path, req.Passphrase, mode)
	if err != nil {
		h.failed("import", err)
		writeError(w, err)
		return
	}
	if h.cfg.Hub != nil {
		h.cfg.Hub.BroadcastBackupImported(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// List handles GET /api/backup/list
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	archives, err := h.cfg.Service.ListBackups(h.cfg.Dir)
	if err != nil {
		writeError(w, err)
		return
	}
	if archives == nil {
		archives = []models.BackupArchive{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": archives, "dir": h.cfg.Dir})
}

// PassphraseRequest sets the scheduled backup passphrase.
type PassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// SetPassphrase handles PUT /api/backup/passphrase
func (h *BackupHandler) SetPassphrase(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SetPassphrase == nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "scheduled backups are not configured"))
		return
	}
	var req PassphraseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.cfg.SetPassphrase(req.Passphrase); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BackupHandler) failed(op string, err error) {
	if h.cfg.Hub != nil {
		h.cfg.Hub.BroadcastBackupFailed(op, err)
	}
}
