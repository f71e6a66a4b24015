package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/crypto"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

const (
	// FilePrefix starts every backup file name.
	FilePrefix = "crmorbit-backup-"
	// FileExt is the backup file extension.
	FileExt = ".crmbackup"

	fileTimeLayout = "20060102-150405"
)

// FileName returns the backup file name for t (UTC).
func FileName(t time.Time) string {
	return FilePrefix + t.UTC().Format(fileTimeLayout) + FileExt
}

// Remote is an off-device copy of the encrypted backup files.
type Remote interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	DeviceID   string
	AppVersion string
	// NewCipher defaults to crypto.NewPassphraseCipher.
	NewCipher func(passphrase string) (crypto.Cipher, error)
	// Remote, when set, receives a copy of every export.
	Remote Remote
	Now    func() time.Time
}

// Service exports and imports backup files.
type Service struct {
	store  *db.Store
	config ServiceConfig
}

// ExportResult describes a written backup file.
type ExportResult struct {
	FilePath    string        `json:"filePath"`
	SizeBytes   int64         `json:"sizeBytes"`
	EventCount  int           `json:"eventCount"`
	HasSnapshot bool          `json:"hasSnapshot"`
	Uploaded    bool          `json:"uploaded"`
	Duration    time.Duration `json:"duration"`
}

// NewService creates a backup service over store.
func NewService(store *db.Store, config ServiceConfig) *Service {
	if config.NewCipher == nil {
		config.NewCipher = func(passphrase string) (crypto.Cipher, error) {
			return crypto.NewPassphraseCipher(passphrase)
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{store: store, config: config}
}

func (s *Service) cipher(passphrase string) (crypto.Cipher, error) {
	c, err := s.config.NewCipher(passphrase)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid passphrase", err)
	}
	return c, nil
}

// ExportBytes builds and encrypts a backup without touching the filesystem.
func (s *Service) ExportBytes(ctx context.Context, passphrase string) ([]byte, *BackupPayload, error) {
	c, err := s.cipher(passphrase)
	if err != nil {
		return nil, nil, err
	}
	p, err := CreateBackupPayload(ctx, s.store, CreateOptions{
		DeviceID:   s.config.DeviceID,
		AppVersion: s.config.AppVersion,
		CreatedAt:  s.config.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	sealed, err := EncryptBackupPayload(c, p)
	if err != nil {
		return nil, nil, err
	}
	return sealed, p, nil
}

// Export writes an encrypted backup into dir. The file appears atomically.
func (s *Service) Export(ctx context.Context, dir, passphrase string) (*ExportResult, error) {
	start := time.Now()

	sealed, p, err := s.ExportBytes(ctx, passphrase)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to create backup directory", err)
	}
	name := FileName(s.config.Now())
	path := filepath.Join(dir, name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, sealed, 0o600); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to write backup", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to finalize backup", err)
	}

	res := &ExportResult{
		FilePath:    path,
		SizeBytes:   int64(len(sealed)),
		EventCount:  len(p.Events),
		HasSnapshot: p.Snapshot != nil,
	}

	if s.config.Remote != nil {
		if err := s.config.Remote.Put(ctx, name, sealed); err != nil {
			logging.Error("backup upload failed", err, map[string]interface{}{"file": name})
		} else {
			res.Uploaded = true
		}
	}

	res.Duration = time.Since(start)
	logging.Info("backup exported", map[string]interface{}{
		"file":         path,
		"size_bytes":   res.SizeBytes,
		"event_count":  res.EventCount,
		"has_snapshot": res.HasSnapshot,
		"uploaded":     res.Uploaded,
	})
	return res, nil
}

// Import reads, decrypts and validates the file at path, then applies it.
// Nothing is written unless every earlier step succeeded.
func (s *Service) Import(ctx context.Context, path, passphrase string, mode ImportMode) (*ImportResult, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read backup", err)
	}
	return s.ImportBytes(ctx, blob, passphrase, mode)
}

// ImportBytes applies an encrypted backup held in memory.
func (s *Service) ImportBytes(ctx context.Context, blob []byte, passphrase string, mode ImportMode) (*ImportResult, error) {
	if _, err := ParseImportMode(string(mode)); err != nil {
		return nil, err
	}
	c, err := s.cipher(passphrase)
	if err != nil {
		return nil, err
	}
	p, err := DecryptBackupPayload(c, blob)
	if err != nil {
		return nil, err
	}
	return ImportBackupPayload(ctx, s.store, p, mode)
}

// ImportRemote downloads key from the remote and applies it.
func (s *Service) ImportRemote(ctx context.Context, key, passphrase string, mode ImportMode) (*ImportResult, error) {
	if s.config.Remote == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "no backup vault configured")
	}
	blob, err := s.config.Remote.Get(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to download backup", err)
	}
	return s.ImportBytes(ctx, blob, passphrase, mode)
}

// =====================================================
// Backup files
// =====================================================

// ParseFileName extracts the creation time from a backup file name.
func ParseFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExt) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, FilePrefix), FileExt)
	t, err := time.Parse(fileTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListBackups lists backup files in dir, newest first. A missing directory
// has no backups.
func ListBackups(dir string) ([]models.BackupArchive, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var out []models.BackupArchive
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		created, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, models.BackupArchive{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: created,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListBackups lists the backup files in dir.
func (s *Service) ListBackups(dir string) ([]models.BackupArchive, error) {
	return ListBackups(dir)
}

// PruneBackups keeps the newest keep files in dir and removes the rest. It
// returns the removed paths. keep < 1 removes nothing.
func (s *Service) PruneBackups(dir string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, nil
	}
	archives, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}
	var removed []string
	for _, a := range archives[keep:] {
		if err := os.Remove(a.Path); err != nil {
			logging.Error("failed to delete old backup", err, map[string]interface{}{"path": a.Path})
			continue
		}
		removed = append(removed, a.Path)
	}
	return removed, nil
}
