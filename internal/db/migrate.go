package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one versioned schema change. Down is empty when the
// migration cannot be rolled back.
type Migration struct {
	Version  int
	Name     string
	Up       string
	Down     string
	Checksum string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Applied     bool      `json:"applied"`
	AppliedAt   time.Time `json:"appliedAt,omitempty"`
	HasRollback bool      `json:"hasRollback"`
}

// Migrator applies migrations named V<n>__<name>.up.sql with optional
// V<n>__<name>.down.sql rollbacks, tracking applied versions in
// schema_version.
type Migrator struct {
	db  *sql.DB
	src fs.FS
}

// NewMigrator creates a new Migrator reading migrations from src.
func NewMigrator(db *sql.DB, src fs.FS) *Migrator {
	return &Migrator{db: db, src: src}
}

// Initialize creates the schema_version table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);`)
	return err
}

// Load reads and orders the migration list.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.src, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		base := strings.TrimSuffix(name, "."+direction+".sql")
		parts := strings.SplitN(base, "__", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "V") {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}

		content, err := fs.ReadFile(m.src, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: parts[1]}
			byVersion[version] = mig
		} else if mig.Name != parts[1] {
			return nil, fmt.Errorf("migration V%d has conflicting names %q and %q", version, mig.Name, parts[1])
		}
		if direction == "up" {
			mig.Up = string(content)
			hash := sha256.Sum256(content)
			mig.Checksum = hex.EncodeToString(hash[:])
		} else {
			mig.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration V%d__%s has no up script", mig.Version, mig.Name)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.Initialize(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

type appliedRow struct {
	checksum  string
	appliedAt time.Time
}

func (m *Migrator) applied(ctx context.Context) (map[int]appliedRow, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, checksum, applied_at FROM schema_version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]appliedRow)
	for rows.Next() {
		var version int
		var r appliedRow
		var appliedAt int64
		if err := rows.Scan(&version, &r.checksum, &appliedAt); err != nil {
			return nil, err
		}
		r.appliedAt = time.Unix(appliedAt, 0)
		out[version] = r
	}
	return out, rows.Err()
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name, HasRollback: mig.Down != ""}
		if r, ok := applied[mig.Version]; ok {
			st.Applied, st.AppliedAt = true, r.appliedAt
		}
		out = append(out, st)
	}
	return out, nil
}

// Up applies all pending migrations, each in its own transaction. Applied
// migrations whose script changed since they ran are reported as an error.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "initialize schema_version", err)
	}
	migrations, err := m.Load()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "load migrations", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read applied migrations", err)
	}

	for _, mig := range migrations {
		if r, ok := applied[mig.Version]; ok {
			if r.checksum != mig.Checksum {
				return apperrors.Newf(apperrors.ErrMigration, "migration V%d__%s was modified after it was applied", mig.Version, mig.Name)
			}
			continue
		}
		err := WithTx(ctx, m.db, nil, func(ctx context.Context, tx DBTX) error {
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				mig.Version, mig.Name, mig.Checksum, time.Now().Unix())
			if err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply V%d__%s", mig.Version, mig.Name), err)
		}
	}
	return nil
}

// RollbackTo reverts every applied migration above target, newest first, in
// one transaction. It fails before touching the schema when target is not
// below the current version or when any migration to revert has no
// rollback script.
func (m *Migrator) RollbackTo(ctx context.Context, target int) error {
	if target < 0 {
		return apperrors.Newf(apperrors.ErrMigration, "invalid rollback target %d", target)
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read current version", err)
	}
	if target >= current {
		return apperrors.Newf(apperrors.ErrMigration, "rollback target %d must be below current version %d", target, current)
	}

	migrations, err := m.Load()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "load migrations", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read applied migrations", err)
	}
	known := make(map[int]Migration, len(migrations))
	for _, mig := range migrations {
		known[mig.Version] = mig
	}

	var revert []Migration
	for version := range applied {
		if version <= target {
			continue
		}
		mig, ok := known[version]
		if !ok {
			return apperrors.Newf(apperrors.ErrMigration, "applied migration V%d is unknown to this build", version)
		}
		if strings.TrimSpace(mig.Down) == "" {
			return apperrors.Newf(apperrors.ErrMigration, "migration V%d__%s has no rollback", mig.Version, mig.Name)
		}
		revert = append(revert, mig)
	}
	sort.Slice(revert, func(i, j int) bool {
		return revert[i].Version > revert[j].Version
	})

	err = WithTx(ctx, m.db, nil, func(ctx context.Context, tx DBTX) error {
		for _, mig := range revert {
			if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
				return fmt.Errorf("failed to execute rollback of V%d__%s: %w", mig.Version, mig.Name, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", mig.Version); err != nil {
				return fmt.Errorf("failed to remove migration record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("rollback to %d", target), err)
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to rollback")
	}
	return m.RollbackTo(ctx, current-1)
}
