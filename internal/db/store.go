package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// Store is the single writer of durable state. A Store obtained inside
// Transaction runs every call on that transaction.
type Store struct {
	db *sql.DB
	q  DBTX
	tx bool
}

// NewStore creates a store on db. The schema must already be migrated.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// Transaction runs fn with a store bound to one transaction. Any error or
// panic rolls back every write made through that store. Calls on a store
// that is already transactional join the outer transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx {
		return fn(s)
	}
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		return fn(&Store{db: s.db, q: tx, tx: true})
	})
}

func dbError(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apperrors.Wrap(apperrors.ErrDuplicate, message, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}

// =====================================================
// Event log
// =====================================================

func toRecord(e events.Event) models.EventLogRecord {
	payload := string(e.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	return models.EventLogRecord{
		ID:        e.ID,
		Type:      string(e.Type),
		EntityID:  e.EntityID,
		Payload:   payload,
		Timestamp: e.Timestamp,
		DeviceID:  e.DeviceID,
	}
}

func fromRecord(r models.EventLogRecord) events.Event {
	return events.Event{
		ID:        r.ID,
		Type:      events.EventType(r.Type),
		EntityID:  r.EntityID,
		Payload:   r.PayloadJSON(),
		Timestamp: r.Timestamp,
		DeviceID:  r.DeviceID,
	}
}

// AppendEvents appends evs in one transaction. A duplicate id aborts the
// whole batch.
func (s *Store) AppendEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *Store) error {
		for _, e := range evs {
			r := toRecord(e)
			var entity sql.NullString
			if r.EntityID != "" {
				entity = sql.NullString{String: r.EntityID, Valid: true}
			}
			_, err := tx.q.ExecContext(ctx,
				`INSERT INTO event_log (id, type, entity_id, payload, timestamp, device_id) VALUES (?, ?, ?, ?, ?, ?)`,
				r.ID, r.Type, entity, r.Payload, r.Timestamp, r.DeviceID)
			if err != nil {
				return dbError(fmt.Sprintf("append event %s", r.ID), err)
			}
		}
		return nil
	})
}

func (s *Store) queryEvents(ctx context.Context, where string, args ...any) ([]events.Event, error) {
	query := `SELECT id, type, entity_id, payload, timestamp, device_id FROM event_log`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY timestamp, device_id, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query events", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var r models.EventLogRecord
		var entity sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &entity, &r.Payload, &r.Timestamp, &r.DeviceID); err != nil {
			return nil, dbError("scan event", err)
		}
		r.EntityID = entity.String
		out = append(out, fromRecord(r))
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate events", err)
	}
	return events.SortEvents(out), nil
}

// ListEvents returns the full log in replay order.
func (s *Store) ListEvents(ctx context.Context) ([]events.Event, error) {
	return s.queryEvents(ctx, "")
}

// ListEventsAfter returns events with a timestamp strictly after ts.
func (s *Store) ListEventsAfter(ctx context.Context, ts string) ([]events.Event, error) {
	return s.queryEvents(ctx, "timestamp > ?", ts)
}

// EventIDs returns the set of persisted event ids.
func (s *Store) EventIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM event_log`)
	if err != nil {
		return nil, dbError("query event ids", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError("scan event id", err)
		}
		ids[id] = struct{}{}
	}
	return ids, dbError("iterate event ids", rows.Err())
}

// CountEvents returns the number of persisted events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&n)
	return n, dbError("count events", err)
}

// =====================================================
// Snapshots
// =====================================================

// SaveSnapshot stores a snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	if snap.ID == "" || snap.Timestamp == "" {
		return apperrors.New(apperrors.ErrValidation, "snapshot id and timestamp are required")
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO automerge_snapshots (id, doc, timestamp) VALUES (?, ?, ?)`,
		snap.ID, snap.Doc, snap.Timestamp)
	return dbError(fmt.Sprintf("save snapshot %s", snap.ID), err)
}

// LoadLatestSnapshot returns the snapshot with the greatest timestamp, or
// nil when none exist.
func (s *Store) LoadLatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.q.QueryRowContext(ctx,
		`SELECT id, doc, timestamp FROM automerge_snapshots ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.Doc, &snap.Timestamp)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("load latest snapshot", err)
	}
	return &snap, nil
}

// CountSnapshots returns the number of stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM automerge_snapshots`).Scan(&n)
	return n, dbError("count snapshots", err)
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM automerge_snapshots WHERE id NOT IN (
			SELECT id FROM automerge_snapshots ORDER BY timestamp DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, dbError("prune snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PersistSnapshotAndEvents appends evs and saves snap in one transaction.
func (s *Store) PersistSnapshotAndEvents(ctx context.Context, snap models.Snapshot, evs []events.Event) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.AppendEvents(ctx, evs); err != nil {
			return err
		}
		return tx.SaveSnapshot(ctx, snap)
	})
}

// ClearAll deletes every event and snapshot in one transaction. Sync
// checkpoints are kept.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM event_log`); err != nil {
			return dbError("clear events", err)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM automerge_snapshots`); err != nil {
			return dbError("clear snapshots", err)
		}
		return nil
	})
}

// =====================================================
// Sync checkpoints
// =====================================================

// SaveCheckpoint inserts or replaces the checkpoint for a peer.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.SyncCheckpoint) error {
	if cp.PeerID == "" {
		return apperrors.New(apperrors.ErrValidation, "checkpoint peer id is required")
	}
	heads := cp.Heads
	if heads == nil {
		heads = []string{}
	}
	raw, err := json.Marshal(heads)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (peer_id, heads, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET heads = excluded.heads, timestamp = excluded.timestamp`,
		cp.PeerID, string(raw), cp.Timestamp)
	return dbError(fmt.Sprintf("save checkpoint for %s", cp.PeerID), err)
}

func scanCheckpoint(scan func(dest ...any) error) (models.SyncCheckpoint, error) {
	var cp models.SyncCheckpoint
	var heads string
	if err := scan(&cp.PeerID, &heads, &cp.Timestamp); err != nil {
		return cp, err
	}
	if err := json.Unmarshal([]byte(heads), &cp.Heads); err != nil {
		return cp, fmt.Errorf("decode heads for %s: %w", cp.PeerID, err)
	}
	return cp, nil
}

// LoadCheckpoint returns the checkpoint for a peer, or nil when the peer
// has never synced.
func (s *Store) LoadCheckpoint(ctx context.Context, peerID string) (*models.SyncCheckpoint, error) {
	row := s.q.QueryRowContext(ctx, `SELECT peer_id, heads, timestamp FROM sync_checkpoints WHERE peer_id = ?`, peerID)
	cp, err := scanCheckpoint(row.Scan)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("load checkpoint", err)
	}
	return &cp, nil
}

// ListCheckpoints returns every checkpoint ordered by peer id.
func (s *Store) ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT peer_id, heads, timestamp FROM sync_checkpoints ORDER BY peer_id`)
	if err != nil {
		return nil, dbError("list checkpoints", err)
	}
	defer rows.Close()

	var out []models.SyncCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, dbError("scan checkpoint", err)
		}
		out = append(out, cp)
	}
	return out, dbError("iterate checkpoints", rows.Err())
}

// ClearCheckpoints deletes every sync checkpoint.
func (s *Store) ClearCheckpoints(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM sync_checkpoints`)
	return dbError("clear checkpoints", err)
}
