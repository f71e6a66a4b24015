// Package services provides the application core: event dispatch over the
// persisted log, the CRDT replica mirror and the sync host used by peers.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	"github.com/kimhsiao/crmorbit/backend/internal/crdt"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/loader"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/reducer"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
	"github.com/kimhsiao/crmorbit/backend/internal/uuid"
)

// ChangeKind names what replaced the current document.
type ChangeKind string

const (
	ChangeDispatch ChangeKind = "dispatch"
	ChangeMerge    ChangeKind = "merge"
	ChangeImport   ChangeKind = "import"
	ChangeReset    ChangeKind = "reset"
)

// Change is reported to OnChange after the document is replaced.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Events int        `json:"events,omitempty"`
	PeerID string     `json:"peerId,omitempty"`
}

// CoreConfig holds core configuration.
type CoreConfig struct {
	// DeviceID stamps locally created events
	DeviceID string

	// SnapshotEvery writes a snapshot after this many accepted events (default: 50)
	SnapshotEvery int

	// SnapshotsKept is how many snapshots survive pruning (default: 3)
	SnapshotsKept int

	// SyncState is reset together with the store
	SyncState *syncpkg.SyncState

	// OnChange is called, outside the core lock, after every change
	OnChange func(Change)

	Now func() time.Time
}

// Core owns the current document. Every change goes through one mutex so
// local dispatches and peer merges are serialized.
type Core struct {
	store  *db.Store
	config CoreConfig

	mu            sync.Mutex
	doc           *document.Document
	replica       *crdt.AutomergeReplica
	sinceSnapshot int
	// lastEventAt is the newest event or snapshot timestamp persisted
	lastEventAt string
	ids           *uuid.EventIDs
}

var _ syncpkg.Host = (*Core)(nil)

// NewCore loads the persisted state and returns a ready core.
func NewCore(ctx context.Context, store *db.Store, config CoreConfig) (*Core, error) {
	if strings.TrimSpace(config.DeviceID) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "device id is required")
	}
	if config.SnapshotEvery <= 0 {
		config.SnapshotEvery = 50
	}
	if config.SnapshotsKept <= 0 {
		config.SnapshotsKept = 3
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.SyncState != nil {
		config.SyncState.SetLocalDeviceID(config.DeviceID)
	}

	c := &Core{store: store, config: config, ids: uuid.NewEventIDsWithClock(config.Now)}
	if err := c.reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// reload rebuilds the in-memory state from the store. Callers hold mu or
// own c exclusively.
func (c *Core) reload(ctx context.Context) error {
	st, err := loader.LoadPersistedState(ctx, c.store)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	c.doc = st.Doc
	c.replica = st.Replica
	c.sinceSnapshot = st.Replayed
	c.lastEventAt = st.SnapshotAt
	for _, e := range st.Events {
		if e.Timestamp > c.lastEventAt {
			c.lastEventAt = e.Timestamp
		}
	}
	logging.Info("Core state loaded", map[string]interface{}{
		"events":      len(st.Events),
		"replayed":    st.Replayed,
		"snapshot_at": st.SnapshotAt,
	})
	return nil
}

// Reload rebuilds the document from the store.
func (c *Core) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reload(ctx)
}

// Store returns the persistence store.
func (c *Core) Store() *db.Store {
	return c.store
}

// DeviceID identifies this replica.
func (c *Core) DeviceID() string {
	return c.config.DeviceID
}

// Document returns a copy of the current document.
func (c *Core) Document() *document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.DeepClone()
}

// NewEvent builds a locally originated event with a fresh id, the current
// time and this device's id. payload may be nil, raw JSON or any value
// that marshals to a JSON object.
func (c *Core) NewEvent(t events.EventType, entityID string, payload interface{}) (events.Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return events.Event{}, apperrors.Wrap(apperrors.ErrValidation, "payload is not JSON", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return events.Event{}, apperrors.New(apperrors.ErrValidation, "payload is not JSON")
	}

	e := events.Event{
		ID:        c.ids.Next(),
		Type:      t,
		EntityID:  entityID,
		Payload:   raw,
		Timestamp: c.nextTimestamp(),
		DeviceID:  c.config.DeviceID,
	}
	if err := e.Validate(); err != nil {
		return events.Event{}, err
	}
	return e, nil
}

// nextTimestamp is the current time, moved past the newest persisted
// event or snapshot when the clock has not caught up, so reload replays
// the event.
func (c *Core) nextTimestamp() string {
	ts := events.FormatTimestamp(c.config.Now())
	c.mu.Lock()
	floor := c.lastEventAt
	c.mu.Unlock()
	if ts > floor {
		return ts
	}
	last, err := time.Parse(events.TimestampLayout, floor)
	if err != nil {
		return ts
	}
	return events.FormatTimestamp(last.Add(time.Millisecond))
}

// Dispatch folds evs into the current document and appends them to the
// log. The batch is all or nothing: when a reducer or the store fails, the
// document, replica and log are left as they were. Every SnapshotEvery
// events a snapshot is written in the same transaction.
func (c *Core) Dispatch(ctx context.Context, evs ...events.Event) (*document.Document, error) {
	if len(evs) == 0 {
		return c.Document(), nil
	}
	for _, e := range evs {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if !reducer.Registered(e.Type) {
			return nil, apperrors.Newf(apperrors.ErrUnknownEventType, "event %s: no reducer for %q", e.ID, e.Type)
		}
	}

	c.mu.Lock()
	next, err := reducer.ApplyEvents(c.doc, evs)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	forked, err := c.replica.Fork()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	replica := forked.(*crdt.AutomergeReplica)
	if err := replica.SetDocument(next, dispatchMessage(evs)); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	lastEventAt := c.lastEventAt
	for _, e := range evs {
		if e.Timestamp > lastEventAt {
			lastEventAt = e.Timestamp
		}
	}
	pending := c.sinceSnapshot + len(evs)
	snapshot := pending >= c.config.SnapshotEvery

	var snap models.Snapshot
	if snapshot {
		snap = c.snapshotOf(replica, lastEventAt)
	}
	err = c.store.Transaction(ctx, func(tx *db.Store) error {
		if !snapshot {
			return tx.AppendEvents(ctx, evs)
		}
		if err := tx.PersistSnapshotAndEvents(ctx, snap, evs); err != nil {
			return err
		}
		_, err := tx.PruneSnapshots(ctx, c.config.SnapshotsKept)
		return err
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.doc, c.replica, c.lastEventAt = next, replica, lastEventAt
	if snapshot {
		c.sinceSnapshot = 0
		if snap.Timestamp > c.lastEventAt {
			c.lastEventAt = snap.Timestamp
		}
	} else {
		c.sinceSnapshot = pending
	}
	out := next.DeepClone()
	c.mu.Unlock()

	logging.Debug("Events dispatched", map[string]interface{}{
		"count":    len(evs),
		"snapshot": snapshot,
	})
	c.notify(Change{Kind: ChangeDispatch, Events: len(evs)})
	return out, nil
}

func dispatchMessage(evs []events.Event) string {
	if len(evs) == 1 {
		return string(evs[0].Type) + " " + evs[0].ID
	}
	return fmt.Sprintf("%d events", len(evs))
}

// snapshotOf stamps a snapshot no earlier than the newest folded event, so
// replay after it never refolds an included event.
func (c *Core) snapshotOf(r *crdt.AutomergeReplica, lastEventAt string) models.Snapshot {
	ts := events.FormatTimestamp(c.config.Now())
	if lastEventAt > ts {
		ts = lastEventAt
	}
	return models.Snapshot{ID: uuid.New(), Doc: crdt.EncodeSnapshot(r), Timestamp: ts}
}

// =====================================================
// Sync host
// =====================================================

// Checkpoint returns what peerID last acknowledged.
func (c *Core) Checkpoint(ctx context.Context, peerID string) (*models.SyncCheckpoint, error) {
	return c.store.LoadCheckpoint(ctx, peerID)
}

// ChangesSince returns the replica changes not covered by heads.
func (c *Core) ChangesSince(heads []string) ([]byte, int, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes, n, err := c.replica.ChangesSince(heads)
	if err != nil {
		return nil, 0, nil, err
	}
	return changes, n, c.replica.Heads(), nil
}

// CommitMerge applies peer changes to a fork of the replica, persists the
// merged snapshot and the peer checkpoint in one transaction, and only then
// adopts the merged document. The checkpoint records peerHeads, never the
// local heads: local changes the peer has not confirmed stay unsent.
func (c *Core) CommitMerge(ctx context.Context, peerID string, changes []byte, peerHeads []string) (*document.Document, int, error) {
	c.mu.Lock()
	forked, err := c.replica.Fork()
	if err != nil {
		c.mu.Unlock()
		return nil, 0, err
	}
	replica := forked.(*crdt.AutomergeReplica)
	applied, err := replica.ApplyChanges(changes)
	if err != nil {
		c.mu.Unlock()
		return nil, 0, err
	}
	materialized, err := replica.Document()
	if err != nil {
		c.mu.Unlock()
		return nil, 0, err
	}
	merged := document.Normalize(materialized)

	snap := c.snapshotOf(replica, c.lastEventAt)
	if peerHeads == nil {
		peerHeads = []string{}
	}
	cp := models.SyncCheckpoint{PeerID: peerID, Heads: peerHeads, Timestamp: snap.Timestamp}
	err = c.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
		if err := tx.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		_, err := tx.PruneSnapshots(ctx, c.config.SnapshotsKept)
		return err
	})
	if err != nil {
		c.mu.Unlock()
		return nil, 0, err
	}

	c.doc, c.replica, c.sinceSnapshot = merged, replica, 0
	c.lastEventAt = snap.Timestamp
	out := merged.DeepClone()
	c.mu.Unlock()

	logging.Info("Peer changes merged", map[string]interface{}{
		"peer_id": peerID,
		"changes": applied,
	})
	c.notify(Change{Kind: ChangeMerge, Events: applied, PeerID: peerID})
	return out, applied, nil
}

// =====================================================
// Backup and reset
// =====================================================

// ExportBackup writes an encrypted backup while dispatch is held off, so
// the events and snapshot in the file are consistent.
func (c *Core) ExportBackup(ctx context.Context, svc *backup.Service, dir, passphrase string) (*backup.ExportResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return svc.Export(ctx, dir, passphrase)
}

// ExportBackupBytes returns an encrypted backup blob.
func (c *Core) ExportBackupBytes(ctx context.Context, svc *backup.Service, passphrase string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, _, err := svc.ExportBytes(ctx, passphrase)
	return blob, err
}

// ImportBackup restores a backup file and reloads the document. Nothing is
// written unless the file decrypts and validates.
func (c *Core) ImportBackup(ctx context.Context, svc *backup.Service, path, passphrase string, mode backup.ImportMode) (*backup.ImportResult, error) {
	return c.importWith(ctx, func() (*backup.ImportResult, error) {
		return svc.Import(ctx, path, passphrase, mode)
	})
}

// ImportBackupBytes restores an encrypted backup blob and reloads the
// document.
func (c *Core) ImportBackupBytes(ctx context.Context, svc *backup.Service, blob []byte, passphrase string, mode backup.ImportMode) (*backup.ImportResult, error) {
	return c.importWith(ctx, func() (*backup.ImportResult, error) {
		return svc.ImportBytes(ctx, blob, passphrase, mode)
	})
}

func (c *Core) importWith(ctx context.Context, run func() (*backup.ImportResult, error)) (*backup.ImportResult, error) {
	c.mu.Lock()
	res, err := run()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.reload(ctx); err != nil {
		c.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "imported data does not load", err)
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeImport, Events: res.EventsImported})
	return res, nil
}

// Reset clears the log, snapshots and checkpoints and resets the sync
// state, leaving an empty document.
func (c *Core) Reset(ctx context.Context) error {
	c.mu.Lock()
	err := c.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.ClearAll(ctx); err != nil {
			return err
		}
		return tx.ClearCheckpoints(ctx)
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.reload(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.config.SyncState != nil {
		c.config.SyncState.Reset()
		c.config.SyncState.SetLocalDeviceID(c.config.DeviceID)
	}
	c.mu.Unlock()

	logging.Info("Core reset", nil)
	c.notify(Change{Kind: ChangeReset})
	return nil
}

// Stats describes the persisted state.
type Stats struct {
	Events        int `json:"events"`
	Snapshots     int `json:"snapshots"`
	Checkpoints   int `json:"checkpoints"`
	SinceSnapshot int `json:"sinceSnapshot"`
}

// Stats counts persisted rows.
func (c *Core) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Events, err = c.store.CountEvents(ctx); err != nil {
		return s, err
	}
	if s.Snapshots, err = c.store.CountSnapshots(ctx); err != nil {
		return s, err
	}
	cps, err := c.store.ListCheckpoints(ctx)
	if err != nil {
		return s, err
	}
	s.Checkpoints = len(cps)
	c.mu.Lock()
	s.SinceSnapshot = c.sinceSnapshot
	c.mu.Unlock()
	return s, nil
}

func (c *Core) notify(ch Change) {
	if c.config.OnChange != nil {
		c.config.OnChange(ch)
	}
}
