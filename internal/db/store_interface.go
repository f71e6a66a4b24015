package db

import (
	"context"

	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// EventLog is the append-only event log.
type EventLog interface {
	AppendEvents(ctx context.Context, evs []events.Event) error
	ListEvents(ctx context.Context) ([]events.Event, error)
	ListEventsAfter(ctx context.Context, ts string) ([]events.Event, error)
	EventIDs(ctx context.Context) (map[string]struct{}, error)
	CountEvents(ctx context.Context) (int, error)
}

// SnapshotStore stores document snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	LoadLatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	CountSnapshots(ctx context.Context) (int, error)
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

// CheckpointStore stores per-peer sync checkpoints.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp models.SyncCheckpoint) error
	LoadCheckpoint(ctx context.Context, peerID string) (*models.SyncCheckpoint, error)
	ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error)
}

// StateReader is what the loader needs to rebuild the document.
type StateReader interface {
	LoadLatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	ListEvents(ctx context.Context) ([]events.Event, error)
	ListEventsAfter(ctx context.Context, ts string) ([]events.Event, error)
}

// Compile-time checks.
var (
	_ EventLog        = (*Store)(nil)
	_ SnapshotStore   = (*Store)(nil)
	_ CheckpointStore = (*Store)(nil)
	_ StateReader     = (*Store)(nil)
)
