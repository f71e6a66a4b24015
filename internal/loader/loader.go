// Package loader rebuilds the current document from the persisted snapshot
// and event log at startup.
package loader

import (
	"context"
	"fmt"

	"github.com/kimhsiao/crmorbit/backend/internal/crdt"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/reducer"
)

// State is the reconstructed in-memory state.
type State struct {
	Doc     *document.Document
	Replica *crdt.AutomergeReplica
	// Events is the full persisted log in replay order.
	Events []events.Event
	// Replayed counts the events folded on top of the snapshot.
	Replayed int
	// SnapshotAt is the timestamp of the snapshot used, empty when none.
	SnapshotAt string
}

// LoadPersistedState loads the latest snapshot (if any), normalizes it and
// replays the events recorded strictly after it. Without a snapshot the
// whole log is replayed from an empty document. The replica is brought in
// line with the resulting document.
func LoadPersistedState(ctx context.Context, store db.StateReader) (*State, error) {
	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	all, err := store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	st := &State{Events: all}
	var base *document.Document
	replay := all

	if snap != nil {
		replica, err := crdt.LoadReplicaBase64(snap.Doc)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
		}
		materialized, err := replica.Document()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
		}
		base = document.Normalize(materialized)
		st.Replica = replica
		st.SnapshotAt = snap.Timestamp

		replay, err = store.ListEventsAfter(ctx, snap.Timestamp)
		if err != nil {
			return nil, err
		}
	} else {
		base = document.New()
		st.Replica = crdt.NewReplica()
	}

	doc, err := reducer.ApplyEvents(base, replay)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	st.Doc = doc
	st.Replayed = len(replay)

	if err := st.Replica.SetDocument(doc, "load"); err != nil {
		return nil, err
	}

	logging.Debug("Loaded persisted state", map[string]interface{}{
		"snapshot_at": st.SnapshotAt,
		"events":      len(all),
		"replayed":    st.Replayed,
	})
	return st, nil
}
