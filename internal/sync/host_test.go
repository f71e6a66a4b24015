package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/crdt"
	"github.com/kimhsiao/crmorbit/backend/internal/db"
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/uuid"
)

// testHost is a minimal Host over a replica and an in-memory store.
type testHost struct {
	mu        gosync.Mutex
	id        string
	replica   *crdt.AutomergeReplica
	store     *db.Store
	commitErr error
}

func newTestHost(t *testing.T, id string) *testHost {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	r := crdt.NewReplica()
	require.NoError(t, r.SetDocument(document.New(), "genesis"))
	return &testHost{id: id, replica: r, store: db.NewStore(database.DB)}
}

func (h *testHost) addContact(t *testing.T, id, name string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, err := h.replica.Document()
	require.NoError(t, err)
	next := doc.DeepClone()
	next.Contacts[id] = document.Contact{ID: id, FirstName: name, CreatedAt: "t", UpdatedAt: "t"}
	require.NoError(t, h.replica.SetDocument(next, "add "+id))
}

func (h *testHost) doc(t *testing.T) *document.Document {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.replica.Document()
	require.NoError(t, err)
	return d
}

func (h *testHost) DeviceID() string { return h.id }

func (h *testHost) Checkpoint(ctx context.Context, peerID string) (*models.SyncCheckpoint, error) {
	return h.store.LoadCheckpoint(ctx, peerID)
}

func (h *testHost) ChangesSince(heads []string) ([]byte, int, []string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	changes, n, err := h.replica.ChangesSince(heads)
	if err != nil {
		return nil, 0, nil, err
	}
	return changes, n, h.replica.Heads(), nil
}

func (h *testHost) CommitMerge(ctx context.Context, peerID string, changes []byte, peerHeads []string) (*document.Document, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.commitErr != nil {
		return nil, 0, h.commitErr
	}
	forked, err := h.replica.Fork()
	if err != nil {
		return nil, 0, err
	}
	next := forked.(*crdt.AutomergeReplica)
	n, err := next.ApplyChanges(changes)
	if err != nil {
		return nil, 0, err
	}
	doc, err := next.Document()
	if err != nil {
		return nil, 0, err
	}
	now := events.FormatTimestamp(timeForTests)
	err = h.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.SaveSnapshot(ctx, models.Snapshot{ID: uuid.New(), Doc: crdt.EncodeSnapshot(next), Timestamp: now}); err != nil {
			return err
		}
		return tx.SaveCheckpoint(ctx, models.SyncCheckpoint{PeerID: peerID, Heads: peerHeads, Timestamp: now})
	})
	if err != nil {
		return nil, 0, err
	}
	h.replica = next
	return doc, n, nil
}

var errBoom = errors.New("boom")
