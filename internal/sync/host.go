package sync

import (
	"context"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// Host owns the replica and the store. Its methods serialize with local
// event dispatch.
type Host interface {
	// DeviceID identifies this device to peers.
	DeviceID() string
	// Checkpoint returns the last checkpoint for peer, nil when none.
	Checkpoint(ctx context.Context, peerID string) (*models.SyncCheckpoint, error)
	// ChangesSince encodes local changes not covered by heads and returns
	// the current local heads.
	ChangesSince(heads []string) (changes []byte, count int, localHeads []string, err error)
	// CommitMerge applies changes received from peer and, in one
	// transaction, persists the merged snapshot and peerHeads as the peer
	// checkpoint. peerHeads must only name changes the peer is known to
	// hold. On error nothing changes.
	CommitMerge(ctx context.Context, peerID string, changes []byte, peerHeads []string) (*document.Document, int, error)
}
