package models

// Snapshot is a point-in-time materialization of the document. Doc holds the
// base64 encoding of the saved CRDT replica.
type Snapshot struct {
	ID        string `db:"id" json:"id"`
	Doc       string `db:"doc" json:"doc"`
	Timestamp string `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for Snapshot.
func (Snapshot) TableName() string {
	return "automerge_snapshots"
}

// SyncCheckpoint records the CRDT heads last exchanged with a peer.
type SyncCheckpoint struct {
	PeerID    string   `db:"peer_id" json:"peerId"`
	Heads     []string `db:"heads" json:"heads"`
	Timestamp string   `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for SyncCheckpoint.
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}
