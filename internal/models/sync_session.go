package models

import "time"

// SyncMethod names the transport a session runs over.
type SyncMethod string

const (
	SyncMethodLocalNetwork SyncMethod = "local-network"
	SyncMethodWebRTC       SyncMethod = "webrtc"
	SyncMethodQRCode       SyncMethod = "qr-code"
)

// SyncStatus is the status of a session and of the sync state as a whole.
type SyncStatus string

const (
	SyncStatusIdle       SyncStatus = "idle"
	SyncStatusConnecting SyncStatus = "connecting"
	SyncStatusSyncing    SyncStatus = "syncing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusError      SyncStatus = "error"
)

// SyncSession tracks one sync attempt with a peer.
type SyncSession struct {
	ID              string     `json:"id"`
	PeerID          string     `json:"peerId"`
	Method          SyncMethod `json:"method"`
	Status          SyncStatus `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ChangesSent     int        `json:"changesSent"`
	ChangesReceived int        `json:"changesReceived"`
	Error           string     `json:"error,omitempty"`
}

// DeviceInfo describes a discovered peer. It is not persisted.
type DeviceInfo struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	LastSeen   time.Time `json:"lastSeen"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	Port       int       `json:"port,omitempty"`
}

// HasAddress reports whether the peer can be reached on the local network.
func (d DeviceInfo) HasAddress() bool {
	return d.IPAddress != "" && d.Port > 0
}
