package models

import (
	"testing"
)

// TestTableNames verifies row types map onto the persisted schema.
func TestTableNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{EventLogRecord{}.TableName(), "event_log"},
		{Snapshot{}.TableName(), "automerge_snapshots"},
		{SyncCheckpoint{}.TableName(), "sync_checkpoints"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("TableName() = %q, want %q", tt.got, tt.want)
		}
	}
}

// TestEventLogRecord_PayloadJSON verifies empty payloads decode as objects.
func TestEventLogRecord_PayloadJSON(t *testing.T) {
	if got := string(EventLogRecord{}.PayloadJSON()); got != "{}" {
		t.Errorf("PayloadJSON() = %q, want {}", got)
	}
	if got := string(EventLogRecord{Payload: `{"a":1}`}.PayloadJSON()); got != `{"a":1}` {
		t.Errorf("PayloadJSON() = %q", got)
	}
}

// TestDeviceInfo_HasAddress verifies LAN reachability.
func TestDeviceInfo_HasAddress(t *testing.T) {
	if (DeviceInfo{IPAddress: "10.0.0.2"}).HasAddress() {
		t.Error("HasAddress() = true without port")
	}
	if !(DeviceInfo{IPAddress: "10.0.0.2", Port: 7420}).HasAddress() {
		t.Error("HasAddress() = false with ip and port")
	}
}
