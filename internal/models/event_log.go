// Package models provides the row and record types shared by the store, the
// backup codec and the sync layer.
package models

import "encoding/json"

// EventLogRecord is the durable row form of an event.
type EventLogRecord struct {
	ID        string `db:"id" json:"id"`
	Type      string `db:"type" json:"type"`
	EntityID  string `db:"entity_id" json:"entityId,omitempty"` // NULL when empty
	Payload   string `db:"payload" json:"payload"`
	Timestamp string `db:"timestamp" json:"timestamp"`
	DeviceID  string `db:"device_id" json:"deviceId"`
}

// TableName returns the table name for EventLogRecord.
func (EventLogRecord) TableName() string {
	return "event_log"
}

// PayloadJSON returns the payload as raw JSON.
func (r EventLogRecord) PayloadJSON() json.RawMessage {
	if r.Payload == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(r.Payload)
}
