package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// EnvelopeType tags protocol messages.
type EnvelopeType string

const (
	EnvelopeRequest  EnvelopeType = "sync-request"
	EnvelopeResponse EnvelopeType = "sync-response"
	EnvelopeError    EnvelopeType = "sync-error"
)

// Envelope is the message exchanged by peers on every transport. Changes
// is an opaque CRDT change set and travels base64 encoded in JSON.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	DeviceID  string       `json:"deviceId"`
	Timestamp string       `json:"timestamp"`
	Heads     []string     `json:"heads,omitempty"`
	Changes   []byte       `json:"changes,omitempty"`
	Count     int          `json:"count,omitempty"`
	Error     string       `json:"error,omitempty"`
	// Method is the transport the requester chose.
	Method models.SyncMethod `json:"method,omitempty"`
}

// Validate checks the fields every envelope needs.
func (e Envelope) Validate(want EnvelopeType) error {
	if e.Type == EnvelopeError {
		return apperrors.Newf(apperrors.ErrSyncFailed, "peer reported: %s", e.Error)
	}
	if e.Type != want {
		return apperrors.Newf(apperrors.ErrTransport, "expected %s envelope, got %q", want, e.Type)
	}
	if strings.TrimSpace(e.DeviceID) == "" {
		return apperrors.New(apperrors.ErrTransport, "envelope deviceId is required")
	}
	return nil
}

// Responder answers sync requests. The orchestrator implements it; the LAN
// server and the WebRTC answerer call it.
type Responder interface {
	HandleSyncRequest(ctx context.Context, req Envelope) (Envelope, error)
}

// PeerFound is called by discovery for every advertised peer.
type PeerFound func(models.DeviceInfo)

// Discovery advertises this device and browses for others on the local
// network.
type Discovery interface {
	Start(ctx context.Context, found PeerFound) error
	Stop() error
}

// LANTransport sends one request to a peer with a network address.
type LANTransport interface {
	Exchange(ctx context.Context, peer models.DeviceInfo, req Envelope) (Envelope, error)
}

// SignalFunc delivers an SDP offer to the peer out of band and returns its
// answer.
type SignalFunc func(ctx context.Context, offer string) (answer string, err error)

// WebRTCTransport sends one request over a peer-to-peer data channel
// negotiated through signal.
type WebRTCTransport interface {
	Exchange(ctx context.Context, req Envelope, signal SignalFunc) (Envelope, error)
}

func errorEnvelope(deviceID, timestamp string, err error) Envelope {
	return Envelope{Type: EnvelopeError, DeviceID: deviceID, Timestamp: timestamp, Error: fmt.Sprint(err)}
}

// unionHeads merges head sets, sorted and without duplicates.
func unionHeads(sets ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, set := range sets {
		for _, h := range set {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
