// Package lan carries sync envelopes between devices on the same network
// over websockets and advertises devices with mDNS.
package lan

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// SyncPath is the websocket endpoint peers dial.
const SyncPath = "/sync"

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	// maxMessageSize bounds one envelope; change sets of large documents
	// are a few megabytes.
	maxMessageSize = 32 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// peers are other devices, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler answers sync requests arriving on a websocket. Every request gets
// exactly one reply; failures are sent as sync-error envelopes.
func Handler(deviceID string, responder syncpkg.Responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("LAN sync upgrade failed", map[string]interface{}{
				"remote": r.RemoteAddr,
				"error":  err.Error(),
			})
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageSize)

		ctx := r.Context()
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			var req syncpkg.Envelope
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Debug("LAN sync read failed", map[string]interface{}{
						"remote": r.RemoteAddr,
						"error":  err.Error(),
					})
				}
				return
			}

			resp := respond(ctx, responder, deviceID, req)
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(resp); err != nil {
				logging.Warn("LAN sync write failed", map[string]interface{}{
					"remote": r.RemoteAddr,
					"error":  err.Error(),
				})
				return
			}
		}
	}
}

func respond(ctx context.Context, responder syncpkg.Responder, deviceID string, req syncpkg.Envelope) syncpkg.Envelope {
	logging.Debug("LAN sync request received", map[string]interface{}{
		"peer_id": req.DeviceID,
		"changes": req.Count,
	})
	return syncpkg.RespondTo(ctx, responder, deviceID, req)
}
