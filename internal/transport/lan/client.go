package lan

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// DefaultExchangeTimeout bounds one request/response round trip.
const DefaultExchangeTimeout = 2 * time.Minute

// Client sends sync requests to peers' websocket endpoints.
type Client struct {
	dialer  *websocket.Dialer
	timeout time.Duration
}

// NewClient creates a client. A zero timeout uses DefaultExchangeTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	return &Client{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		timeout: timeout,
	}
}

// PeerURL is the websocket URL of a peer's sync endpoint.
func PeerURL(peer models.DeviceInfo) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(peer.IPAddress, strconv.Itoa(peer.Port)),
		Path:   SyncPath,
	}
	return u.String()
}

// Exchange sends req to peer and waits for its reply.
func (c *Client) Exchange(ctx context.Context, peer models.DeviceInfo, req syncpkg.Envelope) (syncpkg.Envelope, error) {
	var resp syncpkg.Envelope
	if !peer.HasAddress() {
		return resp, apperrors.Newf(apperrors.ErrValidation, "peer %s has no network address", peer.DeviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, PeerURL(peer), nil)
	if err != nil {
		return resp, apperrors.Wrap(apperrors.ErrTransport, fmt.Sprintf("failed to connect to %s", peer.DeviceID), err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// unblock reads when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return resp, apperrors.Wrap(apperrors.ErrTransport, "failed to send sync request", err)
	}
	conn.SetReadDeadline(deadline)
	if err := conn.ReadJSON(&resp); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return resp, apperrors.Wrap(apperrors.ErrTransport, "failed to read sync response", err)
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return resp, nil
}
