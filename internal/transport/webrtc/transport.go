// Package webrtc carries sync envelopes over a WebRTC data channel. The
// offer and answer are exchanged out of band by the caller.
package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// ChannelLabel names the sync data channel.
const ChannelLabel = "crmorbit-sync"

// DefaultTimeout bounds one negotiated exchange.
const DefaultTimeout = 2 * time.Minute

// Config tunes the transport.
type Config struct {
	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
	Timeout         time.Duration
}

// Transport negotiates one data channel per exchange.
type Transport struct {
	api     *webrtc.API
	config  webrtc.Configuration
	timeout time.Duration
}

var _ syncpkg.WebRTCTransport = (*Transport)(nil)

// New creates a transport.
func New(cfg Config) *Transport {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	var pc webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Transport{
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config:  pc,
		timeout: cfg.Timeout,
	}
}

// Exchange opens a data channel as the offerer, hands the offer to signal
// and sends req once the channel opens. It returns the peer's reply.
func (t *Transport) Exchange(ctx context.Context, req syncpkg.Envelope, signal syncpkg.SignalFunc) (syncpkg.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "failed to create peer connection", err)
	}
	defer pc.Close()

	dc, err := pc.CreateDataChannel(ChannelLabel, nil)
	if err != nil {
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "failed to create data channel", err)
	}

	replies := make(chan *syncpkg.Envelope, 1)
	failures := make(chan error, 1)
	fail := func(err error) {
		select {
		case failures <- err:
		default:
		}
	}
	var asm assembler
	dc.OnOpen(func() {
		if err := sendEnvelope(dc, req); err != nil {
			fail(err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := asm.push(msg)
		if err != nil {
			fail(err)
			return
		}
		if env != nil {
			select {
			case replies <- env:
			default:
			}
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			fail(fmt.Errorf("peer connection failed"))
		}
	})

	offer, err := localDescription(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateOffer(nil) })
	if err != nil {
		return syncpkg.Envelope{}, err
	}
	answer, err := signal(ctx, offer)
	if err != nil {
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "signaling failed", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "invalid answer", err)
	}

	select {
	case env := <-replies:
		return *env, nil
	case err := <-failures:
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "data channel exchange failed", err)
	case <-ctx.Done():
		return syncpkg.Envelope{}, apperrors.Wrap(apperrors.ErrTransport, "data channel exchange timed out", ctx.Err())
	}
}

// Answer accepts an offer, answers sync requests arriving on the data
// channel with responder and returns the answer SDP. The connection closes
// after the first reply is sent or when the timeout elapses.
func (t *Transport) Answer(ctx context.Context, offer string, deviceID string, responder syncpkg.Responder) (string, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrTransport, "failed to create peer connection", err)
	}

	// the session outlives the signaling call
	sessionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	var once sync.Once
	closeSession := func() {
		once.Do(func() {
			cancel()
			pc.Close()
		})
	}
	go func() {
		<-sessionCtx.Done()
		closeSession()
	}()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			return
		}
		var asm assembler
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			req, err := asm.push(msg)
			if err != nil {
				logging.Warn("WebRTC sync frame rejected", map[string]interface{}{"error": err.Error()})
				go closeSession()
				return
			}
			if req == nil {
				return
			}
			go func() {
				resp := syncpkg.RespondTo(sessionCtx, responder, deviceID, *req)
				if err := sendEnvelope(dc, resp); err != nil {
					logging.Warn("WebRTC sync reply failed", map[string]interface{}{"error": err.Error()})
					closeSession()
				}
			}()
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go closeSession()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		closeSession()
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid offer", err)
	}
	answer, err := localDescription(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateAnswer(nil) })
	if err != nil {
		closeSession()
		return "", err
	}
	return answer, nil
}

// localDescription creates an offer or answer and waits for ICE gathering,
// so the returned SDP carries every candidate.
func localDescription(ctx context.Context, pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) (string, error) {
	desc, err := create()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrTransport, "failed to create session description", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", apperrors.Wrap(apperrors.ErrTransport, "failed to set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", apperrors.Wrap(apperrors.ErrTransport, "ICE gathering timed out", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}
