// Package sync exchanges CRDT changes with peer devices over the local
// network, a WebRTC data channel or scanned QR codes, and tracks discovery
// and session state.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	"github.com/kimhsiao/crmorbit/backend/internal/uuid"
)

// Phase is the step a sync attempt has reached.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseConnecting  Phase = "connecting"
	PhaseExchanging  Phase = "exchanging"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// PhaseListener observes phase transitions. peerID is empty for discovery.
type PhaseListener func(peerID string, phase Phase)

// SyncOptions tune a single attempt.
type SyncOptions struct {
	// GetWebRTCAnswer is required for peers without a network address.
	GetWebRTCAnswer SignalFunc
}

// SyncResult is the outcome of one attempt. Failures carry the error code
// in Kind.
type SyncResult struct {
	OK      bool                `json:"ok"`
	Kind    apperrors.ErrorCode `json:"kind,omitempty"`
	Error   error               `json:"-"`
	Message string              `json:"error,omitempty"`
	Session *models.SyncSession `json:"session,omitempty"`
	Doc     *document.Document  `json:"-"`
}

func failed(err error, session *models.SyncSession) SyncResult {
	return SyncResult{Kind: apperrors.CodeOf(err), Error: err, Message: err.Error(), Session: session}
}

// Config wires an Orchestrator. LAN, WebRTC and Discovery are optional.
type Config struct {
	Host      Host
	State     *SyncState
	LAN       LANTransport
	WebRTC    WebRTCTransport
	Discovery Discovery
	OnPhase   PhaseListener
	Now       func() time.Time
}

// Orchestrator runs sync attempts and answers peers.
type Orchestrator struct {
	host      Host
	state     *SyncState
	lan       LANTransport
	rtc       WebRTCTransport
	discovery Discovery
	onPhase   PhaseListener
	now       func() time.Time

	mu          gosync.Mutex
	inFlight    map[string]struct{}
	phases      map[string]Phase
	discovering bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.State == nil {
		cfg.State = NewSyncState()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		host:      cfg.Host,
		state:     cfg.State,
		lan:       cfg.LAN,
		rtc:       cfg.WebRTC,
		discovery: cfg.Discovery,
		onPhase:   cfg.OnPhase,
		now:       cfg.Now,
		inFlight:  make(map[string]struct{}),
		phases:    make(map[string]Phase),
	}
}

// State returns the sync state the orchestrator updates.
func (o *Orchestrator) State() *SyncState {
	return o.state
}

// Phase returns the phase of the last attempt with peerID.
func (o *Orchestrator) Phase(peerID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.phases[peerID]; ok {
		return p
	}
	return PhaseIdle
}

func (o *Orchestrator) setPhase(peerID string, p Phase) {
	o.mu.Lock()
	o.phases[peerID] = p
	o.mu.Unlock()
	if o.onPhase != nil {
		o.onPhase(peerID, p)
	}
}

// acquire takes the per-peer lock. It fails when an attempt is running.
func (o *Orchestrator) acquire(peerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[peerID]; busy {
		return false
	}
	o.inFlight[peerID] = struct{}{}
	return true
}

func (o *Orchestrator) release(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, peerID)
}

// =====================================================
// Discovery
// =====================================================

// StartAutoDiscovery starts advertising and browsing. Repeated calls are
// no-ops and failures are only logged.
func (o *Orchestrator) StartAutoDiscovery(ctx context.Context) {
	o.mu.Lock()
	if o.discovering || o.discovery == nil {
		o.mu.Unlock()
		return
	}
	o.discovering = true
	o.mu.Unlock()

	err := o.discovery.Start(ctx, func(p models.DeviceInfo) {
		if p.DeviceID == o.host.DeviceID() {
			return
		}
		if p.LastSeen.IsZero() {
			p.LastSeen = o.now()
		}
		o.state.AddPeer(p)
		logging.Debug("peer discovered", map[string]interface{}{
			"device_id": p.DeviceID,
			"address":   p.IPAddress,
			"port":      p.Port,
		})
	})
	if err != nil {
		logging.Warn("auto discovery failed to start", map[string]interface{}{"error": err.Error()})
		o.mu.Lock()
		o.discovering = false
		o.mu.Unlock()
		return
	}
	o.setPhase("", PhaseDiscovering)
	logging.Info("auto discovery started", nil)
}

// StopAutoDiscovery stops advertising and browsing. Repeated calls are
// no-ops.
func (o *Orchestrator) StopAutoDiscovery() {
	o.mu.Lock()
	if !o.discovering {
		o.mu.Unlock()
		return
	}
	o.discovering = false
	o.mu.Unlock()

	if err := o.discovery.Stop(); err != nil {
		logging.Warn("auto discovery failed to stop cleanly", map[string]interface{}{"error": err.Error()})
	}
	o.setPhase("", PhaseIdle)
	logging.Info("auto discovery stopped", nil)
}

// Discovering reports whether discovery is active.
func (o *Orchestrator) Discovering() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.discovering
}

// =====================================================
// Initiator
// =====================================================

// SyncWithPeer runs one exchange with peer. Peers with a network address
// use the LAN transport; others need opts.GetWebRTCAnswer. A second
// attempt with the same peer while one runs is rejected. A failed attempt
// leaves the document and the checkpoint as they were.
func (o *Orchestrator) SyncWithPeer(ctx context.Context, peer models.DeviceInfo, opts SyncOptions) SyncResult {
	if peer.DeviceID == "" {
		return failed(apperrors.New(apperrors.ErrValidation, "peer device id is required"), nil)
	}
	if !o.acquire(peer.DeviceID) {
		return failed(apperrors.Newf(apperrors.ErrSyncInProgress, "sync with %s already in progress", peer.DeviceID), nil)
	}
	defer o.release(peer.DeviceID)

	var method models.SyncMethod
	switch {
	case peer.HasAddress() && o.lan != nil:
		method = models.SyncMethodLocalNetwork
	case opts.GetWebRTCAnswer != nil && o.rtc != nil:
		method = models.SyncMethodWebRTC
	default:
		o.setPhase(peer.DeviceID, PhaseFailed)
		return failed(apperrors.Newf(apperrors.ErrMissingSignaling,
			"peer %s has no network address and no signaling callback was supplied", peer.DeviceID), nil)
	}

	session := models.SyncSession{
		ID:        uuid.New(),
		PeerID:    peer.DeviceID,
		Method:    method,
		Status:    models.SyncStatusConnecting,
		StartedAt: o.now(),
	}
	o.state.StartSession(session)
	o.setPhase(peer.DeviceID, PhaseConnecting)

	doc, sent, received, err := o.exchange(ctx, peer, method, opts, session.ID)
	if err != nil {
		o.setPhase(peer.DeviceID, PhaseFailed)
		final, _ := o.state.FailSession(session.ID, err, o.now())
		logging.Error("sync failed", err, map[string]interface{}{
			"peer_id": peer.DeviceID,
			"method":  string(method),
		})
		return failed(err, &final)
	}

	o.state.UpdateSession(session.ID, SessionPatch{ChangesSent: &sent, ChangesReceived: &received})
	final, _ := o.state.CompleteSession(session.ID, o.now())
	o.setPhase(peer.DeviceID, PhaseCompleted)
	logging.Info("sync completed", map[string]interface{}{
		"peer_id":          peer.DeviceID,
		"method":           string(method),
		"changes_sent":     sent,
		"changes_received": received,
	})
	return SyncResult{OK: true, Session: &final, Doc: doc}
}

func (o *Orchestrator) exchange(ctx context.Context, peer models.DeviceInfo, method models.SyncMethod, opts SyncOptions, sessionID string) (*document.Document, int, int, error) {
	var since []string
	cp, err := o.host.Checkpoint(ctx, peer.DeviceID)
	if err != nil {
		return nil, 0, 0, err
	}
	if cp != nil {
		since = cp.Heads
	}

	changes, count, heads, err := o.host.ChangesSince(since)
	if err != nil {
		return nil, 0, 0, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to collect local changes", err)
	}
	req := Envelope{
		Type:      EnvelopeRequest,
		DeviceID:  o.host.DeviceID(),
		Timestamp: events.FormatTimestamp(o.now()),
		Heads:     heads,
		Changes:   changes,
		Count:     count,
		Method:    method,
	}

	syncing := models.SyncStatusSyncing
	o.state.UpdateSession(sessionID, SessionPatch{Status: &syncing, ChangesSent: &count})
	o.setPhase(peer.DeviceID, PhaseExchanging)

	var resp Envelope
	switch method {
	case models.SyncMethodLocalNetwork:
		resp, err = o.lan.Exchange(ctx, peer, req)
	case models.SyncMethodWebRTC:
		resp, err = o.rtc.Exchange(ctx, req, opts.GetWebRTCAnswer)
	}
	if err != nil {
		return nil, 0, 0, transportError(err)
	}
	if err := resp.Validate(EnvelopeResponse); err != nil {
		return nil, 0, 0, err
	}
	if resp.DeviceID != peer.DeviceID {
		return nil, 0, 0, apperrors.Newf(apperrors.ErrTransport, "expected response from %s, got %s", peer.DeviceID, resp.DeviceID)
	}

	// a response means the peer merged req, so it holds our heads too
	doc, applied, err := o.host.CommitMerge(ctx, peer.DeviceID, resp.Changes, unionHeads(resp.Heads, heads))
	if err != nil {
		return nil, 0, 0, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to merge peer changes", err)
	}
	return doc, count, applied, nil
}

func transportError(err error) error {
	if apperrors.CodeOf(err) != apperrors.ErrInternal {
		return err
	}
	return apperrors.Wrap(apperrors.ErrTransport, "exchange failed", err)
}

// =====================================================
// Responder
// =====================================================

// HandleSyncRequest merges the requester's changes and answers with the
// local changes it lacks. Requests from a peer this device is already
// syncing with are refused. The exchange is recorded as a session in the
// sync state like one this device started.
func (o *Orchestrator) HandleSyncRequest(ctx context.Context, req Envelope) (Envelope, error) {
	if err := req.Validate(EnvelopeRequest); err != nil {
		return Envelope{}, err
	}
	if !o.acquire(req.DeviceID) {
		return Envelope{}, apperrors.Newf(apperrors.ErrSyncInProgress, "sync with %s already in progress", req.DeviceID)
	}
	defer o.release(req.DeviceID)

	method := req.Method
	if method == "" {
		method = models.SyncMethodLocalNetwork
	}
	session := models.SyncSession{
		ID:        uuid.New(),
		PeerID:    req.DeviceID,
		Method:    method,
		Status:    models.SyncStatusSyncing,
		StartedAt: o.now(),
	}
	o.state.StartSession(session)

	// computed before merging so the requester's own changes are not echoed
	changes, count, heads, err := o.host.ChangesSince(req.Heads)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "failed to collect local changes", err)
		o.state.FailSession(session.ID, err, o.now())
		return Envelope{}, err
	}
	// the response may never arrive, so only the requester's own heads count
	_, applied, err := o.host.CommitMerge(ctx, req.DeviceID, req.Changes, req.Heads)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "failed to merge peer changes", err)
		o.state.FailSession(session.ID, err, o.now())
		return Envelope{}, err
	}
	o.state.UpdateSession(session.ID, SessionPatch{ChangesSent: &count, ChangesReceived: &applied})
	o.state.CompleteSession(session.ID, o.now())

	logging.Info("sync request handled", map[string]interface{}{
		"peer_id":          req.DeviceID,
		"method":           string(method),
		"changes_sent":     count,
		"changes_received": applied,
	})
	return Envelope{
		Type:      EnvelopeResponse,
		DeviceID:  o.host.DeviceID(),
		Timestamp: events.FormatTimestamp(o.now()),
		Heads:     heads,
		Changes:   changes,
		Count:     count,
	}, nil
}

// RespondTo wraps HandleSyncRequest for transports that must always send a
// reply: failures become a sync-error envelope.
func RespondTo(ctx context.Context, r Responder, deviceID string, req Envelope) Envelope {
	resp, err := r.HandleSyncRequest(ctx, req)
	if err != nil {
		logging.Warn("sync request rejected", map[string]interface{}{
			"peer_id": req.DeviceID,
			"error":   err.Error(),
		})
		return errorEnvelope(deviceID, events.FormatTimestamp(time.Now()), err)
	}
	return resp
}
