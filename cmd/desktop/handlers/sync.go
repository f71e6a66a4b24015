package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
	syncsched "github.com/kimhsiao/crmorbit/backend/internal/sync/scheduler"
)

// Orchestrator is the part of the sync orchestrator the handler drives.
type Orchestrator interface {
	syncpkg.Responder
	SyncWithPeer(ctx context.Context, peer models.DeviceInfo, opts syncpkg.SyncOptions) syncpkg.SyncResult
	GenerateSyncQRCode(ctx context.Context, peerID string, render bool) (*syncpkg.QRBundle, error)
	State() *syncpkg.SyncState
	Discovering() bool
	StartAutoDiscovery(ctx context.Context)
	StopAutoDiscovery()
}

// QRApplier buffers scanned QR payloads.
type QRApplier interface {
	ApplyManualSyncQR(ctx context.Context, payload string) (*syncpkg.QRApplyResult, error)
}

// Answerer answers WebRTC offers from peers without a network address.
type Answerer interface {
	Answer(ctx context.Context, offer string, deviceID string, responder syncpkg.Responder) (string, error)
}

// RoundRunner runs one background sync round on demand.
type RoundRunner interface {
	SyncNow(ctx context.Context) (syncsched.RoundResult, error)
	GetStatus() syncsched.SchedulerStatus
}

// SyncBroadcaster reports sync outcomes to UI clients.
type SyncBroadcaster interface {
	BroadcastSyncResult(peerID string, res syncpkg.SyncResult)
	BroadcastQRApplied(res *syncpkg.QRApplyResult)
}

// SyncConfig wires a SyncHandler. Rounds, RTC and Hub are optional.
type SyncConfig struct {
	DeviceID string
	Sync     Orchestrator
	QR       QRApplier
	RTC      Answerer
	Rounds   RoundRunner
	Hub      SyncBroadcaster
}

// SyncHandler handles peer sync, QR bundles and WebRTC signaling.
type SyncHandler struct {
	cfg SyncConfig
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(cfg SyncConfig) *SyncHandler {
	return &SyncHandler{cfg: cfg}
}

// =====================================================
// Status and peers
// =====================================================

// SyncStatusResponse is the body of GET /api/sync/status.
type SyncStatusResponse struct {
	State       syncpkg.StateView          `json:"state"`
	Discovering bool                       `json:"discovering"`
	AutoSync    *syncsched.SchedulerStatus `json:"autoSync,omitempty"`
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := SyncStatusResponse{
		State:       h.cfg.Sync.State().Snapshot(),
		Discovering: h.cfg.Sync.Discovering(),
	}
	if h.cfg.Rounds != nil {
		st := h.cfg.Rounds.GetStatus()
		resp.AutoSync = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPeers handles GET /api/sync/peers
func (h *SyncHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.cfg.Sync.State().Peers()
	if peers == nil {
		peers = []models.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// SyncPeerRequest optionally supplies an address for a peer that was not
// discovered.
type SyncPeerRequest struct {
	DeviceName string `json:"deviceName,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	Port       int    `json:"port,omitempty"`
}

// SyncPeer handles POST /api/sync/peers/{id}
// It runs one exchange and reports the outcome. Failures use the status
// of the error kind and still carry the result body.
func (h *SyncHandler) SyncPeer(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req SyncPeerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	state := h.cfg.Sync.State()
	peer, known := state.Peer(id)
	if req.IPAddress != "" {
		peer = models.DeviceInfo{DeviceID: id, DeviceName: req.DeviceName, IPAddress: req.IPAddress, Port: req.Port, LastSeen: time.Now()}
		state.AddPeer(peer)
	} else if !known {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "peer %s is unknown", id))
		return
	}

	res := h.cfg.Sync.SyncWithPeer(r.Context(), peer, syncpkg.SyncOptions{})
	if h.cfg.Hub != nil {
		h.cfg.Hub.BroadcastSyncResult(id, res)
	}
	status := http.StatusOK
	if !res.OK {
		status = StatusFor(res.Kind)
	}
	writeJSON(w, status, res)
}

// SyncRound handles POST /api/sync/round
func (h *SyncHandler) SyncRound(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Rounds == nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "auto sync is not configured"))
		return
	}
	res, err := h.cfg.Rounds.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiscoveryRequest is the body of POST /api/sync/discovery.
type DiscoveryRequest struct {
	Enabled bool `json:"enabled"`
}

// SetDiscovery handles POST /api/sync/discovery
func (h *SyncHandler) SetDiscovery(w http.ResponseWriter, r *http.Request) {
	var req DiscoveryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled {
		// discovery runs past this request
		h.cfg.Sync.StartAutoDiscovery(context.WithoutCancel(r.Context()))
	} else {
		h.cfg.Sync.StopAutoDiscovery()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"discovering": h.cfg.Sync.Discovering()})
}

// =====================================================
// QR codes
// =====================================================

// GetQR handles GET /api/sync/qr?peer=<id>&images=true
func (h *SyncHandler) GetQR(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	render := q.Get("images") == "true" || q.Get("images") == "1"
	bundle, err := h.cfg.Sync.GenerateSyncQRCode(r.Context(), q.Get("peer"), render)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// ScanQRRequest is the body of POST /api/sync/qr.
type ScanQRRequest struct {
	Payload string `json:"payload"`
}

// ScanQR handles POST /api/sync/qr
// Pending bundles answer 202 until the last chunk arrives.
func (h *SyncHandler) ScanQR(w http.ResponseWriter, r *http.Request) {
	var req ScanQRRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "payload is required"))
		return
	}
	res, err := h.cfg.QR.ApplyManualSyncQR(r.Context(), req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Status == syncpkg.QRStatusPending {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	if h.cfg.Hub != nil {
		h.cfg.Hub.BroadcastQRApplied(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// =====================================================
// WebRTC signaling
// =====================================================

// AnswerRequest carries an SDP offer delivered out of band.
type AnswerRequest struct {
	Offer string `json:"offer"`
}

// Answer handles POST /api/sync/webrtc/answer
func (h *SyncHandler) Answer(w http.ResponseWriter, r *http.Request) {
	if h.cfg.RTC == nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, "WebRTC is not configured"))
		return
	}
	var req AnswerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Offer) == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "offer is required"))
		return
	}
	answer, err := h.cfg.RTC.Answer(r.Context(), req.Offer, h.cfg.DeviceID, h.cfg.Sync)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}
