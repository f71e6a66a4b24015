package sync

import (
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/models"
)

// SyncState is the in-memory view of discovery and sync activity. It is
// created at startup and reset on logout. All methods are safe for
// concurrent use.
type SyncState struct {
	mu            gosync.RWMutex
	localDeviceID string
	peers         map[string]models.DeviceInfo
	sessions      map[string]models.SyncSession
	lastSyncAt    *time.Time
	status        models.SyncStatus
	currentMethod models.SyncMethod
}

// StateView is a point-in-time copy of SyncState.
type StateView struct {
	LocalDeviceID *string              `json:"localDeviceId"`
	Peers         []models.DeviceInfo  `json:"discoveredPeers"`
	Sessions      []models.SyncSession `json:"activeSessions"`
	LastSyncAt    *time.Time           `json:"lastSyncTimestamp"`
	Status        models.SyncStatus    `json:"status"`
	CurrentMethod *models.SyncMethod   `json:"currentMethod"`
}

// SessionPatch holds the fields UpdateSession may change. Nil fields are
// left alone.
type SessionPatch struct {
	Status          *models.SyncStatus
	ChangesSent     *int
	ChangesReceived *int
	Error           *string
	CompletedAt     *time.Time
}

// NewSyncState returns an idle state.
func NewSyncState() *SyncState {
	s := &SyncState{}
	s.reset()
	return s
}

func (s *SyncState) reset() {
	s.localDeviceID = ""
	s.peers = make(map[string]models.DeviceInfo)
	s.sessions = make(map[string]models.SyncSession)
	s.lastSyncAt = nil
	s.status = models.SyncStatusIdle
	s.currentMethod = ""
}

// Reset drops everything, as on logout.
func (s *SyncState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// SetLocalDeviceID stores the trimmed id. A blank id clears it.
func (s *SyncState) SetLocalDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDeviceID = strings.TrimSpace(id)
}

// LocalDeviceID returns the local device id, if set.
func (s *SyncState) LocalDeviceID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localDeviceID, s.localDeviceID != ""
}

// AddPeer inserts or refreshes a discovered peer.
func (s *SyncState) AddPeer(p models.DeviceInfo) {
	if p.DeviceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.DeviceID] = p
}

// RemovePeer forgets a peer.
func (s *SyncState) RemovePeer(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, deviceID)
}

// Peer looks up one peer.
func (s *SyncState) Peer(deviceID string) (models.DeviceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[deviceID]
	return p, ok
}

// Peers returns the known peers sorted by device id.
func (s *SyncState) Peers() []models.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerList()
}

func (s *SyncState) peerList() []models.DeviceInfo {
	out := make([]models.DeviceInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// PrunePeers removes peers not seen since cutoff and returns how many went.
func (s *SyncState) PrunePeers(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			n++
		}
	}
	return n
}

// StartSession records a new session and adopts its status and method.
func (s *SyncState) StartSession(session models.SyncSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	s.status = session.Status
	s.currentMethod = session.Method
}

// UpdateSession merges patch into an active session. Unknown ids are
// ignored; the return value reports whether the session existed.
func (s *SyncState) UpdateSession(id string, patch SessionPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.ChangesSent != nil {
		session.ChangesSent = *patch.ChangesSent
	}
	if patch.ChangesReceived != nil {
		session.ChangesReceived = *patch.ChangesReceived
	}
	if patch.Error != nil {
		session.Error = *patch.Error
	}
	if patch.CompletedAt != nil {
		at := *patch.CompletedAt
		session.CompletedAt = &at
	}
	s.sessions[id] = session
	return true
}

// Session returns an active session.
func (s *SyncState) Session(id string) (models.SyncSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// CompleteSession finishes a session: the last sync time becomes its
// completedAt (at, when the session has none), the state turns completed,
// the current method is cleared and the session leaves the active set.
func (s *SyncState) CompleteSession(id string, at time.Time) (models.SyncSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.SyncSession{}, false
	}
	if session.CompletedAt == nil {
		session.CompletedAt = &at
	}
	session.Status = models.SyncStatusCompleted
	completed := *session.CompletedAt
	s.lastSyncAt = &completed
	s.status = models.SyncStatusCompleted
	s.currentMethod = ""
	delete(s.sessions, id)
	return session, true
}

// FailSession ends a session with an error. The last sync time is kept.
func (s *SyncState) FailSession(id string, cause error, at time.Time) (models.SyncSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.SyncSession{}, false
	}
	session.Status = models.SyncStatusError
	if cause != nil {
		session.Error = cause.Error()
	}
	session.CompletedAt = &at
	s.status = models.SyncStatusError
	s.currentMethod = ""
	delete(s.sessions, id)
	return session, true
}

// Status returns the overall status.
func (s *SyncState) Status() models.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastSyncAt returns when the last session completed.
func (s *SyncState) LastSyncAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSyncAt == nil {
		return nil
	}
	t := *s.lastSyncAt
	return &t
}

// Snapshot copies the whole state.
func (s *SyncState) Snapshot() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := StateView{
		Peers:    s.peerList(),
		Sessions: make([]models.SyncSession, 0, len(s.sessions)),
		Status:   s.status,
	}
	if s.localDeviceID != "" {
		id := s.localDeviceID
		v.LocalDeviceID = &id
	}
	if s.lastSyncAt != nil {
		t := *s.lastSyncAt
		v.LastSyncAt = &t
	}
	if s.currentMethod != "" {
		m := s.currentMethod
		v.CurrentMethod = &m
	}
	for _, session := range s.sessions {
		v.Sessions = append(v.Sessions, session)
	}
	sort.Slice(v.Sessions, func(i, j int) bool { return v.Sessions[i].StartedAt.Before(v.Sessions[j].StartedAt) })
	return v
}
