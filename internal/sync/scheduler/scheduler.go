// Package scheduler runs background sync rounds against peers discovered on
// the local network.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// Syncer runs one sync attempt. *sync.Orchestrator implements it.
type Syncer interface {
	SyncWithPeer(ctx context.Context, peer models.DeviceInfo, opts syncpkg.SyncOptions) syncpkg.SyncResult
	State() *syncpkg.SyncState
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // how often a round runs while online (default: 15 minutes)
	PeerTTL      time.Duration // peers unseen for longer are dropped before a round (default: 10 minutes)
	Timeout      time.Duration // per-peer attempt timeout (default: 2 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		PeerTTL:      10 * time.Minute,
		Timeout:      2 * time.Minute,
	}
}

// RoundResult summarizes one sync round.
type RoundResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pruned    int `json:"pruned"`
}

// Scheduler syncs every reachable peer on a fixed interval. Peers that fail
// are retried with exponential backoff.
type Scheduler struct {
	syncer  Syncer
	config  SchedulerConfig
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	backoff map[string]*PeerBackoff

	isRunning      bool
	isOnline       bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastRound      RoundResult
}

// NewScheduler creates a new Scheduler. A nil config uses the defaults.
func NewScheduler(syncer Syncer, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = defaults.PeerTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return &Scheduler{
		syncer:   syncer,
		config:   cfg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		backoff:  make(map[string]*PeerBackoff),
		isOnline: true,
	}
}

// Start starts the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	logging.Info("Auto-sync scheduler started", map[string]interface{}{
		"interval_seconds": s.config.SyncInterval.Seconds(),
	})
}

// Stop stops the background loop and waits for a running round.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Auto-sync scheduler stopped", nil)
}

// SetOnlineStatus pauses rounds while offline.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline
	if wasOnline != isOnline {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if _, err := s.SyncNow(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
				logging.Warn("Auto-sync round failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// TriggerSync starts a round in the background. It returns false when a
// round is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.syncInProgress
	s.mu.RUnlock()
	if busy {
		return false
	}

	go func() {
		if _, err := s.SyncNow(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.Warn("Triggered sync round failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return true
}

// SyncNow runs one round and waits for it. Stale peers are pruned first,
// then every peer with a network address whose backoff has elapsed is
// synced in device id order.
func (s *Scheduler) SyncNow(ctx context.Context) (RoundResult, error) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return RoundResult{}, apperrors.New(apperrors.ErrSyncInProgress, "sync round already in progress")
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	state := s.syncer.State()
	now := s.now()
	var res RoundResult
	res.Pruned = state.PrunePeers(now.Add(-s.config.PeerTTL))

	for _, peer := range state.Peers() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !peer.HasAddress() {
			res.Skipped++
			continue
		}
		s.mu.RLock()
		b := s.backoff[peer.DeviceID]
		due := b.due(now)
		s.mu.RUnlock()
		if !due {
			res.Skipped++
			continue
		}

		res.Attempted++
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		result := s.syncer.SyncWithPeer(attemptCtx, peer, syncpkg.SyncOptions{})
		cancel()
		s.record(peer.DeviceID, result)
		switch {
		case result.OK:
			res.Succeeded++
		case result.Kind == apperrors.ErrSyncInProgress:
			res.Attempted--
			res.Skipped++
		default:
			res.Failed++
		}
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.lastRound = res
	s.mu.Unlock()

	logging.Info("Auto-sync round completed", map[string]interface{}{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"pruned":    res.Pruned,
	})
	return res, nil
}

func (s *Scheduler) record(peerID string, result syncpkg.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case result.OK:
		delete(s.backoff, peerID)
	case result.Kind == apperrors.ErrSyncInProgress:
	default:
		b := s.backoff[peerID]
		if b == nil {
			b = &PeerBackoff{}
			s.backoff[peerID] = b
		}
		b.fail(s.now(), result.Message)
		logging.Debug("Peer sync backing off", map[string]interface{}{
			"peer_id":      peerID,
			"failures":     b.Failures,
			"next_attempt": b.NextAttempt,
		})
	}
}

// ResetBackoff clears the failure history, letting every peer be attempted
// on the next round.
func (s *Scheduler) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = make(map[string]*PeerBackoff)
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                   `json:"isRunning"`
	IsOnline       bool                   `json:"isOnline"`
	SyncInProgress bool                   `json:"syncInProgress"`
	LastSyncTime   *time.Time             `json:"lastSyncTime,omitempty"`
	LastRound      RoundResult            `json:"lastRound"`
	Backoff        map[string]PeerBackoff `json:"backoff,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastRound:      s.lastRound,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if len(s.backoff) > 0 {
		status.Backoff = make(map[string]PeerBackoff, len(s.backoff))
		for id, b := range s.backoff {
			status.Backoff[id] = *b
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
