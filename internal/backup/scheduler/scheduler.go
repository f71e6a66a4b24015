// Package scheduler runs periodic encrypted backups with a retention limit.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
)

// Interval defines the scheduling frequency.
type Interval string

const (
	IntervalManual  Interval = "manual"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

// Duration converts the interval to a ticker period.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", i)
	}
}

// Exporter is the part of backup.Service the scheduler drives.
type Exporter interface {
	Export(ctx context.Context, dir, passphrase string) (*backup.ExportResult, error)
	PruneBackups(dir string, keep int) ([]string, error)
}

var _ Exporter = (*backup.Service)(nil)

// Config holds the scheduler configuration.
type Config struct {
	Interval       Interval
	RetentionCount int    // Number of backups to keep (0 = unlimited)
	BackupDir      string // Directory for backup files
	// Passphrase returns the passphrase used for scheduled backups.
	Passphrase func() (string, error)
}

// Scheduler manages automatic backups.
type Scheduler struct {
	mu       sync.Mutex
	exporter Exporter
	config   Config
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	lastRun  time.Time
	lastErr  error
}

// NewScheduler creates a backup scheduler.
func NewScheduler(exporter Exporter, config Config) *Scheduler {
	if config.BackupDir == "" {
		config.BackupDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	return &Scheduler{
		exporter: exporter,
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic backups. The first backup runs immediately. Manual
// mode does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.config.Interval == IntervalManual {
		logging.Info("backup scheduler in manual mode", nil)
		return nil
	}
	dur, err := s.config.Interval.Duration()
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.ticker = time.NewTicker(dur)
	s.stopCh = make(chan struct{})
	s.running = true
	logging.Info("backup scheduler started", map[string]interface{}{
		"interval":        string(s.config.Interval),
		"retention_count": s.config.RetentionCount,
	})

	ticker, stopCh := s.ticker, s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunNow(ctx); err != nil {
			logging.Error("initial backup failed", err, nil)
		}
		for {
			select {
			case <-ticker.C:
				if err := s.RunNow(ctx); err != nil {
					logging.Error("scheduled backup failed", err, nil)
				}
			case <-stopCh:
				logging.Info("backup scheduler stopped", nil)
				return
			case <-ctx.Done():
				logging.Info("backup scheduler context cancelled", nil)
				return
			}
		}
	}()
	return nil
}

// Stop shuts the scheduler down and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.ticker.Stop()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

// IsRunning reports whether periodic backups are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow performs one backup and applies the retention policy.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	config := s.config
	s.mu.Unlock()

	err := s.run(ctx, config)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

func (s *Scheduler) run(ctx context.Context, config Config) error {
	if config.Passphrase == nil {
		return fmt.Errorf("no backup passphrase configured")
	}
	passphrase, err := config.Passphrase()
	if err != nil {
		return fmt.Errorf("failed to get backup passphrase: %w", err)
	}

	result, err := s.exporter.Export(ctx, config.BackupDir, passphrase)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	logging.Info("scheduled backup completed", map[string]interface{}{
		"file":        result.FilePath,
		"size_bytes":  result.SizeBytes,
		"event_count": result.EventCount,
		"duration_ms": result.Duration.Milliseconds(),
	})

	if config.RetentionCount > 0 {
		removed, err := s.exporter.PruneBackups(config.BackupDir, config.RetentionCount)
		if err != nil {
			// the backup itself succeeded
			logging.Error("retention policy failed", err, nil)
		}
		for _, path := range removed {
			logging.Info("deleted old backup", map[string]interface{}{"path": path})
		}
	}
	return nil
}

// LastRun returns when the last backup ran and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// UpdateConfig replaces the configuration. A running scheduler is stopped;
// the caller restarts it with Start.
func (s *Scheduler) UpdateConfig(config Config) {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if config.BackupDir == "" {
		config.BackupDir = s.config.BackupDir
	}
	s.config = config
}

// GetConfig returns the current configuration.
func (s *Scheduler) GetConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}
