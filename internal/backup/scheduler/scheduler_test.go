package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
)

type mockExporter struct {
	mu         sync.Mutex
	exports    int
	prunes     int
	lastDir    string
	lastPass   string
	lastKeep   int
	exportErr  error
	exportedCh chan struct{}
}

func newMockExporter() *mockExporter {
	return &mockExporter{exportedCh: make(chan struct{}, 8)}
}

func (m *mockExporter) Export(_ context.Context, dir, passphrase string) (*backup.ExportResult, error) {
	m.mu.Lock()
	m.exports++
	m.lastDir, m.lastPass = dir, passphrase
	err := m.exportErr
	m.mu.Unlock()
	m.exportedCh <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &backup.ExportResult{FilePath: dir + "/x.crmbackup"}, nil
}

func (m *mockExporter) PruneBackups(_ string, keep int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prunes++
	m.lastKeep = keep
	return []string{"old.crmbackup"}, nil
}

func staticPassphrase(p string) func() (string, error) {
	return func() (string, error) { return p, nil }
}

// TestInterval_Duration verifies interval periods.
func TestInterval_Duration(t *testing.T) {
	tests := []struct {
		interval Interval
		want     time.Duration
		wantErr  bool
	}{
		{IntervalDaily, 24 * time.Hour, false},
		{IntervalWeekly, 7 * 24 * time.Hour, false},
		{IntervalMonthly, 30 * 24 * time.Hour, false},
		{IntervalManual, 0, true},
		{Interval("hourly"), 0, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got, err := tt.interval.Duration()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNewScheduler_defaults verifies configuration defaults.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(newMockExporter(), Config{Interval: IntervalDaily, RetentionCount: -3})
	cfg := s.GetConfig()
	assert.Equal(t, "backups", cfg.BackupDir)
	assert.Equal(t, 0, cfg.RetentionCount)
	assert.False(t, s.IsRunning())
}

// TestScheduler_RunNow verifies export plus retention.
func TestScheduler_RunNow(t *testing.T) {
	exp := newMockExporter()
	s := NewScheduler(exp, Config{
		Interval:       IntervalWeekly,
		RetentionCount: 5,
		BackupDir:      "/tmp/b",
		Passphrase:     staticPassphrase("pass-phrase"),
	})

	require.NoError(t, s.RunNow(context.Background()))
	assert.Equal(t, 1, exp.exports)
	assert.Equal(t, "/tmp/b", exp.lastDir)
	assert.Equal(t, "pass-phrase", exp.lastPass)
	assert.Equal(t, 1, exp.prunes)
	assert.Equal(t, 5, exp.lastKeep)

	last, err := s.LastRun()
	assert.NoError(t, err)
	assert.False(t, last.IsZero())
}

// TestScheduler_RunNowErrors verifies failures are reported and retention
// is skipped.
func TestScheduler_RunNowErrors(t *testing.T) {
	exp := newMockExporter()
	s := NewScheduler(exp, Config{Interval: IntervalDaily, RetentionCount: 1})
	assert.Error(t, s.RunNow(context.Background()), "missing passphrase")

	exp.exportErr = errors.New("disk full")
	s.UpdateConfig(Config{Interval: IntervalDaily, RetentionCount: 1, Passphrase: staticPassphrase("pass-phrase")})
	err := s.RunNow(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, exp.prunes)

	_, lastErr := s.LastRun()
	assert.Error(t, lastErr)
}

// TestScheduler_StartStop verifies the immediate first run and idempotent
// stop.
func TestScheduler_StartStop(t *testing.T) {
	exp := newMockExporter()
	s := NewScheduler(exp, Config{Interval: IntervalDaily, Passphrase: staticPassphrase("pass-phrase")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())

	select {
	case <-exp.exportedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("initial backup did not run")
	}

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_manual verifies manual mode never starts.
func TestScheduler_manual(t *testing.T) {
	s := NewScheduler(newMockExporter(), Config{Interval: IntervalManual})
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())

	s = NewScheduler(newMockExporter(), Config{Interval: "hourly"})
	assert.Error(t, s.Start(context.Background()))
}
