// Package sweeper materializes scheduled deletions: due confirmed duplicates
// are archived as tombstones and removed.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/actify/reportd/internal/telemetry"
	"github.com/actify/reportd/pkg/models"
)

// DeletionStore is the persistence surface the sweeper needs.
type DeletionStore interface {
	// DueDeletions returns reports whose deletion_at has passed.
	DueDeletions(ctx context.Context, now time.Time) ([]*models.Report, error)
	// ArchiveAndDelete writes the tombstone and removes the report in one
	// transaction.
	ArchiveAndDelete(ctx context.Context, id string, now time.Time) error
}

// Result summarizes one sweep.
type Result struct {
	Deleted  int64 `json:"deleted_count"`
	Archived int64 `json:"archived_count"`
	Failed   int64 `json:"failed_count"`
}

// Service runs the periodic deletion sweep.
type Service struct {
	store  DeletionStore
	period time.Duration
	clock  func() time.Time
	log    zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	running      bool
	lastRunTime  time.Time
	lastDuration time.Duration
	totalDeleted int64
	totalFailed  int64

	swept metric.Int64Counter
}

// NewService creates a sweeper with the given period.
func NewService(store DeletionStore, period time.Duration, log zerolog.Logger) *Service {
	swept, _ := telemetry.Meter("sweeper").Int64Counter("reportd.sweeper.deleted")
	return &Service{
		store:  store,
		period: period,
		clock:  time.Now,
		log:    log.With().Str("component", "sweeper").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		swept:  swept,
	}
}

// WithClock overrides the sweeper clock. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Start begins the sweep loop. Blocks until Stop or context cancellation;
// run it in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	s.log.Info().Dur("period", s.period).Msg("starting deletion sweeper")

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper shutting down, context cancelled")
			return
		case <-s.stopCh:
			s.log.Info().Msg("sweeper shutting down, stop signal")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweep loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until the loop has exited.
func (s *Service) Wait() {
	<-s.doneCh
}

// RunNow performs a sweep synchronously and returns its result. Admin
// trigger and test entry point.
func (s *Service) RunNow(ctx context.Context) Result {
	return s.sweep(ctx)
}

// sweep archives and deletes each due report. Per-item failures are logged
// and the entry stays schedulable for the next run; shutdown is honored
// between items, never mid-item.
func (s *Service) sweep(ctx context.Context) Result {
	start := s.clock()
	var res Result

	due, err := s.store.DueDeletions(ctx, start.UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to enumerate due deletions")
		return res
	}

	for _, report := range due {
		select {
		case <-ctx.Done():
			s.log.Warn().Int64("deleted", res.Deleted).Msg("sweep interrupted by shutdown")
			return res
		case <-s.stopCh:
			s.log.Warn().Int64("deleted", res.Deleted).Msg("sweep interrupted by stop signal")
			return res
		default:
		}

		if err := s.store.ArchiveAndDelete(ctx, report.ID, s.clock().UTC()); err != nil {
			res.Failed++
			s.log.Error().Err(err).Str("report_id", report.ID).Msg("archive-and-delete failed, will retry next run")
			continue
		}
		res.Deleted++
		res.Archived++
		s.log.Info().Str("report_id", report.ID).Str("duplicate_of", report.DuplicateOf).Msg("confirmed duplicate archived and deleted")
	}

	s.mu.Lock()
	s.lastRunTime = s.clock()
	s.lastDuration = s.clock().Sub(start)
	s.totalDeleted += res.Deleted
	s.totalFailed += res.Failed
	s.mu.Unlock()

	s.swept.Add(ctx, res.Deleted)
	if res.Deleted > 0 || res.Failed > 0 {
		s.log.Info().Int64("deleted", res.Deleted).Int64("failed", res.Failed).Msg("sweep completed")
	}
	return res
}

// Stats returns sweeper statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"period":           s.period.String(),
		"running":          s.running,
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastDuration.Milliseconds(),
		"total_deleted":    s.totalDeleted,
		"total_failed":     s.totalFailed,
	}
}
