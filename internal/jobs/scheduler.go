package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const purgeTimeout = time.Minute

// refreshPurger deletes refresh tokens whose expiry has passed.
type refreshPurger interface {
	PurgeExpiredRefreshTokens(ctx context.Context) (int64, error)
}

// Scheduler runs housekeeping on a cron schedule (six fields, with seconds).
type Scheduler struct {
	cron     *cron.Cron
	purger   refreshPurger
	schedule string
	log      *zap.Logger
}

// NewScheduler builds a scheduler that runs the refresh-token purge on
// schedule. An empty schedule disables the job.
func NewScheduler(purger refreshPurger, schedule string, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		purger:   purger,
		schedule: schedule,
		log:      log.Named("jobs"),
	}
}

func (s *Scheduler) Start() error {
	if s.purger == nil || s.schedule == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.purgeRefreshTokens); err != nil {
		return fmt.Errorf("jobs: schedule refresh purge %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.String("refresh_purge", s.schedule))
	return nil
}

// Stop halts scheduling and waits up to timeout for a running job.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.log.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) purgeRefreshTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	n, err := s.purger.PurgeExpiredRefreshTokens(ctx)
	if err != nil {
		s.log.Error("refresh token purge failed", zap.Error(err))
		return
	}
	s.log.Info("refresh tokens purged", zap.Int64("deleted", n))
}
