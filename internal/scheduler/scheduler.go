// Package scheduler runs the periodic poll cycle and the daily retention
// purge.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	cron "github.com/robfig/cron/v3"

	"github.com/camarigor/bitaxe-sentry/internal/config"
)

var log = logging.Logger("scheduler")

// Poller runs one poll cycle.
type Poller interface {
	PollOnce(ctx context.Context) int
}

// Maintainer prunes old readings and compacts the database.
type Maintainer interface {
	PurgeOldReadings(ctx context.Context, retentionDays int) (int64, error)
	Vacuum(ctx context.Context) error
}

// cronLogger routes cron's own logging through go-log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler drives the Poller on the configured interval.
type Scheduler struct {
	cfg    config.Provider
	poller Poller
	store  Maintainer
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pollID   cron.EntryID
	interval int
}

// New creates a Scheduler. Nothing runs until Start.
func New(cfg config.Provider, poller Poller, store Maintainer) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cfg:    cfg,
		poller: poller,
		store:  store,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start runs an initial poll in the background and schedules the recurring
// jobs. Jobs stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.schedulePoll(s.cfg.Current().PollIntervalMinutes); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", func() { s.RunMaintenance(s.ctx) }); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}

	s.cron.Start()
	go s.poller.PollOnce(s.ctx)

	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Interval returns the poll interval in minutes currently scheduled.
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Reschedule picks up a changed poll interval. It does nothing if the
// interval is unchanged.
func (s *Scheduler) Reschedule() error {
	minutes := s.cfg.Current().PollIntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	s.mu.Lock()
	same := minutes == s.interval
	s.mu.Unlock()
	if same {
		return nil
	}
	return s.schedulePoll(minutes)
}

func (s *Scheduler) schedulePoll(minutes int) error {
	if minutes < 1 {
		minutes = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), s.pollAndReschedule)
	if err != nil {
		return fmt.Errorf("scheduling poll: %w", err)
	}
	if s.pollID != 0 {
		s.cron.Remove(s.pollID)
		log.Infof("poll interval changed from %d to %d minutes", s.interval, minutes)
	} else {
		log.Infof("polling every %d minutes", minutes)
	}
	s.pollID = id
	s.interval = minutes
	return nil
}

func (s *Scheduler) pollAndReschedule() {
	s.poller.PollOnce(s.ctx)
	if err := s.Reschedule(); err != nil {
		log.Errorf("rescheduling poll: %v", err)
	}
}

// RunMaintenance deletes readings past the retention window and vacuums.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	days := s.cfg.Current().RetentionDays
	deleted, err := s.store.PurgeOldReadings(ctx, days)
	if err != nil {
		log.Errorf("purging readings older than %d days: %v", days, err)
		return
	}
	log.Infof("purged %d readings older than %d days", deleted, days)
	if err := s.store.Vacuum(ctx); err != nil {
		log.Errorf("vacuum failed: %v", err)
	}
}
