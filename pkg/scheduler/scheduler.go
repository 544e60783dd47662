package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one run of a recurring job
type JobFunc func(ctx context.Context) error

// Scheduler runs recurring background jobs such as the heartbeat sweep and
// the reconciler. Each run is isolated: an error or panic is logged and the
// next tick still fires. A run still in progress when its next tick arrives
// causes that tick to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	jitter time.Duration
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJitter delays every run by a random duration in [0, d)
func WithJitter(d time.Duration) Option {
	return func(s *Scheduler) { s.jitter = d }
}

// NewScheduler creates a scheduler. Call Start to begin firing jobs.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  log.WithComponent("scheduler"),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	adapter := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(adapter),
		// Recover must sit inside SkipIfStillRunning: the skip wrapper only
		// releases its slot when the wrapped job returns normally
		cron.WithChain(cron.SkipIfStillRunning(adapter), cron.Recover(adapter)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Every registers fn to run every interval under name
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	id, err := s.cron.AddFunc("@every "+interval.String(), func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Jobs returns the names of the scheduled jobs
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.Jobs())).Msg("Scheduler started")
}

// Stop cancels in-flight runs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run(name string, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", name).Interface("panic", r).Msg("Scheduled job panicked")
		}
	}()

	if s.jitter > 0 {
		delay := time.Duration(rand.Int64N(int64(s.jitter)))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := fn(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
		return
	}
	s.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job finished")
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
