package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Engine is the work the scheduler drives.
type Engine interface {
	// PromoteDue resumes campaigns whose timer or retry has fallen due.
	PromoteDue(ctx context.Context) error
	// Sweep forgets finished campaigns and purges expired records.
	Sweep(ctx context.Context) error
}

// Config controls how often each loop runs.
type Config struct {
	PromoteInterval time.Duration
	// SweepSchedule is a five-field cron expression or a descriptor such
	// as "@every 1m".
	SweepSchedule string
}

const (
	DefaultPromoteInterval = 200 * time.Millisecond
	DefaultSweepSchedule   = "@every 1m"
	loopTimeout            = 10 * time.Second
)

// Scheduler runs background tasks for the campaign server.
type Scheduler struct {
	engine   Engine
	cfg      Config
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a new Scheduler.
func New(engine Engine, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = DefaultPromoteInterval
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Start begins all background scheduling goroutines.
func (s *Scheduler) Start() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		s.runOnce("campaign-sweeper", s.engine.Sweep)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}

	// Resume campaigns whose wait or durable retry is due.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop("due-promoter", s.cfg.PromoteInterval, s.engine.PromoteDue)
	}()

	s.cron.Start()
	return nil
}

// Stop signals all background goroutines to stop and waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) runLoop(name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(name, fn)
		}
	}
}

func (s *Scheduler) runOnce(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Error("scheduler loop error", "loop", name, "error", err)
	}
}
