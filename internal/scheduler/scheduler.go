package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/server"
)

// Stage states reported on the status API.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateHalted  = "halted"
	StateStopped = "stopped"
)

// Stage is one batch-polling pipeline step.
type Stage interface {
	Name() string
	RunBatch(ctx context.Context) (int, error)
}

// Broker is the storage the orchestrator itself needs.
type Broker interface {
	Init(ctx context.Context) error
	RunRetentionSweep(ctx context.Context, hours int) (map[store.Name]int64, error)
}

type service struct {
	name string
	run  func(ctx context.Context) error
}

// Options tunes the polling loops.
type Options struct {
	IdleInterval      time.Duration
	ActiveInterval    time.Duration
	RetentionHours    int
	RetentionInterval time.Duration
}

// Scheduler starts every stage as an independent loop and runs retention.
type Scheduler struct {
	broker   Broker
	stages   []Stage
	services []service
	opts     Options
	logger   zerolog.Logger

	mu     sync.Mutex
	status map[string]*server.StageStatus
}

// New creates a new scheduler.
func New(b Broker, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 5 * time.Second
	}
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = time.Second
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}
	return &Scheduler{
		broker: b,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		status: make(map[string]*server.StageStatus),
	}
}

// AddStage registers a polling stage.
func (s *Scheduler) AddStage(st Stage) {
	s.stages = append(s.stages, st)
	s.setStatus(st.Name(), func(ss *server.StageStatus) { ss.State = StateIdle })
}

// AddService registers a long-running task such as the listener or the status server.
func (s *Scheduler) AddService(name string, run func(ctx context.Context) error) {
	s.services = append(s.services, service{name: name, run: run})
	s.setStatus(name, func(ss *server.StageStatus) { ss.State = StateIdle })
}

// Run initializes every store schema, then blocks until ctx is cancelled and
// every loop has returned. It returns the errors of halted stages.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.broker.Init(ctx); err != nil {
		// Stages on the failed stores halt on their own; the rest keep working.
		s.logger.Error().Err(err).Msg("schema init incomplete")
	}

	s.logger.Info().
		Int("stages", len(s.stages)).
		Int("services", len(s.services)).
		Dur("idle", s.opts.IdleInterval).
		Dur("active", s.opts.ActiveInterval).
		Msg("pipeline starting")

	var g errgroup.Group
	for _, st := range s.stages {
		g.Go(func() error { return s.loop(ctx, st) })
	}
	for _, svc := range s.services {
		g.Go(func() error { return s.runService(ctx, svc) })
	}
	if s.opts.RetentionHours > 0 {
		g.Go(func() error { return s.retentionLoop(ctx) })
	}

	err := g.Wait()
	s.logger.Info().Msg("pipeline stopped")
	return err
}

// loop runs batches until ctx ends. Only fatal storage errors stop it early.
func (s *Scheduler) loop(ctx context.Context, st Stage) error {
	name := st.Name()
	logger := s.logger.With().Str("stage", name).Logger()
	defer s.setStatus(name, func(ss *server.StageStatus) {
		if ss.State != StateHalted {
			ss.State = StateStopped
		}
	})

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := s.RunOnce(ctx, st)
		if err != nil {
			if store.IsFatal(err) {
				logger.Error().Err(err).Msg("stage halted")
				s.setStatus(name, func(ss *server.StageStatus) { ss.State = StateHalted })
				return fmt.Errorf("stage %s halted: %w", name, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("batch failed")
		}

		wait := s.opts.IdleInterval
		if n > 0 {
			wait = s.opts.ActiveInterval
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// RunOnce runs a single batch of st under a fresh correlation id and records
// the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, st Stage) (int, error) {
	name := st.Name()
	batchID := uuid.NewString()
	logger := s.logger.With().Str("stage", name).Str("batch_id", batchID).Logger()

	s.setStatus(name, func(ss *server.StageStatus) { ss.State = StateRunning })
	started := time.Now()
	n, err := st.RunBatch(logger.WithContext(ctx))
	finished := time.Now().UTC()

	s.setStatus(name, func(ss *server.StageStatus) {
		ss.State = StateIdle
		ss.Batches++
		ss.Processed += int64(n)
		ss.LastRunAt = &finished
		ss.LastError = ""
		if err != nil {
			ss.LastError = err.Error()
		}
	})
	if n > 0 {
		logger.Debug().Int("rows", n).Dur("took", time.Since(started)).Msg("batch done")
	}
	return n, err
}

func (s *Scheduler) runService(ctx context.Context, svc service) error {
	s.setStatus(svc.name, func(ss *server.StageStatus) { ss.State = StateRunning })
	err := svc.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("service", svc.name).Msg("service stopped")
		s.setStatus(svc.name, func(ss *server.StageStatus) {
			ss.State = StateHalted
			ss.LastError = err.Error()
		})
		return fmt.Errorf("service %s: %w", svc.name, err)
	}
	s.setStatus(svc.name, func(ss *server.StageStatus) { ss.State = StateStopped })
	return nil
}

// retentionLoop sweeps immediately on start, then on every interval.
func (s *Scheduler) retentionLoop(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.opts.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass and logs what it removed.
func (s *Scheduler) Sweep(ctx context.Context) map[store.Name]int64 {
	deleted, err := s.broker.RunRetentionSweep(ctx, s.opts.RetentionHours)
	if err != nil {
		s.logger.Warn().Err(err).Msg("retention sweep incomplete")
	}
	total := int64(0)
	ev := s.logger.Info().Int("hours", s.opts.RetentionHours)
	for name, n := range deleted {
		ev = ev.Int64(string(name), n)
		total += n
	}
	ev.Int64("total", total).Msg("retention sweep")
	return deleted
}

// Stages implements server.StageReporter.
func (s *Scheduler) Stages() []server.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]server.StageStatus, 0, len(s.status))
	for _, ss := range s.status {
		cp := *ss
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) setStatus(name string, fn func(*server.StageStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.status[name]
	if !ok {
		ss = &server.StageStatus{Name: name}
		s.status[name] = ss
	}
	fn(ss)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
