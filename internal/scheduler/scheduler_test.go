package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

type fakeBroker struct {
	initErr error
	sweeps  atomic.Int32
}

func (f *fakeBroker) Init(context.Context) error { return f.initErr }

func (f *fakeBroker) RunRetentionSweep(_ context.Context, hours int) (map[store.Name]int64, error) {
	f.sweeps.Add(1)
	return map[store.Name]int64{store.Listing: int64(hours)}, nil
}

// scriptedStage returns results from a script, then zero forever.
type scriptedStage struct {
	name   string
	mu     sync.Mutex
	script []result
	calls  atomic.Int32
}

type result struct {
	n   int
	err error
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) RunBatch(context.Context) (int, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return 0, nil
	}
	r := s.script[0]
	s.script = s.script[1:]
	return r.n, r.err
}

func fastOpts() Options {
	return Options{IdleInterval: time.Millisecond, ActiveInterval: time.Millisecond, RetentionInterval: 5 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunKeepsStagesPolling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBroker{}
	s := New(b, fastOpts(), zerolog.Nop())
	st := &scriptedStage{name: "extractor", script: []result{{n: 3}, {err: errors.New("network blip")}, {n: 1}}}
	s.AddStage(st)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return st.calls.Load() >= 5 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	stages := s.Stages()
	if len(stages) != 1 || stages[0].Processed != 4 || stages[0].State != StateStopped {
		t.Fatalf("unexpected status %+v", stages)
	}
	if stages[0].Batches < 5 || stages[0].LastRunAt == nil {
		t.Fatalf("batches not recorded: %+v", stages[0])
	}
}

func TestFatalErrorHaltsOnlyThatStage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(&fakeBroker{initErr: errors.New("migrate final: corrupt")}, fastOpts(), zerolog.Nop())
	bad := &scriptedStage{name: "scorer", script: []result{{err: fmt.Errorf("store scoring: %w", store.ErrCorrupt)}}}
	good := &scriptedStage{name: "dedup"}
	s.AddStage(bad)
	s.AddStage(good)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool {
		for _, st := range s.Stages() {
			if st.Name == "scorer" && st.State == StateHalted {
				return true
			}
		}
		return false
	})
	before := good.calls.Load()
	waitFor(t, func() bool { return good.calls.Load() > before+3 })
	if bad.calls.Load() != 1 {
		t.Fatalf("halted stage kept running: %d calls", bad.calls.Load())
	}

	cancel()
	err := <-done
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected halt error, got %v", err)
	}
}

func TestRetentionRunsOnStartAndInterval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBroker{}
	opts := fastOpts()
	opts.RetentionHours = 24
	s := New(b, opts, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, func() bool { return b.sweeps.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := s.Sweep(context.Background()); got[store.Listing] != 24 {
		t.Fatalf("sweep should pass configured hours, got %v", got)
	}
}

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b := &fakeBroker{}
	if err := New(b, fastOpts(), zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if b.sweeps.Load() != 0 {
		t.Fatal("retention should not run with zero hours")
	}
}

func TestServiceErrorsAreReported(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := New(&fakeBroker{}, fastOpts(), zerolog.Nop())
	boom := errors.New("bind: address in use")
	s.AddService("server", func(context.Context) error { return boom })
	s.AddService("listener", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, func() bool {
		for _, st := range s.Stages() {
			if st.Name == "server" && st.State == StateHalted {
				return true
			}
		}
		return false
	})
	cancel()

	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("expected service error, got %v", err)
	}
	for _, st := range s.Stages() {
		if st.Name == "listener" && st.State != StateStopped {
			t.Fatalf("listener should stop cleanly, got %s", st.State)
		}
	}
}
