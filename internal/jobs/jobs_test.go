package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestAddValidation(t *testing.T) {
	r := NewRegistry(logx.Nop())
	if err := r.Add("", time.Second, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := r.Add("x", 0, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := r.Add("x", time.Second, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
}

func TestAddAfterStartRejected(t *testing.T) {
	r := NewRegistry(logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	if err := r.Add("late", time.Second, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("Add after Start accepted")
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("double Start accepted")
	}
}

func TestStartStop(t *testing.T) {
	r := NewRegistry(logx.Nop())
	if err := r.Add("noop", time.Hour, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
	// Stop is idempotent.
	r.Stop()
}

func TestExecOneRuns(t *testing.T) {
	r := NewRegistry(logx.Nop())
	var runs atomic.Int32
	d := &jobDef{name: "count", every: time.Second, run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}
	r.execOne(context.Background(), d)
	r.execOne(context.Background(), d)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestExecOneSkipsOverlap(t *testing.T) {
	r := NewRegistry(logx.Nop())
	block := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	d := &jobDef{name: "slow", every: time.Second, run: func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-block
		return nil
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.execOne(context.Background(), d)
	}()
	<-started

	// The overlapping tick must return immediately without running the job.
	r.execOne(context.Background(), d)
	if got := runs.Load(); got != 1 {
		t.Fatalf("overlapping tick ran the job, runs = %d", got)
	}

	close(block)
	wg.Wait()

	r.execOne(context.Background(), d)
	if got := runs.Load(); got != 2 {
		t.Fatalf("job did not run again after release, runs = %d", got)
	}
}

func TestExecOneRecoversPanic(t *testing.T) {
	r := NewRegistry(logx.Nop())
	d := &jobDef{name: "bomb", every: time.Second, run: func(ctx context.Context) error {
		panic("kaboom")
	}}
	r.execOne(context.Background(), d) // must not propagate

	// The job stays runnable after a panic.
	var ran bool
	d.run = func(ctx context.Context) error { ran = true; return nil }
	r.execOne(context.Background(), d)
	if !ran {
		t.Fatal("job not runnable after panic")
	}
}

func TestExecOneAppliesTimeout(t *testing.T) {
	r := NewRegistry(logx.Nop())
	var got error
	d := &jobDef{name: "timed", every: time.Second, timeout: 10 * time.Millisecond,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			got = ctx.Err()
			return got
		}}
	r.execOne(context.Background(), d)
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("ctx err = %v, want deadline exceeded", got)
	}
}

func TestExecOneHonorsCanceledContext(t *testing.T) {
	r := NewRegistry(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran bool
	d := &jobDef{name: "late", every: time.Second, run: func(ctx context.Context) error {
		ran = true
		return nil
	}}
	r.execOne(ctx, d)
	if ran {
		t.Fatal("job ran under canceled context")
	}
}
