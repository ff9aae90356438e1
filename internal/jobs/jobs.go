// Package jobs is an explicit periodic job registry: components register
// (name, interval, handler) tuples and a single cron scheduler drives them.
// Each job skips its own overlapping runs; jobs share no state with each
// other.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

type jobDef struct {
	name    string
	every   time.Duration
	timeout time.Duration
	run     func(ctx context.Context) error

	mu      sync.Mutex
	running bool
}

type Registry struct {
	mu sync.Mutex

	log  logx.Logger
	c    *cron.Cron
	defs []*jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log}
}

// Add registers a periodic job. Must be called before Start.
func (r *Registry) Add(name string, every, timeout time.Duration, run func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("job name required")
	}
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return errors.New("registry already started")
	}
	r.defs = append(r.defs, &jobDef{name: name, every: every, timeout: timeout, run: run})
	return nil
}

func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return errors.New("registry already started")
	}

	r.runCtx, r.runCancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	for _, d := range r.defs {
		d := d
		spec := fmt.Sprintf("@every %s", d.every)
		if _, err := c.AddFunc(spec, func() { r.execOne(r.runCtx, d) }); err != nil {
			r.runCancel()
			return fmt.Errorf("job %s: %w", d.name, err)
		}
		r.log.Debug("job registered", logx.String("job", d.name), logx.Duration("every", d.every))
	}
	c.Start()
	r.c = c
	r.log.Info("job registry started", logx.Int("jobs", len(r.defs)))
	return nil
}

func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.c
	cancel := r.runCancel
	r.c = nil
	r.runCancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
		r.log.Info("job registry stopped")
	}
}

func (r *Registry) execOne(ctx context.Context, d *jobDef) {
	if ctx.Err() != nil {
		return
	}

	// Overlap control: a tick that fires while the previous run is still
	// going is skipped, not queued.
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		r.log.Debug("job still running; skipping tick", logx.String("job", d.name))
		return
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in job",
				logx.String("job", d.name),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := d.run(runCtx); err != nil {
		r.log.Warn("job failed",
			logx.String("job", d.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	r.log.Debug("job completed",
		logx.String("job", d.name), logx.Duration("dur", time.Since(start)))
}
