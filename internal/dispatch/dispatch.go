// Package dispatch drains the durable broadcast queue: a periodic tick
// pulls due tasks and pushes them through the outbound transport with
// retry/backoff bookkeeping delegated to the store.
package dispatch

import (
	"context"
	"time"

	"relaybot/internal/bridge"
	"relaybot/internal/policy"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
)

// Policy is the slice of the policy oracle the dispatcher consults.
type Policy interface {
	GloballyDisabled() bool
	ChannelAllowed(roomID string, feature policy.Feature) bool
}

type Config struct {
	BatchLimit  int           // default 5
	MaxAttempts int           // default 3
	SendTimeout time.Duration // per channel send, default 8s
}

type Dispatcher struct {
	cfg    Config
	store  queue.Store
	sender bridge.Sender
	oracle Policy
	log    logx.Logger
}

func New(cfg Config, store queue.Store, sender bridge.Sender, oracle Policy, log logx.Logger) *Dispatcher {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, store: store, sender: sender, oracle: oracle, log: log}
}

// Tick runs one dispatch pass. Tasks are processed in store order, channels
// within a task in declared order. The first channel failure stops the task
// (fail-fast) and schedules a retry; channels delivered before the failure
// are recorded so the retry skips them.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if d.oracle.GloballyDisabled() {
		d.log.Debug("dispatch disabled by safe mode; skipping tick")
		return nil
	}

	tasks, err := d.store.FetchDue(ctx, d.cfg.BatchLimit)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := d.dispatchTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchTask(ctx context.Context, t queue.Task) error {
	message, _ := t.Payload["message"].(string)
	if message == "" {
		// Permanent content failure: retrying would fail identically every
		// time, so terminate instead of burning attempts.
		d.log.Warn("task has empty message; failing", logx.String("task", t.ID))
		return d.store.MarkFailed(ctx, t.ID, "empty broadcast payload")
	}

	for _, channel := range t.Channels {
		if t.DeliveredTo(channel) {
			d.log.Debug("channel already delivered; skipping",
				logx.String("task", t.ID), logx.String("channel", channel))
			continue
		}
		if !d.oracle.ChannelAllowed(channel, policy.FeatureBroadcast) {
			// Not an error: skipped channels count as handled.
			d.log.Debug("channel denied by policy; skipping",
				logx.String("task", t.ID), logx.String("channel", channel))
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.sender.SendText(sctx, channel, message)
		cancel()
		if err != nil {
			d.log.Error("broadcast send failed",
				logx.String("task", t.ID), logx.String("channel", channel), logx.Err(err))
			return d.store.MarkRetry(ctx, t.ID, err.Error(), d.cfg.MaxAttempts)
		}

		d.log.Info("broadcast sent",
			logx.String("task", t.ID), logx.String("channel", channel))
		if err := d.store.MarkDelivered(ctx, t.ID, channel); err != nil {
			return err
		}
	}

	return d.store.MarkSuccess(ctx, t.ID)
}
