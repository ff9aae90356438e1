// Package app wires configuration into services and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/announce"
	"relaybot/internal/bridge"
	"relaybot/internal/commands"
	"relaybot/internal/config"
	"relaybot/internal/dedup"
	"relaybot/internal/dispatch"
	"relaybot/internal/jobs"
	"relaybot/internal/policy"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	oracle   *policy.Oracle
	store    queue.Store
	sender   *bridge.HTTPSender
	listener *bridge.WebhookListener

	router     *announce.Router
	dispatcher *dispatch.Dispatcher
	cmds       *commands.Service
	registry   *jobs.Registry

	pruneAfter time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	oracle := policy.New(cfg.Policy.Path, log.With(logx.String("comp", "policy")))
	if err := oracle.Load(); err != nil {
		return nil, fmt.Errorf("policy load: %w", err)
	}

	qCfg, err := queueConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := queue.Open(qCfg, time.Now, log.With(logx.String("comp", "queue")))
	if err != nil {
		return nil, err
	}

	bcfg := bridge.Config{
		BaseURL:     cfg.Bridge.BaseURL,
		WebhookAddr: cfg.Bridge.WebhookAddr,
		WebhookPath: cfg.Bridge.WebhookPath,
	}
	sender, err := bridge.NewHTTPSender(bcfg, log.With(logx.String("comp", "bridge")))
	if err != nil {
		return nil, err
	}
	listener := bridge.NewWebhookListener(bcfg, log.With(logx.String("comp", "bridge")))

	anCfg, routes, err := announceConfig(cfg)
	if err != nil {
		return nil, err
	}
	dedupTTL, err := config.ParseDurationOrDefault("announce.dedup_ttl", cfg.Announce.DedupTTL, dedup.DefaultTTL)
	if err != nil {
		return nil, err
	}
	dedupSweep, err := config.ParseDurationOrDefault("announce.dedup_sweep", cfg.Announce.DedupSweep, dedup.DefaultSweepInterval)
	if err != nil {
		return nil, err
	}
	cache := dedup.New(dedupTTL, dedupSweep, log.With(logx.String("comp", "dedup")))

	router := announce.NewRouter(anCfg, routes, cache, sender, oracle,
		log.With(logx.String("comp", "announce")))

	dCfg, pollInterval, pruneAfter, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dCfg, store, sender, oracle,
		log.With(logx.String("comp", "dispatch")))

	cmds := commands.New(commands.Config{
		OwnerIDs:        cfg.Commands.OwnerIDs,
		WelcomeTemplate: cfg.Commands.WelcomeTemplate,
	}, store, sender, oracle, log.With(logx.String("comp", "commands")))

	registry := jobs.NewRegistry(log.With(logx.String("comp", "jobs")))
	if err := registry.Add("dispatch", pollInterval, 2*time.Minute, dispatcher.Tick); err != nil {
		return nil, err
	}
	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		oracle:     oracle,
		store:      store,
		sender:     sender,
		listener:   listener,
		router:     router,
		dispatcher: dispatcher,
		cmds:       cmds,
		registry:   registry,
		pruneAfter: pruneAfter,
	}
	if err := registry.Add("queue-prune", time.Hour, time.Minute, a.pruneQueue); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Hot reloads: app config and runtime policy are watched separately.
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		if err := a.oracle.Watch(runCtx); err != nil {
			a.log.Warn("policy watcher exited", logx.Err(err))
		}
	}()
	go a.consumeConfigUpdates(runCtx)

	if err := a.registry.Start(runCtx); err != nil {
		cancel()
		a.cancel = nil
		return err
	}

	if err := a.listener.Start(runCtx, a.handleEvent); err != nil {
		a.registry.Stop()
		cancel()
		a.cancel = nil
		return err
	}

	a.log.Info("relaybot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	_ = a.listener.Stop(ctx)
	a.registry.Stop()
	if cancel != nil {
		cancel()
	}
	err := a.store.Close()
	a.log.Info("relaybot stopped")
	_ = a.logs.Close()
	return err
}

// handleEvent is the inbound fan-in: the command surface first, then the
// announcement router for every message regardless of command match.
func (a *App) handleEvent(ctx context.Context, ev bridge.Event) {
	a.cmds.HandleEvent(ctx, ev)
	if ev.Kind == "" || ev.Kind == bridge.EventMessage {
		a.router.HandleMessage(ctx, ev)
	}
}

func (a *App) pruneQueue(ctx context.Context) error {
	n, err := a.store.Prune(ctx, a.pruneAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("pruned terminal tasks", logx.Int("removed", n))
	}
	return nil
}

// consumeConfigUpdates applies the reloadable subset of a republished
// config: logging sinks and announcement routes.
func (a *App) consumeConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if _, routes, err := announceConfig(cfg); err == nil {
				a.router.SetRoutes(routes)
			} else {
				a.log.Warn("announce routes rejected", logx.Err(err))
			}
			a.log.Info("config applied")
		}
	}
}

// ---- config mapping ----

func queueConfig(cfg *config.Config) (queue.Config, error) {
	busy, err := config.ParseDurationField("queue.busy_timeout", cfg.Queue.BusyTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Driver:      cfg.Queue.Driver,
		Path:        cfg.Queue.Path,
		BusyTimeout: busy,
	}, nil
}

func announceConfig(cfg *config.Config) (announce.Config, []announce.Route, error) {
	textTimeout, err := config.ParseDurationOrDefault("announce.text_timeout", cfg.Announce.TextTimeout, 10*time.Second)
	if err != nil {
		return announce.Config{}, nil, err
	}
	imageTimeout, err := config.ParseDurationOrDefault("announce.image_timeout", cfg.Announce.ImageTimeout, 15*time.Second)
	if err != nil {
		return announce.Config{}, nil, err
	}

	routes := make([]announce.Route, 0, len(cfg.Announce.Routes))
	for i, rt := range cfg.Announce.Routes {
		delay, err := config.ParseDurationOrDefault(
			fmt.Sprintf("announce.routes[%d].delay", i), rt.Delay, 500*time.Millisecond)
		if err != nil {
			return announce.Config{}, nil, err
		}
		includeImages := true
		if rt.IncludeImages != nil {
			includeImages = *rt.IncludeImages
		}
		id := rt.ID
		if id == "" {
			id = fmt.Sprintf("route-%d", i)
		}
		routes = append(routes, announce.Route{
			ID:                id,
			Source:            rt.Source,
			Targets:           rt.Targets,
			IncludeSenderName: rt.IncludeSenderName,
			IncludeImages:     includeImages,
			Delay:             delay,
		})
	}

	return announce.Config{
		TextTimeout:  textTimeout,
		ImageTimeout: imageTimeout,
		RatePerSec:   cfg.Announce.RatePerSec,
	}, routes, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, time.Duration, time.Duration, error) {
	poll, err := config.ParseDurationOrDefault("dispatch.poll_interval", cfg.Dispatch.PollInterval, 5*time.Second)
	if err != nil {
		return dispatch.Config{}, 0, 0, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 8*time.Second)
	if err != nil {
		return dispatch.Config{}, 0, 0, err
	}
	pruneAfter, err := config.ParseDurationOrDefault("dispatch.prune_after", cfg.Dispatch.PruneAfter, 7*24*time.Hour)
	if err != nil {
		return dispatch.Config{}, 0, 0, err
	}
	return dispatch.Config{
		BatchLimit:  cfg.Dispatch.BatchLimit,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		SendTimeout: sendTimeout,
	}, poll, pruneAfter, nil
}
