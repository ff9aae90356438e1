// Package announce mirrors messages from source rooms into target rooms.
//
// Unlike the broadcast dispatcher, fan-out here is synchronous and
// best-effort: each target is independent, a failed target is reported and
// skipped, nothing is queued or retried. The dedup cache and an invisible
// mirror marker keep overlapping routes and echoing bridges from looping
// traffic back.
package announce

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/bridge"
	"relaybot/internal/dedup"
	"relaybot/internal/policy"
	logx "relaybot/pkg/logx"
)

// Mirror marker: zero-width space wrapped sentinel carrying the source room
// id. Invisible in chat clients, detectable on the far side.
const (
	markerPrefix = "​[MF:"
	markerSuffix = "]​"
)

var markerRe = regexp.MustCompile(`\x{200B}\[MF:[^\]]+\]\x{200B}`)

// HasMirrorMarker reports whether text is itself a mirror echo.
func HasMirrorMarker(text string) bool {
	return text != "" && markerRe.MatchString(text)
}

// MirrorMarker builds the sentinel appended to outgoing mirrored text.
func MirrorMarker(sourceRoomID string) string {
	return markerPrefix + sourceRoomID + markerSuffix
}

// Route mirrors one source room into its targets.
type Route struct {
	ID                string
	Source            string
	Targets           []string
	IncludeSenderName bool
	IncludeImages     bool
	Delay             time.Duration
}

// TargetResult reports one target's outcome so callers and tests can see
// partial failures instead of only log lines.
type TargetResult struct {
	RouteID string
	Target  string
	Skipped bool // policy denial or overlapping-route dedup
	Err     error
}

// Policy is the slice of the policy oracle the router consults.
type Policy interface {
	GloballyDisabled() bool
	ChannelAllowed(roomID string, feature policy.Feature) bool
}

type Config struct {
	TextTimeout  time.Duration // default 10s
	ImageTimeout time.Duration // default 15s
	RatePerSec   int           // default 5
}

type Router struct {
	cfg     Config
	dedup   *dedup.Cache
	sender  bridge.Sender
	oracle  Policy
	limiter *rate.Limiter
	log     logx.Logger

	mu     sync.RWMutex
	routes map[string][]Route // by source room
}

func NewRouter(cfg Config, routes []Route, cache *dedup.Cache, sender bridge.Sender, oracle Policy, log logx.Logger) *Router {
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 10 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:     cfg,
		dedup:   cache,
		sender:  sender,
		oracle:  oracle,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
	r.SetRoutes(routes)
	return r
}

// SetRoutes swaps the route table (config hot reload).
func (r *Router) SetRoutes(routes []Route) {
	bySource := make(map[string][]Route, len(routes))
	for _, rt := range routes {
		bySource[rt.Source] = append(bySource[rt.Source], rt)
	}
	r.mu.Lock()
	r.routes = bySource
	r.mu.Unlock()
}

func (r *Router) routesFor(source string) []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[source]
}

// HandleMessage runs the mirroring pipeline for one inbound message and
// returns per-target results (nil when the message was not mirrored at all).
func (r *Router) HandleMessage(ctx context.Context, ev bridge.Event) []TargetResult {
	if r.oracle.GloballyDisabled() {
		return nil
	}

	// Loop prevention before anything else: our own mirrored traffic echoed
	// back must never fan out again.
	if HasMirrorMarker(ev.Text) || HasMirrorMarker(ev.AltText) {
		r.log.Debug("mirror echo dropped", logx.String("room", ev.RoomID))
		return nil
	}

	routes := r.routesFor(ev.RoomID)
	if len(routes) == 0 {
		return nil
	}

	if ev.MessageID == "" {
		r.log.Warn("message without id; not mirroring", logx.String("room", ev.RoomID))
		return nil
	}
	if r.dedup.IsMessageDuplicate(ev.MessageID, ev.RoomID) {
		r.log.Debug("duplicate message dropped",
			logx.String("msg_id", ev.MessageID), logx.String("room", ev.RoomID))
		return nil
	}

	c := extractContent(ev)
	if c.hasUnsupported {
		r.log.Warn("unsupported attachment dropped",
			logx.String("msg_id", ev.MessageID), logx.String("room", ev.RoomID))
	}
	if c.empty() {
		return nil
	}

	r.log.Info("announcement triggered",
		logx.String("room", ev.RoomID),
		logx.Int("routes", len(routes)),
		logx.Bool("has_text", c.text != ""),
		logx.Int("images", len(c.images)))

	var results []TargetResult
	for _, rt := range routes {
		results = append(results, r.processRoute(ctx, rt, c, ev)...)
	}
	return results
}

func (r *Router) processRoute(ctx context.Context, rt Route, c content, ev bridge.Event) []TargetResult {
	text := c.text
	if rt.IncludeSenderName && text != "" && ev.SenderName != "" {
		text = fmt.Sprintf("[%s] %s", ev.SenderName, text)
	}
	if text != "" {
		text += MirrorMarker(ev.RoomID)
	}

	delay := rt.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	results := make([]TargetResult, 0, len(rt.Targets))
	for _, target := range rt.Targets {
		res := TargetResult{RouteID: rt.ID, Target: target}

		if !r.oracle.ChannelAllowed(target, policy.FeatureAnnounce) {
			r.log.Debug("target denied by policy",
				logx.String("route", rt.ID), logx.String("target", target))
			res.Skipped = true
			results = append(results, res)
			continue
		}

		// Overlapping routes may name the same target; only the first one
		// delivers within the window.
		if r.dedup.IsDuplicate("mirror:" + ev.RoomID + ":" + target) {
			r.log.Debug("target already reached via another route",
				logx.String("route", rt.ID), logx.String("target", target))
			res.Skipped = true
			results = append(results, res)
			continue
		}

		if err := sleepCtx(ctx, delay); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		res.Err = r.deliver(ctx, rt, target, text, c.images)
		if res.Err != nil {
			// One target's failure never aborts the rest.
			r.log.Error("mirror send failed",
				logx.String("route", rt.ID), logx.String("target", target), logx.Err(res.Err))
		}
		results = append(results, res)
	}
	return results
}

func (r *Router) deliver(ctx context.Context, rt Route, target, text string, images []string) error {
	if text != "" {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, r.cfg.TextTimeout)
		err := r.sender.SendText(sctx, target, text)
		cancel()
		if err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	if len(images) > 0 && rt.IncludeImages {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, r.cfg.ImageTimeout)
		err := r.sender.SendImages(sctx, target, images)
		cancel()
		if err != nil {
			return fmt.Errorf("send images: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
