// Package commands is the interactive surface: a handful of prefix commands
// for operating the broadcast queue, plus the member-join welcome. Replies
// are synchronous confirmations; failures in the asynchronous dispatch path
// never surface back to the issuer.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/bridge"
	"relaybot/internal/policy"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
)

// Policy is the slice of the policy oracle the command surface consults.
type Policy interface {
	GloballyDisabled() bool
	ChannelAllowed(roomID string, feature policy.Feature) bool
}

type Config struct {
	// OwnerIDs may issue destructive commands.
	OwnerIDs []string
	// WelcomeTemplate supports {name}; empty disables welcomes.
	WelcomeTemplate string
	// ReplyTimeout bounds confirmation sends, default 8s.
	ReplyTimeout time.Duration
}

type Service struct {
	cfg    Config
	store  queue.Store
	sender bridge.Sender
	oracle Policy
	owners map[string]bool
	log    logx.Logger
}

func New(cfg Config, store queue.Store, sender bridge.Sender, oracle Policy, log logx.Logger) *Service {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	owners := make(map[string]bool, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = true
	}
	return &Service{cfg: cfg, store: store, sender: sender, oracle: oracle, owners: owners, log: log}
}

// HandleEvent executes a command or welcome for the event, if any, and sends
// the reply back to the originating room.
func (s *Service) HandleEvent(ctx context.Context, ev bridge.Event) {
	var reply string
	switch ev.Kind {
	case bridge.EventMemberJoin:
		reply = s.Welcome(ev)
	default:
		var handled bool
		reply, handled = s.Execute(ctx, ev)
		if !handled {
			return
		}
	}
	if reply == "" {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	if err := s.sender.SendText(sctx, ev.RoomID, reply); err != nil {
		s.log.Error("command reply failed", logx.String("room", ev.RoomID), logx.Err(err))
	}
}

// Execute parses and runs a queue command. The returned bool reports whether
// the event was a command at all.
func (s *Service) Execute(ctx context.Context, ev bridge.Event) (string, bool) {
	text := strings.TrimSpace(ev.Text)
	if !strings.HasPrefix(text, "!") {
		return "", false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}

	switch fields[0] {
	case "!broadcast":
		return s.cmdBroadcast(ctx, fields[1:], 0), true
	case "!broadcast-at":
		if len(fields) < 2 {
			return "usage: !broadcast-at <epoch-ms> <rooms> <text>", true
		}
		at, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || at <= 0 {
			return fmt.Sprintf("invalid schedule time %q", fields[1]), true
		}
		return s.cmdBroadcast(ctx, fields[2:], at), true
	case "!queue":
		return s.cmdQueue(ctx), true
	case "!queue-clear":
		if !s.owners[ev.SenderID] {
			return "not allowed", true
		}
		return s.cmdQueueClear(ctx), true
	default:
		return "", false
	}
}

func (s *Service) cmdBroadcast(ctx context.Context, args []string, scheduledAt int64) string {
	if len(args) < 2 {
		return "usage: !broadcast <rooms,comma-separated> <text>"
	}
	// Room lists may be written with spaces after the commas ("r1, r2"),
	// so keep consuming tokens while the previous one ends in a comma.
	var channels []string
	rest := 0
	for ; rest < len(args); rest++ {
		for _, c := range strings.Split(args[rest], ",") {
			if c = strings.TrimSpace(c); c != "" {
				channels = append(channels, c)
			}
		}
		if !strings.HasSuffix(args[rest], ",") {
			rest++
			break
		}
	}
	message := strings.Join(args[rest:], " ")
	if len(channels) == 0 {
		return "no target rooms given"
	}
	if message == "" {
		return "usage: !broadcast <rooms,comma-separated> <text>"
	}

	var opts *queue.EnqueueOptions
	if scheduledAt > 0 {
		opts = &queue.EnqueueOptions{ScheduledAt: scheduledAt}
	}
	t, err := s.store.Enqueue(ctx, channels, map[string]any{"message": message}, opts)
	if err != nil {
		s.log.Error("enqueue failed", logx.Err(err))
		return "enqueue failed"
	}
	s.log.Info("broadcast queued", logx.String("task", t.ID), logx.Int("channels", len(t.Channels)))
	return fmt.Sprintf("queued %s -> [%s]", t.ID, strings.Join(t.Channels, ", "))
}

func (s *Service) cmdQueue(ctx context.Context) string {
	tasks, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("queue list failed", logx.Err(err))
		return "queue list failed"
	}
	if len(tasks) == 0 {
		return "queue empty"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s attempts=%d due=%s\n",
			t.ID, t.Attempts, time.UnixMilli(t.ScheduledAt).Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) cmdQueueClear(ctx context.Context) string {
	if err := s.store.Clear(ctx); err != nil {
		s.log.Error("queue clear failed", logx.Err(err))
		return "queue clear failed"
	}
	return "queue cleared"
}

// Welcome builds the member-join greeting, or "" when welcomes are off for
// the room.
func (s *Service) Welcome(ev bridge.Event) string {
	if s.cfg.WelcomeTemplate == "" {
		return ""
	}
	if s.oracle.GloballyDisabled() || !s.oracle.ChannelAllowed(ev.RoomID, policy.FeatureWelcome) {
		return ""
	}
	name := ev.SenderName
	if name == "" {
		name = ev.SenderID
	}
	return strings.ReplaceAll(s.cfg.WelcomeTemplate, "{name}", name)
}
