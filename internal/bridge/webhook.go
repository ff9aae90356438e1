package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// WebhookListener runs a small HTTP server the bridge pushes events into.
// One POST per event; malformed bodies are rejected with 400 and dropped.
type WebhookListener struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	srv *http.Server
}

func NewWebhookListener(cfg Config, log logx.Logger) *WebhookListener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebhookListener{cfg: cfg, log: log}
}

func (l *WebhookListener) Start(ctx context.Context, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return errors.New("webhook listener already started")
	}
	addr := strings.TrimSpace(l.cfg.WebhookAddr)
	if addr == "" {
		return errors.New("bridge.webhook_addr is required")
	}
	path := l.cfg.WebhookPath
	if path == "" {
		path = "/webhook/message"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var ev Event
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&ev); err != nil {
			l.log.Warn("webhook decode failed", logx.Err(err))
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if ev.Kind == "" {
			ev.Kind = EventMessage
		}
		w.WriteHeader(http.StatusNoContent)
		// Handler runs after the response so slow routing never backs up
		// the bridge.
		go h(ctx, ev)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	l.srv = srv

	go func() {
		l.log.Info("webhook listener started", logx.String("addr", addr), logx.String("path", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("webhook listener exited", logx.Err(err))
		}
	}()
	return nil
}

func (l *WebhookListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
