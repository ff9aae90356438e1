package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Config configures the HTTP bridge client and the inbound webhook server.
type Config struct {
	// BaseURL of the bridge reply API, e.g. "http://127.0.0.1:3000".
	BaseURL string
	// WebhookAddr is the local listen address for inbound events,
	// e.g. "127.0.0.1:8471". Empty disables the listener.
	WebhookAddr string
	// WebhookPath defaults to "/webhook/message".
	WebhookPath string
}

// HTTPSender talks to the bridge's reply endpoints:
//
//	POST {base}/reply        {"room": "...", "message": "..."}
//	POST {base}/reply/image  {"room": "...", "urls": ["..."]}
//
// Timeouts come from the caller's context; the embedded client timeout is a
// backstop only.
type HTTPSender struct {
	base   string
	client *http.Client
	log    logx.Logger
}

func NewHTTPSender(cfg Config, log logx.Logger) (*HTTPSender, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("bridge.base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPSender{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}, nil
}

func (s *HTTPSender) SendText(ctx context.Context, target string, text string) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("empty target room")
	}
	return s.post(ctx, "/reply", map[string]any{"room": target, "message": text})
}

func (s *HTTPSender) SendImages(ctx context.Context, target string, urls []string) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("empty target room")
	}
	if len(urls) == 0 {
		return nil
	}
	return s.post(ctx, "/reply/image", map[string]any{"room": target, "urls": urls})
}

func (s *HTTPSender) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bridge %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
