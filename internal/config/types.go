package config

// Config is the application configuration, loaded from a JSON or YAML file.
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Bridge  BridgeConfig  `json:"bridge"`

	// Policy is the path of the runtime policy file (safe mode, room
	// allow-list, per-room feature flags). Hot-reloaded independently of
	// this config.
	Policy PolicyConfig `json:"policy"`

	Queue    QueueConfig    `json:"queue"`
	Dispatch DispatchConfig `json:"dispatch"`
	Announce AnnounceConfig `json:"announce"`
	Commands CommandsConfig `json:"commands"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type BridgeConfig struct {
	BaseURL     string `json:"base_url"`
	WebhookAddr string `json:"webhook_addr"`
	WebhookPath string `json:"webhook_path,omitempty"`
}

type PolicyConfig struct {
	Path string `json:"path"`
}

// QueueConfig selects the durable task store backend.
type QueueConfig struct {
	Driver      string `json:"driver"` // "file" (default) or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig controls the broadcast dispatcher tick.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "5s"
//   - batch_limit: 5
//   - max_attempts: 3
//   - send_timeout: "8s"
//   - prune_after: "168h" (terminal tasks retained one week)
type DispatchConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	PruneAfter   string `json:"prune_after,omitempty"`
}

// AnnounceConfig controls the announcement router.
//
// Defaults: dedup_ttl "5m", dedup_sweep "60s", text_timeout "10s",
// image_timeout "15s", rate_per_sec 5.
type AnnounceConfig struct {
	DedupTTL     string  `json:"dedup_ttl,omitempty"`
	DedupSweep   string  `json:"dedup_sweep,omitempty"`
	TextTimeout  string  `json:"text_timeout,omitempty"`
	ImageTimeout string  `json:"image_timeout,omitempty"`
	RatePerSec   int     `json:"rate_per_sec,omitempty"`
	Routes       []Route `json:"routes"`
}

// Route mirrors one source room into target rooms. Multiple routes may share
// a source; each is processed independently.
type Route struct {
	ID                string   `json:"id"`
	Source            string   `json:"source"`
	Targets           []string `json:"targets"`
	IncludeSenderName bool     `json:"include_sender_name,omitempty"`
	// IncludeImages defaults to true when omitted.
	IncludeImages *bool  `json:"include_images,omitempty"`
	Delay         string `json:"delay,omitempty"` // between target sends, default "500ms"
}

// CommandsConfig gates the chat command surface.
type CommandsConfig struct {
	// OwnerIDs may issue destructive commands (queue clear).
	OwnerIDs []string `json:"owner_ids,omitempty"`
	// WelcomeTemplate supports {name} substitution; empty disables welcomes.
	WelcomeTemplate string `json:"welcome_template,omitempty"`
}
