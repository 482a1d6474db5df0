package config

// Config is the optional per-project file <control dir>/flow.yaml (or .yml,
// .json). Every field may be omitted; see Resolve for defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Integrity IntegrityConfig `json:"integrity"`
	Lock      LockConfig      `json:"lock"`
	Persist   PersistConfig   `json:"persist"`
	Events    EventsConfig    `json:"events"`
	Atoms     AtomsConfig     `json:"atoms"`
	Daemon    DaemonConfig    `json:"daemon"`
	Telegram  TelegramConfig  `json:"telegram"`
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

// IntegrityConfig controls tamper detection on load.
type IntegrityConfig struct {
	// StrictMeta rejects documents that have no .meta sidecar.
	StrictMeta bool `json:"strict_meta"`
}

// LockConfig tunes the intent lock.
//
// Defaults:
//   - stale_after: "30s"
//   - max_retries: 3
type LockConfig struct {
	StaleAfter string `json:"stale_after,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// PersistConfig tunes the atomic replace step of a save.
//
// Defaults:
//   - replace_retries: 5
//   - replace_backoff: "100ms"
type PersistConfig struct {
	ReplaceRetries int    `json:"replace_retries,omitempty"`
	ReplaceBackoff string `json:"replace_backoff,omitempty"`
}

// EventsConfig selects the durable event store.
//
// Example:
//
//	"events": { "driver": "sqlite", "path": "logs/events.db" }
//
// An empty driver writes logs/events.jsonl only when the logs directory exists.
type EventsConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	InlineLimit int    `json:"inline_limit,omitempty"`
}

// AtomsConfig tunes the built-in atoms.
type AtomsConfig struct {
	ShellTimeout string `json:"shell_timeout,omitempty"`
}

// DaemonConfig drives `flow daemon`.
//
// Defaults:
//   - schedule: "@every 1m"
//   - watch: true
//   - max_runs_per_minute: 6
//   - debounce: "500ms"
type DaemonConfig struct {
	Schedule         string `json:"schedule,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Watch            *bool  `json:"watch,omitempty"`
	MaxRunsPerMinute int    `json:"max_runs_per_minute,omitempty"`
	Debounce         string `json:"debounce,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}
