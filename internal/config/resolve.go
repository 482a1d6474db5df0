package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	StrictMeta bool

	LockStaleAfter time.Duration
	LockMaxRetries int

	ReplaceRetries int
	ReplaceBackoff time.Duration

	EventsDriver      string
	EventsPath        string
	EventsDSN         string
	EventsBusyTimeout time.Duration
	InlineLimit       int

	ShellTimeout time.Duration

	Schedule         string
	Location         *time.Location
	Watch            bool
	MaxRunsPerMinute int
	Debounce         time.Duration

	TelegramToken  string
	TelegramChatID int64
}

// Defaults mirror the fixed constants of the engine.
const (
	DefaultLockStaleAfter   = 30 * time.Second
	MinLockStaleAfter       = time.Second
	DefaultLockMaxRetries   = 3
	DefaultReplaceRetries   = 5
	DefaultReplaceBackoff   = 100 * time.Millisecond
	DefaultInlineLimit      = 8192
	DefaultSchedule         = "@every 1m"
	DefaultMaxRunsPerMinute = 6
	DefaultDebounce         = 500 * time.Millisecond
)

// ScheduleParser accepts an optional seconds field and descriptors such as
// "@every 30s" and "@hourly".
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Resolve validates cfg and fills in defaults. A nil cfg yields pure defaults.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var s Settings
	errs := resolveDurations(
		durationField{path: "lock.stale_after", raw: cfg.Lock.StaleAfter, def: DefaultLockStaleAfter, min: MinLockStaleAfter, dst: &s.LockStaleAfter},
		durationField{path: "persist.replace_backoff", raw: cfg.Persist.ReplaceBackoff, def: DefaultReplaceBackoff, dst: &s.ReplaceBackoff},
		durationField{path: "events.busy_timeout", raw: cfg.Events.BusyTimeout, dst: &s.EventsBusyTimeout},
		durationField{path: "atoms.shell_timeout", raw: cfg.Atoms.ShellTimeout, dst: &s.ShellTimeout},
		durationField{path: "daemon.debounce", raw: cfg.Daemon.Debounce, def: DefaultDebounce, dst: &s.Debounce},
	)

	s.StrictMeta = cfg.Integrity.StrictMeta

	s.LockMaxRetries = cfg.Lock.MaxRetries
	if s.LockMaxRetries <= 0 {
		s.LockMaxRetries = DefaultLockMaxRetries
	}

	s.ReplaceRetries = cfg.Persist.ReplaceRetries
	if s.ReplaceRetries <= 0 {
		s.ReplaceRetries = DefaultReplaceRetries
	}

	s.EventsDriver = strings.ToLower(strings.TrimSpace(cfg.Events.Driver))
	switch s.EventsDriver {
	case "", "none", "file", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		errs = append(errs, fmt.Errorf("events.driver: unknown driver %q", cfg.Events.Driver))
	}
	s.EventsPath = strings.TrimSpace(cfg.Events.Path)
	s.EventsDSN = strings.TrimSpace(cfg.Events.DSN)
	s.InlineLimit = cfg.Events.InlineLimit
	if s.InlineLimit <= 0 {
		s.InlineLimit = DefaultInlineLimit
	}

	s.Schedule = strings.TrimSpace(cfg.Daemon.Schedule)
	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}
	if _, err := ScheduleParser.Parse(s.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("daemon.schedule: %w", err))
	}
	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Daemon.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("daemon.timezone: %w", err))
		} else {
			s.Location = loc
		}
	}
	s.Watch = cfg.Daemon.Watch == nil || *cfg.Daemon.Watch
	s.MaxRunsPerMinute = cfg.Daemon.MaxRunsPerMinute
	if s.MaxRunsPerMinute <= 0 {
		s.MaxRunsPerMinute = DefaultMaxRunsPerMinute
	}

	s.TelegramToken = strings.TrimSpace(cfg.Telegram.Token)
	s.TelegramChatID = cfg.Telegram.ChatID
	if s.TelegramToken != "" && s.TelegramChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}

	return s, errors.Join(errs...)
}
