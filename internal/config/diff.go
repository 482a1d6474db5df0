package config

import (
	"hash/fnv"
	"strings"

	logx "taskflow/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (telegram token, postgres dsn) are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Integrity != newCfg.Integrity {
		changed = append(changed, "integrity")
		attrs = append(attrs, logx.Bool("integrity.strict_meta", newCfg.Integrity.StrictMeta))
	}
	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.stale_after", newCfg.Lock.StaleAfter),
			logx.Int("lock.max_retries", newCfg.Lock.MaxRetries),
		)
	}
	if oldCfg.Persist != newCfg.Persist {
		changed = append(changed, "persist")
		attrs = append(attrs, logx.Int("persist.replace_retries", newCfg.Persist.ReplaceRetries))
	}
	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.String("events.driver", newCfg.Events.Driver),
			logx.Bool("events.dsn_set", strings.TrimSpace(newCfg.Events.DSN) != ""),
		)
	}
	if oldCfg.Atoms != newCfg.Atoms {
		changed = append(changed, "atoms")
		attrs = append(attrs, logx.String("atoms.shell_timeout", newCfg.Atoms.ShellTimeout))
	}
	if daemonChanged(oldCfg.Daemon, newCfg.Daemon) {
		changed = append(changed, "daemon")
		attrs = append(attrs,
			logx.String("daemon.schedule", newCfg.Daemon.Schedule),
			logx.String("daemon.timezone", newCfg.Daemon.Timezone),
			logx.Int("daemon.max_runs_per_minute", newCfg.Daemon.MaxRunsPerMinute),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}
	return changed, attrs
}

func daemonChanged(a, b DaemonConfig) bool {
	watch := func(p *bool) bool { return p == nil || *p }
	return a.Schedule != b.Schedule ||
		a.Timezone != b.Timezone ||
		watch(a.Watch) != watch(b.Watch) ||
		a.MaxRunsPerMinute != b.MaxRunsPerMinute ||
		a.Debounce != b.Debounce
}
