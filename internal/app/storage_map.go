package app

import (
	"path/filepath"
	"strings"

	"taskflow/internal/config"
	"taskflow/internal/eventlog"
	"taskflow/internal/storage"
	logx "taskflow/pkg/logx"
)

// mapEventsConfig turns the events section into a store config. An empty
// driver is passed through so OpenStore can pick the file store when the
// logs directory exists.
func mapEventsConfig(s config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.EventsDriver,
		Path:        s.EventsPath,
		DSN:         s.EventsDSN,
		BusyTimeout: s.EventsBusyTimeout,
	}
}

// mapLogConfig builds the logging config. A non-empty override wins over the
// configured level; a relative log file path is taken from the control
// directory.
func mapLogConfig(cfg *config.Config, flowDir, levelOverride string) logx.Config {
	if cfg == nil {
		cfg = &config.Config{}
	}
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    strings.TrimSpace(cfg.Logging.File.Path),
		},
	}
	if strings.TrimSpace(levelOverride) != "" {
		lc.Level = levelOverride
	}
	if lc.File.Enabled {
		if lc.File.Path == "" {
			lc.File.Path = filepath.Join(eventlog.LogsDir, "flow.log")
		}
		if !filepath.IsAbs(lc.File.Path) {
			lc.File.Path = filepath.Join(flowDir, lc.File.Path)
		}
	}
	return lc
}
