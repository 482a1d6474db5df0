// Package app wires a project together: control directory, config, logging,
// event store, event log and engine. The CLI builds one App per invocation.
package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/engine"
	"taskflow/internal/eventlog"
	"taskflow/internal/runtime/supervisor"
	"taskflow/internal/scheduler"
	"taskflow/internal/storage"
	logx "taskflow/pkg/logx"
)

type Options struct {
	// StartDir is where the search for the control directory begins.
	// Empty means the working directory.
	StartDir string
	// Document overrides the root status document.
	Document string
	// LogLevel overrides logging.level.
	LogLevel string
}

type App struct {
	root    string
	flowDir string

	cfgm     *config.ConfigManager
	settings config.Settings
	logLevel string

	log    logx.Logger
	logs   *logx.Service
	store  storage.Store
	events *eventlog.Log
	engine *engine.Engine
}

func New(ctx context.Context, opts Options) (*App, error) {
	start := opts.StartDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		start = wd
	}
	root, flowDir, err := engine.FindRoot(start)
	if err != nil {
		return nil, err
	}

	cfgm := config.NewConfigManager(config.Locate(flowDir))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg, flowDir, opts.LogLevel)
	if logCfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(logCfg.File.Path), 0o755); err != nil {
			return nil, err
		}
	}
	logSvc, log := logx.NewService(logCfg)

	a := &App{
		root:     root,
		flowDir:  flowDir,
		cfgm:     cfgm,
		settings: settings,
		logLevel: opts.LogLevel,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
	}

	store, err := eventlog.OpenStore(ctx, flowDir, mapEventsConfig(settings), log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store
	if store != nil {
		a.log.Debug("event store enabled", logx.String("driver", storeDriver(settings)))
	}

	a.events = eventlog.New(flowDir, eventlog.Options{
		InlineLimit: settings.InlineLimit,
		Store:       store,
		Log:         log,
	})

	eng, err := engine.New(root, flowDir, engine.Options{
		Settings: settings,
		Events:   a.events,
		Log:      log,
		Document: opts.Document,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

func storeDriver(s config.Settings) string {
	if s.EventsDriver == "" {
		return "file"
	}
	return s.EventsDriver
}

func (a *App) Root() string                { return a.root }
func (a *App) FlowDir() string             { return a.flowDir }
func (a *App) Settings() config.Settings   { return a.settings }
func (a *App) Logger() logx.Logger         { return a.log }
func (a *App) Engine() *engine.Engine      { return a.engine }
func (a *App) Events() *eventlog.Log       { return a.events }
func (a *App) Store() storage.Store        { return a.store }

// Config is the manager of the project config file.
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Close releases the event store and log sinks.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunDaemon runs the scheduler daemon with config hot reload until ctx ends.
func (a *App) RunDaemon(ctx context.Context) error {
	d, err := scheduler.New(a.engine, a.daemonOptions(a.settings))
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	// Lifecycle events at debug level; the durable store keeps the record.
	events, unsub := a.events.Bus().Subscribe(64)
	sup.Go("events.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Timestamp))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(d, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("daemon", d.Run)

	<-sup.Context().Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restartSections are config sections that are read once at startup.
var restartSections = map[string]bool{
	"integrity": true,
	"lock":      true,
	"persist":   true,
	"events":    true,
	"atoms":     true,
	"telegram":  true,
}

func (a *App) applyConfig(d *scheduler.Daemon, oldCfg, newCfg *config.Config) {
	settings, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg, a.flowDir, a.logLevel))

	if err := d.Apply(a.daemonOptions(settings)); err != nil {
		a.log.Warn("daemon config rejected; keeping previous", logx.Err(err))
	}

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) daemonOptions(s config.Settings) scheduler.Options {
	o := scheduler.OptionsFromSettings(s, a.flowDir)
	o.Log = a.log
	return o
}
