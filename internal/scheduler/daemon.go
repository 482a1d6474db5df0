// Package scheduler runs the engine unattended: on a cron schedule, whenever
// a status document changes, and back to back while tasks keep succeeding.
// Runs are rate limited, and a task that tripped the circuit breaker parks
// the daemon until someone edits the documents.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskflow/internal/config"
	"taskflow/internal/engine"
	"taskflow/internal/runtime/supervisor"
	logx "taskflow/pkg/logx"
)

// Why a run was requested.
const (
	ReasonStart    = "start"
	ReasonSchedule = "schedule"
	ReasonChange   = "change"
	ReasonContinue = "continue"
)

// Runner is the part of the engine the daemon drives.
type Runner interface {
	RunNext(ctx context.Context) (engine.Report, error)
}

// NotifyFunc reports service state to the init system.
type NotifyFunc func(state string) (bool, error)

type Options struct {
	Schedule         string
	Location         *time.Location
	MaxRunsPerMinute int

	// WatchDir, when set, is watched for status document changes.
	WatchDir string
	Debounce time.Duration

	Log    logx.Logger
	Notify NotifyFunc
}

// OptionsFromSettings maps resolved config onto daemon options.
func OptionsFromSettings(s config.Settings, flowDir string) Options {
	o := Options{
		Schedule:         s.Schedule,
		Location:         s.Location,
		MaxRunsPerMinute: s.MaxRunsPerMinute,
		Debounce:         s.Debounce,
	}
	if s.Watch {
		o.WatchDir = flowDir
	}
	return o
}

type Daemon struct {
	runner Runner
	log    logx.Logger
	notify NotifyFunc

	mu      sync.Mutex
	opts    Options
	cron    *cron.Cron
	limiter *rate.Limiter
	paused  bool
	// seen is the document fingerprint after our own last write.
	seen string

	kick chan string
}

func New(r Runner, opts Options) (*Daemon, error) {
	if err := validate(&opts); err != nil {
		return nil, err
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Notify == nil {
		opts.Notify = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	return &Daemon{
		runner:  r,
		log:     opts.Log.With(logx.String("comp", "daemon")),
		notify:  opts.Notify,
		opts:    opts,
		limiter: newLimiter(opts.MaxRunsPerMinute),
		kick:    make(chan string, 1),
	}, nil
}

func validate(o *Options) error {
	o.Schedule = strings.TrimSpace(o.Schedule)
	if o.Schedule == "" {
		o.Schedule = config.DefaultSchedule
	}
	if _, err := config.ScheduleParser.Parse(o.Schedule); err != nil {
		return err
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MaxRunsPerMinute <= 0 {
		o.MaxRunsPerMinute = config.DefaultMaxRunsPerMinute
	}
	if o.Debounce <= 0 {
		o.Debounce = config.DefaultDebounce
	}
	return nil
}

func newLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Paused reports whether a circuit breaker is holding the daemon.
func (d *Daemon) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Trigger requests a run. Requests made while one is pending are coalesced;
// a change request always lifts a circuit-breaker pause.
func (d *Daemon) Trigger(reason string) {
	if reason == ReasonChange {
		d.mu.Lock()
		if d.paused {
			d.log.Info("documents changed; resuming")
		}
		d.paused = false
		d.mu.Unlock()
	}
	select {
	case d.kick <- reason:
	default:
	}
}

// Apply swaps schedule and rate settings at runtime.
func (d *Daemon) Apply(opts Options) error {
	if err := validate(&opts); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.opts
	d.opts.MaxRunsPerMinute = opts.MaxRunsPerMinute
	d.opts.Debounce = opts.Debounce
	if old.MaxRunsPerMinute != opts.MaxRunsPerMinute {
		d.limiter.SetLimit(rate.Every(time.Minute / time.Duration(opts.MaxRunsPerMinute)))
		d.limiter.SetBurst(opts.MaxRunsPerMinute)
	}
	if old.Schedule == opts.Schedule && old.Location.String() == opts.Location.String() {
		return nil
	}
	d.opts.Schedule = opts.Schedule
	d.opts.Location = opts.Location
	if d.cron != nil {
		d.cron.Stop()
		c, err := d.startCronLocked()
		if err != nil {
			return err
		}
		d.cron = c
	}
	d.log.Info("schedule updated", logx.String("schedule", opts.Schedule), logx.String("tz", opts.Location.String()))
	return nil
}

func (d *Daemon) startCronLocked() (*cron.Cron, error) {
	c := cron.New(cron.WithParser(config.ScheduleParser), cron.WithLocation(d.opts.Location))
	if _, err := c.AddFunc(d.opts.Schedule, func() { d.Trigger(ReasonSchedule) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Run blocks until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(d.log))

	d.mu.Lock()
	c, err := d.startCronLocked()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.cron = c
	watchDir, schedule := d.opts.WatchDir, d.opts.Schedule
	d.mu.Unlock()

	if watchDir != "" {
		d.mu.Lock()
		d.seen = fingerprint(watchDir)
		d.mu.Unlock()
		sup.GoRestart("watch", func(ctx context.Context) error {
			return d.watch(ctx, watchDir)
		}, 250*time.Millisecond, 10*time.Second)
	}
	sup.Go("runner", d.loop)

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		sup.Go("watchdog", func(ctx context.Context) error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					_, _ = d.notify(daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	d.sdNotify(daemon.SdNotifyReady)
	d.log.Info("daemon started",
		logx.String("schedule", schedule),
		logx.Bool("watch", watchDir != ""),
	)
	d.Trigger(ReasonStart)

	<-sup.Context().Done()
	d.sdNotify(daemon.SdNotifyStopping)

	d.mu.Lock()
	if d.cron != nil {
		<-d.cron.Stop().Done()
		d.cron = nil
	}
	d.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) sdNotify(state string) {
	sent, err := d.notify(state)
	if err != nil {
		d.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		d.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (d *Daemon) loop(ctx context.Context) error {
	for {
		var reason string
		select {
		case <-ctx.Done():
			return nil
		case reason = <-d.kick:
		}

		if d.Paused() {
			d.log.Debug("run skipped: circuit breaker pause", logx.String("reason", reason))
			continue
		}
		if !d.limiter.Allow() {
			d.log.Warn("run skipped: rate limited", logx.String("reason", reason))
			continue
		}
		d.runOnce(ctx, reason)
	}
}

func (d *Daemon) runOnce(ctx context.Context, reason string) {
	rep, err := d.runner.RunNext(ctx)

	d.mu.Lock()
	if d.opts.WatchDir != "" {
		d.seen = fingerprint(d.opts.WatchDir)
	}
	d.mu.Unlock()

	log := d.log.With(logx.String("reason", reason))
	switch {
	case err == nil:
		log.Info("task done", logx.String("doc", rep.Doc), logx.String("task_id", rep.TaskID), logx.Duration("dur", rep.Duration))
		d.Trigger(ReasonContinue)
	case errors.Is(err, engine.ErrNothingToDo):
		log.Debug("nothing to do")
	case errors.Is(err, engine.ErrLocked):
		log.Info("engine busy", logx.Err(err))
	case errors.Is(err, engine.ErrCircuitBreaker):
		d.mu.Lock()
		d.paused = true
		d.mu.Unlock()
		log.Error("circuit breaker tripped; waiting for document changes", logx.String("task_id", rep.TaskID), logx.Err(err))
	case ctx.Err() != nil:
		log.Info("run interrupted", logx.String("task_id", rep.TaskID))
	default:
		log.Warn("task failed", logx.String("task_id", rep.TaskID), logx.Err(err))
	}
}
