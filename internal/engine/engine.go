// Package engine drives a project's status documents: it finds the control
// directory, resolves the task to work on (following references into nested
// documents), dispatches it to an atom and records the outcome, all under an
// intent lock that detects and caps crash loops.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskflow/internal/atom"
	"taskflow/internal/config"
	"taskflow/internal/document"
	"taskflow/internal/eventlog"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// DefaultDocument is the root status document inside the control directory.
const DefaultDocument = "status.md"

type Options struct {
	// Settings supplies lock, integrity and persistence tuning.
	// The zero value means config defaults.
	Settings config.Settings
	// Catalog resolves registry entries. Nil means the built-in catalog.
	Catalog *atom.Catalog
	// Events, when set, receives task lifecycle events.
	Events *eventlog.Log
	Log    logx.Logger

	// Document overrides DefaultDocument.
	Document string

	PID int
	Now func() time.Time
}

type Engine struct {
	root     string
	flowDir  string
	document string

	settings  config.Settings
	registry  map[string]string
	catalog   *atom.Catalog
	parser    *document.Parser
	persister *document.Persister
	lock      *IntentLock
	events    *eventlog.Log
	log       logx.Logger
	now       func() time.Time

	// runMu serialises runs inside the process.
	runMu sync.Mutex

	varsMu sync.RWMutex
	vars   map[string]any
}

// Hydrate locates the project root from startDir and builds an engine for it.
func Hydrate(startDir string, opts Options) (*Engine, error) {
	root, flowDir, err := FindRoot(startDir)
	if err != nil {
		return nil, err
	}
	return New(root, flowDir, opts)
}

// New builds an engine for a known project root. The registry is loaded and
// verified here so a broken entry fails fast.
func New(root, flowDir string, opts Options) (*Engine, error) {
	if opts.Settings.LockMaxRetries == 0 {
		s, err := config.Resolve(nil)
		if err != nil {
			return nil, err
		}
		opts.Settings = s
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Document == "" {
		opts.Document = DefaultDocument
	}
	if opts.Catalog == nil {
		opts.Catalog = atom.NewBuiltinCatalog(atom.BuiltinOptions{
			Telegram:     atom.TelegramOptions{Token: opts.Settings.TelegramToken, ChatID: opts.Settings.TelegramChatID},
			ShellTimeout: opts.Settings.ShellTimeout,
			Log:          opts.Log,
		})
	}
	log := opts.Log.With(logx.String("comp", "engine"))

	registry, err := LoadRegistry(flowDir, opts.Catalog)
	if err != nil {
		return nil, err
	}

	docOpts := document.Options{
		StrictMeta:     opts.Settings.StrictMeta,
		ReplaceRetries: opts.Settings.ReplaceRetries,
		ReplaceBackoff: opts.Settings.ReplaceBackoff,
		Log:            opts.Log,
		Now:            opts.Now,
	}

	e := &Engine{
		root:      root,
		flowDir:   flowDir,
		document:  opts.Document,
		settings:  opts.Settings,
		registry:  registry,
		catalog:   opts.Catalog,
		parser:    document.NewParser(flowDir, docOpts),
		persister: document.NewPersister(flowDir, docOpts),
		lock: NewIntentLock(flowDir, LockOptions{
			PID:        opts.PID,
			StaleAfter: opts.Settings.LockStaleAfter,
			MaxRetries: opts.Settings.LockMaxRetries,
			Now:        opts.Now,
			Log:        log,
		}),
		events: opts.Events,
		log:    log,
		now:    opts.Now,
		vars:   map[string]any{atom.KeyRoot: root},
	}
	log.Debug("engine hydrated",
		logx.String("root", root),
		logx.Int("registry", len(registry)),
	)
	return e, nil
}

func (e *Engine) ready() error {
	if e == nil || e.root == "" || e.flowDir == "" {
		return ErrNotHydrated
	}
	return nil
}

func (e *Engine) Root() string                   { return e.root }
func (e *Engine) FlowDir() string                { return e.flowDir }
func (e *Engine) Document() string               { return e.document }
func (e *Engine) Parser() *document.Parser       { return e.parser }
func (e *Engine) Persister() *document.Persister { return e.persister }
func (e *Engine) Lock() *IntentLock              { return e.lock }
func (e *Engine) Events() *eventlog.Log          { return e.events }

// Registry returns a copy of the tag -> implementation map.
func (e *Engine) Registry() map[string]string {
	out := make(map[string]string, len(e.registry))
	for k, v := range e.registry {
		out[k] = v
	}
	return out
}

// Tags returns the registered tags, sorted.
func (e *Engine) Tags() []string {
	out := make([]string, 0, len(e.registry))
	for k := range e.registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Vars returns a copy of the engine's context variables.
func (e *Engine) Vars() map[string]any {
	e.varsMu.RLock()
	defer e.varsMu.RUnlock()
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Load reads the root status document.
func (e *Engine) Load() (*tree.Tree, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.parser.Load(e.document)
}

// Save writes the root status document.
func (e *Engine) Save(t *tree.Tree) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.persister.Save(t, e.document)
}

func (e *Engine) emit(ctx context.Context, typ string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Emit(ctx, typ, payload, map[string]any{"pid": e.lock.opts.PID}); err != nil {
		e.log.Warn("event emit failed", logx.String("type", typ), logx.Err(err))
	}
}
