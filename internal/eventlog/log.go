// Package eventlog records what the engine does: every event goes to an
// in-memory bus and, when configured, to a durable store. Large payloads are
// moved into blob files under the control directory.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"taskflow/internal/storage"
	logx "taskflow/pkg/logx"
)

// Event is the recorded form; it is shared with the storage layer.
type Event = storage.Event

// DefaultInlineLimit is the largest payload (in JSON bytes) kept inline.
const DefaultInlineLimit = 8192

const (
	ArtifactsDir = "artifacts"
	LogsDir      = "logs"
)

// Options configures a Log. Zero values select defaults.
type Options struct {
	InlineLimit int
	Store       storage.Store
	Bus         Bus
	Log         logx.Logger
	Now         func() time.Time
}

// Log is the engine's event sink.
type Log struct {
	flowDir     string
	inlineLimit int
	store       storage.Store
	bus         Bus
	log         logx.Logger
	now         func() time.Time
}

func New(flowDir string, opts Options) *Log {
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Log{
		flowDir:     flowDir,
		inlineLimit: opts.InlineLimit,
		store:       opts.Store,
		bus:         opts.Bus,
		log:         opts.Log.With(logx.String("comp", "eventlog")),
		now:         opts.Now,
	}
}

// Bus returns the in-memory bus events are published on.
func (l *Log) Bus() Bus { return l.bus }

// Store returns the durable store, or nil.
func (l *Log) Store() storage.Store { return l.store }

// Emit records an event. The event is always published on the bus; the
// returned error only reports a failed durable append.
func (l *Log) Emit(ctx context.Context, typ string, payload any, meta map[string]any) (Event, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	e := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: l.now().UTC(),
		Payload:   l.encodePayload(payload),
		Metadata:  meta,
	}

	l.bus.Publish(e)
	if l.store == nil {
		return e, nil
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		l.log.Warn("event append failed", logx.String("type", typ), logx.Err(err))
		return e, err
	}
	return e, nil
}

func (l *Log) encodePayload(payload any) json.RawMessage {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{
			"error":   "unserializable payload",
			"details": err.Error(),
		})
		return raw
	}
	if len(raw) <= l.inlineLimit {
		return raw
	}

	name, err := l.writeBlob(raw)
	if err != nil {
		l.log.Warn("blob write failed; event payload replaced", logx.Int("size", len(raw)), logx.Err(err))
		out, _ := json.Marshal(map[string]any{
			"error":         "blob write failed",
			"original_size": len(raw),
			"details":       err.Error(),
		})
		return out
	}
	out, _ := json.Marshal(map[string]any{"ref": name, "type": "blob_ref"})
	return out
}

func (l *Log) writeBlob(raw []byte) (string, error) {
	dir := filepath.Join(l.flowDir, ArtifactsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := "blob_" + uuid.NewString() + ".json"
	if err := atomic.WriteFile(filepath.Join(dir, name), bytes.NewReader(raw)); err != nil {
		return "", err
	}
	return name, nil
}

// ReadBlob loads an externalized payload by the name stored in its blob_ref.
func (l *Log) ReadBlob(name string) (json.RawMessage, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, "blob_") {
		return nil, fmt.Errorf("invalid blob name %q", name)
	}
	return os.ReadFile(filepath.Join(l.flowDir, ArtifactsDir, name))
}

// OpenStore opens the durable store for a control directory. An empty driver
// means "file if <control>/logs exists, else nothing"; relative paths are
// taken relative to the control directory.
func OpenStore(ctx context.Context, flowDir string, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		info, err := os.Stat(filepath.Join(flowDir, LogsDir))
		if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		driver = "file"
	}
	cfg.Driver = driver

	switch driver {
	case "file":
		cfg.Path = inFlowDir(flowDir, cfg.Path, filepath.Join(LogsDir, "events.jsonl"))
	case "sqlite", "sqlite3":
		cfg.Path = inFlowDir(flowDir, cfg.Path, filepath.Join(LogsDir, "events.db"))
	}
	return storage.Open(ctx, cfg, log)
}

func inFlowDir(flowDir, path, def string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(flowDir, path)
}
