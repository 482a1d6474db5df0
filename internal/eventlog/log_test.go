package eventlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskflow/internal/storage"
	logx "taskflow/pkg/logx"
)

func TestEmitInlineAndBlob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := OpenStore(context.Background(), dir, storage.Config{Driver: "file"}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	l := New(dir, Options{Store: store, InlineLimit: 64})
	ch, unsub := l.Bus().Subscribe(4)
	defer unsub()

	small, err := l.Emit(context.Background(), "task_started", map[string]any{"task_id": "1"}, nil)
	if err != nil {
		t.Fatalf("Emit small: %v", err)
	}
	if string(small.Payload) != `{"task_id":"1"}` {
		t.Fatalf("inline payload = %s", small.Payload)
	}

	big := map[string]any{"stdout": strings.Repeat("x", 200)}
	large, err := l.Emit(context.Background(), "task_completed", big, map[string]any{"pid": 7})
	if err != nil {
		t.Fatalf("Emit large: %v", err)
	}
	var ref struct {
		Ref  string `json:"ref"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(large.Payload, &ref); err != nil || ref.Type != "blob_ref" {
		t.Fatalf("large payload = %s (%v)", large.Payload, err)
	}
	blob, err := l.ReadBlob(ref.Ref)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(blob, &back); err != nil || back["stdout"] != big["stdout"] {
		t.Fatalf("blob content mismatch: %v", err)
	}

	for _, want := range []string{small.ID, large.ID} {
		select {
		case got := <-ch:
			if got.ID != want {
				t.Fatalf("bus event = %s, want %s", got.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("bus event not delivered")
		}
	}

	stored, err := store.ListEvents(context.Background(), storage.Query{})
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored events = %d, err %v", len(stored), err)
	}
	if stored[1].Metadata["pid"] != float64(7) {
		t.Fatalf("metadata = %v", stored[1].Metadata)
	}
}

func TestEmitBlobFailureDegrades(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A file where the artifacts directory should be makes the blob write fail.
	if err := os.WriteFile(filepath.Join(dir, ArtifactsDir), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(dir, Options{InlineLimit: 8})
	e, err := l.Emit(context.Background(), "big", map[string]any{"k": "0123456789"}, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var p map[string]any
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p["error"] != "blob write failed" || p["original_size"] == nil {
		t.Fatalf("payload = %v", p)
	}
}

func TestEmitUnserializablePayload(t *testing.T) {
	t.Parallel()
	l := New(t.TempDir(), Options{})
	e, err := l.Emit(context.Background(), "weird", map[string]any{"ch": make(chan int)}, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !strings.Contains(string(e.Payload), "unserializable payload") {
		t.Fatalf("payload = %s", e.Payload)
	}
}

func TestOpenStoreAuto(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := OpenStore(context.Background(), dir, storage.Config{}, logx.Nop())
	if err != nil || s != nil {
		t.Fatalf("no logs dir: store = %v, err = %v", s, err)
	}

	if err := os.Mkdir(filepath.Join(dir, LogsDir), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err = OpenStore(context.Background(), dir, storage.Config{}, logx.Nop())
	if err != nil || s == nil {
		t.Fatalf("with logs dir: store = %v, err = %v", s, err)
	}
	defer s.Close()
	if _, err := New(dir, Options{Store: s}).Emit(context.Background(), "ping", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, LogsDir, "events.jsonl")); err != nil {
		t.Fatalf("events.jsonl not written: %v", err)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{ID: "a"})
	b.Publish(Event{ID: "b"})
	if got := <-ch; got.ID != "a" {
		t.Fatalf("got %s, want a", got.ID)
	}
	unsub()
	unsub()
	b.Publish(Event{ID: "c"})
}
