package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/engine"
	"taskflow/internal/storage"
)

func project(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	flowDir := filepath.Join(root, engine.ControlDir)
	if err := os.MkdirAll(flowDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(flowDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

const registry = `{"echo": "builtin.Echo"}`

func TestNewWiresStoreAndEngine(t *testing.T) {
	root := project(t, map[string]string{
		"flow.registry.json": registry,
		"flow.yaml":          "logging:\n  level: error\nevents:\n  driver: sqlite\n",
		"status.md":          "- [ ] [echo] hello\n",
	})
	sub := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := New(ctx, Options{StartDir: sub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Store() == nil {
		t.Fatal("sqlite store not opened")
	}
	if _, err := os.Stat(filepath.Join(a.FlowDir(), "logs", "events.db")); err != nil {
		t.Fatalf("events.db: %v", err)
	}
	if got := a.Settings().EventsDriver; got != "sqlite" {
		t.Fatalf("EventsDriver = %q", got)
	}

	rep, err := a.Engine().RunNext(ctx)
	if err != nil {
		t.Fatalf("RunNext: %v", err)
	}
	if rep.TaskID != "1" {
		t.Fatalf("TaskID = %q", rep.TaskID)
	}

	evs, err := a.Store().ListEvents(ctx, storage.Query{})
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != "task_started,task_completed" {
		t.Fatalf("events = %v", types)
	}
}

func TestNewWithoutProject(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), Options{StartDir: t.TempDir()}); err == nil {
		t.Fatal("expected root-not-found error")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	root := project(t, map[string]string{"flow.yaml": "lock:\n  stale_after: soon\n"})
	if _, err := New(context.Background(), Options{StartDir: root}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestMapLogConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.File.Enabled = true

	got := mapLogConfig(cfg, "/p/.flow", "")
	if got.Level != "debug" || got.File.Path != filepath.Join("/p/.flow", "logs", "flow.log") {
		t.Fatalf("mapLogConfig = %+v", got)
	}
	cfg.Logging.File.Path = "/var/log/flow.log"
	got = mapLogConfig(cfg, "/p/.flow", "warn")
	if got.Level != "warn" || got.File.Path != "/var/log/flow.log" {
		t.Fatalf("mapLogConfig override = %+v", got)
	}
}

func TestRunDaemonWorksThroughDocument(t *testing.T) {
	root := project(t, map[string]string{
		"flow.registry.json": registry,
		"flow.yaml":          "logging:\n  level: error\ndaemon:\n  schedule: \"@every 1h\"\n  watch: false\n",
		"status.md":          "- [ ] [echo] one\n- [ ] [echo] two\n",
	})
	a, err := New(context.Background(), Options{StartDir: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunDaemon(ctx) }()

	doc := filepath.Join(a.FlowDir(), "status.md")
	deadline := time.Now().Add(5 * time.Second)
	for {
		b, _ := os.ReadFile(doc)
		if strings.Count(string(b), "- [x]") == 2 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("document not finished:\n%s", b)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunDaemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
