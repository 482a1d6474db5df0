package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	y := write(t, dir, "flow.yaml", `
logging:
  level: debug
lock:
  stale_after: 45s
  max_retries: 5
events:
  driver: sqlite
daemon:
  schedule: "*/10 * * * * *"
  watch: false
telegram:
  token: abc
  chat_id: -1001
`)
	cfg, err := NewConfigManager(y).Load()
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.LockStaleAfter != 45*time.Second || s.LockMaxRetries != 5 {
		t.Fatalf("lock = %v/%d", s.LockStaleAfter, s.LockMaxRetries)
	}
	if s.EventsDriver != "sqlite" || s.Watch || s.TelegramChatID != -1001 {
		t.Fatalf("settings = %+v", s)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}

	j := write(t, dir, "flow.json", `{"persist": {"replace_retries": 2, "replace_backoff": "10ms"}}`)
	cfg, err = NewConfigManager(j).Load()
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if s, _ := Resolve(cfg); s.ReplaceRetries != 2 || s.ReplaceBackoff != 10*time.Millisecond {
		t.Fatalf("persist = %d/%v", s.ReplaceRetries, s.ReplaceBackoff)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve(nil): %v", err)
	}
	if s.LockStaleAfter != 30*time.Second || s.LockMaxRetries != 3 {
		t.Fatalf("lock defaults = %v/%d", s.LockStaleAfter, s.LockMaxRetries)
	}
	if s.ReplaceRetries != 5 || s.InlineLimit != 8192 || s.Schedule != DefaultSchedule || !s.Watch {
		t.Fatalf("defaults = %+v", s)
	}
	if s.StrictMeta {
		t.Fatal("strict meta must default to false")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, content, want string
	}{
		{name: "unknown field", file: "flow.json", content: `{"lokc": {}}`, want: "unknown field"},
		{name: "trailing data", file: "flow.json", content: `{} {}`, want: "trailing data"},
		{name: "bad yaml", file: "flow.yaml", content: "lock: [", want: "yaml"},
		{name: "second yaml document", file: "flow.yaml", content: "lock: {}\n---\ndaemon: {}\n", want: "more than one document"},
		{name: "unknown yaml field", file: "flow.yml", content: "daemon:\n  shedule: '@hourly'\n", want: "unknown field"},
		{name: "stale lock too eager", file: "flow.yaml", content: "lock:\n  stale_after: 10ms\n", want: "below the minimum"},
		{name: "bad duration", file: "flow.yaml", content: "lock:\n  stale_after: soon\n", want: "lock.stale_after"},
		{name: "negative duration", file: "flow.yaml", content: "daemon:\n  debounce: -1s\n", want: "daemon.debounce"},
		{name: "bad schedule", file: "flow.yaml", content: "daemon:\n  schedule: every tuesday\n", want: "daemon.schedule"},
		{name: "bad driver", file: "flow.yaml", content: "events:\n  driver: mongo\n", want: "events.driver"},
		{name: "token without chat", file: "flow.yaml", content: "telegram:\n  token: x\n", want: "chat_id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := write(t, t.TempDir(), tt.file, tt.content)
			_, err := NewConfigManager(p).Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLocate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if got := Locate(dir); got != "" {
		t.Fatalf("Locate(empty) = %q", got)
	}
	write(t, dir, "flow.json", "{}")
	write(t, dir, "flow.yml", "")
	if got := Locate(dir); filepath.Base(got) != "flow.yml" {
		t.Fatalf("Locate = %q, want flow.yml preferred over flow.json", got)
	}

	cfg, err := NewConfigManager("").Load()
	if err != nil || cfg == nil {
		t.Fatalf("Load without file = %v, %v", cfg, err)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := write(t, dir, "flow.yaml", "logging:\n  level: info\n")

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if got := m.Get().Logging.Level; got != "debug" {
				t.Fatalf("committed level = %q", got)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and has seen it.
			write(t, dir, "flow.yaml", "logging:\n  level: debug\n")
		case <-deadline:
			t.Fatal("config change not published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	off := false
	a := &Config{Telegram: TelegramConfig{Token: "secret", ChatID: 1}}
	b := &Config{
		Telegram: TelegramConfig{Token: "other-secret", ChatID: 1},
		Daemon:   DaemonConfig{Watch: &off},
	}
	changed, attrs := SummarizeConfigChange(a, b)
	if len(changed) != 2 || changed[0] != "daemon" || changed[1] != "telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if c, _ := SummarizeConfigChange(b, b); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}
