package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "taskflow/pkg/logx"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		typ := "task_started"
		if i%2 == 1 {
			typ = "task_completed"
		}
		e := Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Type:      typ,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata:  map[string]any{"pid": float64(100 + i)},
		}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	all, err := s.ListEvents(ctx, Query{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 5 || all[0].ID != "ev-0" || all[4].ID != "ev-4" {
		t.Fatalf("ListEvents = %v, want ev-0..ev-4 in order", ids(all))
	}
	if !all[2].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp = %v", all[2].Timestamp)
	}
	if all[1].Metadata["pid"] != float64(101) {
		t.Fatalf("metadata = %v", all[1].Metadata)
	}
	var p struct{ N int }
	if err := json.Unmarshal(all[3].Payload, &p); err != nil || p.N != 3 {
		t.Fatalf("payload = %s (%v)", all[3].Payload, err)
	}

	done, err := s.ListEvents(ctx, Query{Type: "task_completed", Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents filtered: %v", err)
	}
	if len(done) != 1 || done[0].ID != "ev-3" {
		t.Fatalf("filtered = %v, want [ev-3]", ids(done))
	}
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		s, err := Open(context.Background(), Config{Driver: driver}, logx.Nop())
		if err != nil || s != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, s, err)
		}
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	s, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exercise(t, s)

	// A torn write must not hide the rest of the log.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{\"id\": \"trunc\n")
	_ = f.Close()
	all, err := s.ListEvents(context.Background(), Query{})
	if err != nil || len(all) != 5 {
		t.Fatalf("after torn line: %d events, err %v", len(all), err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "events.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FLOW_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	pg := s.(*pgStore)
	if _, err := pg.pool.Exec(ctx, `TRUNCATE flow_events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exercise(t, s)
}
