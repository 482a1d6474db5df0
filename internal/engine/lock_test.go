package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLock(t *testing.T, path string, v any) {
	t.Helper()
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func unix(ts time.Time) float64 { return float64(ts.UnixNano()) / 1e9 }

func TestIntentLockAcquire(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		existing  any // nil means no lock file
		wantErr   error
		wantRetry int
		wantPID   int
		wantTask  string
	}{
		{name: "no lock", wantRetry: 0, wantPID: 4242, wantTask: "1"},
		{name: "corrupt lock", existing: "{not json", wantPID: 4242, wantTask: "1"},
		{name: "empty lock", existing: "", wantPID: 4242, wantTask: "1"},
		{
			name:      "re-entrant",
			existing:  LockInfo{PID: 4242, TaskID: "2", RetryCount: 2, Timestamp: unix(now)},
			wantRetry: 2, wantPID: 4242, wantTask: "2",
		},
		{
			name:      "crash recovery",
			existing:  LockInfo{PID: 99, TaskID: "1", RetryCount: 2, Timestamp: unix(now)},
			wantRetry: 3, wantPID: 4242, wantTask: "1",
		},
		{
			name:     "circuit breaker",
			existing: LockInfo{PID: 99, TaskID: "1", RetryCount: 3, Timestamp: unix(now)},
			wantErr:  ErrCircuitBreaker,
		},
		{
			name:     "held by live task",
			existing: LockInfo{PID: 99, TaskID: "other", Timestamp: unix(now.Add(-10 * time.Second))},
			wantErr:  ErrLocked,
		},
		{
			name:     "stale lock stolen",
			existing: LockInfo{PID: 99, TaskID: "other", RetryCount: 1, Timestamp: unix(now.Add(-40 * time.Second))},
			wantPID:  4242, wantTask: "1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			l := NewIntentLock(dir, LockOptions{PID: 4242, Now: func() time.Time { return now }})
			if tt.existing != nil {
				writeLock(t, l.Path(), tt.existing)
			}
			before, _ := os.ReadFile(l.Path())

			_, err := l.Acquire("1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Acquire err = %v, want %v", err, tt.wantErr)
				}
				after, _ := os.ReadFile(l.Path())
				if string(after) != string(before) {
					t.Fatalf("lock rewritten on failure: %s", after)
				}
				return
			}
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			got, ok, err := l.Read()
			if !ok || err != nil {
				t.Fatalf("Read = %v, %v", ok, err)
			}
			if got.PID != tt.wantPID || got.TaskID != tt.wantTask || got.RetryCount != tt.wantRetry {
				t.Fatalf("lock = %+v, want pid=%d task=%s retry=%d", got, tt.wantPID, tt.wantTask, tt.wantRetry)
			}
		})
	}
}

func TestIntentLockRelease(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l := NewIntentLock(dir, LockOptions{PID: 7})

	held, err := l.Acquire("1.2")
	if err != nil {
		t.Fatal(err)
	}
	if held.TaskID != "1.2" || held.PID != 7 {
		t.Fatalf("held = %+v", held)
	}

	// Another process took over; our release must not remove its lock.
	writeLock(t, l.Path(), LockInfo{PID: 8, TaskID: "1.2", RetryCount: 1, Timestamp: unix(time.Now())})
	if err := l.Release(held); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("foreign lock removed: %v", err)
	}

	if err := l.ForceRelease(); err != nil {
		t.Fatal(err)
	}
	if err := l.ForceRelease(); err != nil {
		t.Fatalf("ForceRelease without lock: %v", err)
	}

	held, _ = l.Acquire("3")
	if err := l.Release(held); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFile)); !os.IsNotExist(err) {
		t.Fatalf("own lock not removed: %v", err)
	}
}

func TestLockInfoTime(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC)
	got := LockInfo{Timestamp: unix(ts)}.Time()
	if d := got.Sub(ts); d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("Time() = %v, want %v", got, ts)
	}
}
