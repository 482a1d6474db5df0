package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	logx "taskflow/pkg/logx"
)

// LockFile is the intent lock's name inside the control directory.
const LockFile = "intent.lock"

// LockInfo is the on-disk form of the intent lock.
type LockInfo struct {
	PID        int     `json:"pid"`
	Timestamp  float64 `json:"timestamp"`
	TaskID     string  `json:"task_id"`
	RetryCount int     `json:"retry_count"`
}

// Time converts the unix-seconds timestamp.
func (i LockInfo) Time() time.Time {
	sec := int64(i.Timestamp)
	nsec := int64((i.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

type LockOptions struct {
	PID        int
	StaleAfter time.Duration
	MaxRetries int
	Now        func() time.Time
	Log        logx.Logger
}

// IntentLock records which task this process is about to run so a crash
// mid-task can be detected by the next run. It is advisory only.
type IntentLock struct {
	path string
	opts LockOptions
}

func NewIntentLock(flowDir string, opts LockOptions) *IntentLock {
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &IntentLock{path: filepath.Join(flowDir, LockFile), opts: opts}
}

func (l *IntentLock) Path() string { return l.path }

// Read returns the current lock. ok is false when there is no lock file.
// A lock that cannot be decoded is reported as an error.
func (l *IntentLock) Read() (info LockInfo, ok bool, err error) {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return LockInfo{}, false, nil
	}
	if err != nil {
		return LockInfo{}, false, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return LockInfo{}, true, fmt.Errorf("%s: empty lock", LockFile)
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return LockInfo{}, true, fmt.Errorf("%s: %w", LockFile, err)
	}
	return info, true, nil
}

// Acquire takes the lock for taskID.
//
//   - no lock, or a corrupt one: fresh lock, retry count 0
//   - lock owned by this process: re-entrant, left unchanged
//   - same task, other owner: a previous run crashed; the retry count is
//     bumped and ErrCircuitBreaker returned once it exceeds MaxRetries
//   - other task: stolen when older than StaleAfter, else ErrLocked
func (l *IntentLock) Acquire(taskID string) (LockInfo, error) {
	now := l.opts.Now()
	retry := 0

	cur, ok, err := l.Read()
	switch {
	case !ok:
	case err != nil:
		l.opts.Log.Warn("corrupt intent lock; taking it over", logx.Err(err))
	case cur.PID == l.opts.PID:
		return cur, nil
	case cur.TaskID == taskID:
		retry = cur.RetryCount + 1
		if retry > l.opts.MaxRetries {
			cur.RetryCount = retry
			return cur, fmt.Errorf("%w: task %s failed %d times, giving up", ErrCircuitBreaker, taskID, retry)
		}
		l.opts.Log.Warn("recovering crashed task",
			logx.String("task_id", taskID), logx.Int("retry", retry), logx.Int("prev_pid", cur.PID))
	default:
		age := now.Sub(cur.Time())
		if age <= l.opts.StaleAfter {
			return cur, fmt.Errorf("%w: %s (pid %d)", ErrLocked, cur.TaskID, cur.PID)
		}
		l.opts.Log.Warn("stealing stale intent lock",
			logx.String("held_by", cur.TaskID), logx.Duration("age", age))
	}

	info := LockInfo{
		PID:        l.opts.PID,
		Timestamp:  float64(now.UnixNano()) / 1e9,
		TaskID:     taskID,
		RetryCount: retry,
	}
	b, err := json.Marshal(info)
	if err != nil {
		return LockInfo{}, err
	}
	if err := atomic.WriteFile(l.path, bytes.NewReader(b)); err != nil {
		return LockInfo{}, fmt.Errorf("write %s: %w", LockFile, err)
	}
	return info, nil
}

// Release removes the lock if it still names held's owner and task.
// A lock that has been taken over by someone else is left alone.
func (l *IntentLock) Release(held LockInfo) error {
	cur, ok, err := l.Read()
	if !ok {
		return nil
	}
	if err == nil && (cur.PID != held.PID || cur.TaskID != held.TaskID) {
		l.opts.Log.Debug("intent lock changed hands; not removing",
			logx.String("task_id", cur.TaskID), logx.Int("pid", cur.PID))
		return nil
	}
	return l.ForceRelease()
}

// ForceRelease removes the lock without checking ownership.
func (l *IntentLock) ForceRelease() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
