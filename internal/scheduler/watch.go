package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskflow/pkg/logx"
)

// watch triggers a run when a status document in dir changes. Bursts are
// debounced, and writes made by our own runs are recognised by fingerprint
// and ignored. A broken watcher returns an error so the supervisor restarts
// it.
func (d *Daemon) watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.log.Debug("document watcher started", logx.String("dir", dir))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watch events closed")
			}
			if !isDocument(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			d.mu.Lock()
			debounce := d.opts.Debounce
			d.mu.Unlock()
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			d.documentsSettled(dir)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watch errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.log.Warn("document watch overflow", logx.Err(err))
				d.documentsSettled(dir)
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) documentsSettled(dir string) {
	fp := fingerprint(dir)
	d.mu.Lock()
	same := fp == d.seen
	d.seen = fp
	d.mu.Unlock()
	if same {
		d.log.Debug("document event from own write ignored")
		return
	}
	d.log.Info("documents changed", logx.String("dir", dir))
	d.Trigger(ReasonChange)
}

func isDocument(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".md")
}

// fingerprint summarises the markdown files directly under dir by name, size
// and modification time.
func fingerprint(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var parts []string
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", e.Name(), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
