package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"taskflow/internal/pathguard"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

var statusMarkers = map[tree.Status]string{
	tree.StatusPending: " ",
	tree.StatusActive:  "/",
	tree.StatusDone:    "x",
	tree.StatusSkipped: "-",
	tree.StatusError:   "!",
}

// Persister writes trees back to their documents.
type Persister struct {
	flowDir    string
	backupsDir string
	opts       Options
	log        logx.Logger
}

func NewPersister(flowDir string, opts Options) *Persister {
	opts = opts.withDefaults()
	return &Persister{
		flowDir:    flowDir,
		backupsDir: filepath.Join(flowDir, BackupsDir),
		opts:       opts,
		log:        opts.Log.With(logx.String("comp", "persister")),
	}
}

// Save backs up the current file (if any), writes the serialized tree to a
// temporary sibling, syncs it, swaps it into place and re-stamps the
// integrity sidecar.
func (p *Persister) Save(t *tree.Tree, name string) error {
	full, err := pathguard.Resolve(p.flowDir, name)
	if err != nil {
		return err
	}

	if _, err := os.Stat(full); err == nil {
		if err := p.backup(full); err != nil {
			return fmt.Errorf("backup %s: %w", name, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := writeSynced(tmp, Serialize(t)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := p.replace(tmp, full); err != nil {
		return err
	}
	if err := stamp(full, p.opts.Now()); err != nil {
		return fmt.Errorf("stamp %s: %w", name, err)
	}
	p.log.Debug("document saved", logx.String("doc", name))
	return nil
}

func writeSynced(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// replace retries the final swap to ride out transient sharing violations
// (virus scanners and indexers on Windows hold files briefly).
func (p *Persister) replace(src, dst string) error {
	var err error
	for i := 0; i < p.opts.ReplaceRetries; i++ {
		if err = atomic.ReplaceFile(src, dst); err == nil {
			return nil
		}
		p.log.Debug("replace failed; retrying", logx.Int("attempt", i+1), logx.Err(err))
		if i < p.opts.ReplaceRetries-1 {
			time.Sleep(p.opts.ReplaceBackoff)
		}
	}
	_ = os.Remove(src)
	return err
}

func (p *Persister) backup(full string) error {
	if err := os.MkdirAll(p.backupsDir, 0o755); err != nil {
		return err
	}
	base := filepath.Base(full)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	dst := filepath.Join(p.backupsDir, stem+"_"+strconv.FormatInt(p.opts.Now().UnixNano(), 10)+ext)

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	return atomic.WriteFile(dst, f)
}

// Serialize renders a tree in canonical form: headers, a blank line when
// there are headers, then tasks pre-order with four spaces per level.
// The output always ends with a single newline.
func Serialize(t *tree.Tree) string {
	var lines []string
	for _, k := range t.Headers.Keys() {
		v, _ := t.Headers.Get(k)
		lines = append(lines, k+": "+v)
	}
	if t.Headers.Len() > 0 {
		lines = append(lines, "")
	}
	lines = serializeTasks(t.Roots, 0, lines)
	return strings.Join(lines, "\n") + "\n"
}

func serializeTasks(tasks []*tree.Task, depth int, lines []string) []string {
	for _, task := range tasks {
		marker, ok := statusMarkers[task.Status]
		if !ok {
			marker = " "
		}
		line := strings.Repeat(" ", depth*IndentWidth) + "- [" + marker + "] " + task.Name
		if task.Ref != "" {
			ref := task.Ref
			if strings.Contains(ref, " ") {
				ref = `"` + ref + `"`
			}
			line += " @ " + ref
		}
		lines = append(lines, line)
		lines = serializeTasks(task.Children, depth+1, lines)
	}
	return lines
}
