// Package document reads and writes status documents: the line-oriented
// text form of a task tree, its integrity sidecar and its backups.
package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"taskflow/internal/pathguard"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// MaxRefDepth bounds how many documents a chain of references may visit.
const MaxRefDepth = 20

// BackupsDir is the backups folder name inside the control directory.
const BackupsDir = "backups"

// Options tunes Parser and Persister. Zero values select defaults.
type Options struct {
	// StrictMeta makes a missing integrity sidecar a load failure.
	StrictMeta bool

	ReplaceRetries int
	ReplaceBackoff time.Duration

	Log logx.Logger
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReplaceRetries <= 0 {
		o.ReplaceRetries = 5
	}
	if o.ReplaceBackoff <= 0 {
		o.ReplaceBackoff = 100 * time.Millisecond
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Parser loads status documents from a control directory.
type Parser struct {
	flowDir    string
	backupsDir string
	opts       Options
	log        logx.Logger
}

func NewParser(flowDir string, opts Options) *Parser {
	opts = opts.withDefaults()
	return &Parser{
		flowDir:    flowDir,
		backupsDir: filepath.Join(flowDir, BackupsDir),
		opts:       opts,
		log:        opts.Log.With(logx.String("comp", "parser")),
	}
}

// FlowDir returns the control directory the parser reads from.
func (p *Parser) FlowDir() string { return p.flowDir }

// Load reads, integrity-checks and parses name (relative to the control
// directory), then walks its references looking for cycles. A document that
// does not exist yet loads as an empty tree.
func (p *Parser) Load(name string) (*tree.Tree, error) {
	full, err := pathguard.Resolve(p.flowDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		p.log.Debug("status document missing; starting empty", logx.String("doc", name))
		return tree.New(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := p.checkIntegrity(full, data); err != nil {
		return nil, err
	}

	t, err := p.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := p.checkRefCycles(t.Roots, map[string]bool{full: true}); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// checkRefCycles follows every reference that resolves to an existing file.
// Unreadable or missing targets are skipped; active refs were already
// checked for existence during parsing.
func (p *Parser) checkRefCycles(tasks []*tree.Task, visited map[string]bool) error {
	for _, task := range tasks {
		if task.Ref != "" {
			if err := p.followRef(task.Ref, visited); err != nil {
				return err
			}
		}
		if len(task.Children) > 0 {
			if err := p.checkRefCycles(task.Children, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parser) followRef(ref string, visited map[string]bool) error {
	target, err := pathguard.Resolve(p.flowDir, ref)
	if err != nil {
		p.log.Debug("ref not resolvable; skipping cycle walk", logx.String("ref", ref), logx.Err(err))
		return nil
	}
	if visited[target] {
		return fmt.Errorf("%w: cycle detected: %s loops back to %s", tree.ErrStructural, ref, filepath.Base(target))
	}
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return nil
	}
	if len(visited) > MaxRefDepth {
		return fmt.Errorf("%w: max recursion depth exceeded at %s", tree.ErrStructural, ref)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil
	}
	sub, err := p.Parse(string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}

	next := make(map[string]bool, len(visited)+1)
	for k := range visited {
		next[k] = true
	}
	next[target] = true
	return p.checkRefCycles(sub.Roots, next)
}
