package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"taskflow/internal/pathguard"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// Meta is the integrity sidecar stored next to a document.
type Meta struct {
	Hash      string  `json:"hash"`
	Timestamp float64 `json:"timestamp"`
}

// MetaPath returns the sidecar path for a document: same stem, ".meta".
func MetaPath(docPath string) string {
	return strings.TrimSuffix(docPath, filepath.Ext(docPath)) + ".meta"
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ReadMeta loads the sidecar for docPath.
func ReadMeta(docPath string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(MetaPath(docPath))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil || m.Hash == "" {
		return m, fmt.Errorf("%w: corrupt meta file %s", tree.ErrIntegrity, filepath.Base(MetaPath(docPath)))
	}
	return m, nil
}

func (p *Parser) checkIntegrity(full string, content []byte) error {
	meta, err := ReadMeta(full)
	if errors.Is(err, fs.ErrNotExist) {
		if p.opts.StrictMeta {
			return fmt.Errorf("%w: metadata missing for %s", tree.ErrIntegrity, filepath.Base(full))
		}
		p.log.Warn("integrity metadata missing; accepting document as-is", logx.String("doc", filepath.Base(full)))
		return nil
	}
	if err != nil {
		return err
	}
	if got := hashBytes(content); got != meta.Hash {
		return fmt.Errorf("%w: expected %.8s, got %.8s; %s was modified outside the tool",
			tree.ErrIntegrity, meta.Hash, got, filepath.Base(full))
	}
	return nil
}

// stamp rewrites the sidecar to match the current bytes of docPath.
func stamp(docPath string, now time.Time) error {
	content, err := os.ReadFile(docPath)
	if err != nil {
		return err
	}
	meta := Meta{
		Hash:      hashBytes(content),
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(MetaPath(docPath), bytes.NewReader(b))
}

// AcceptChanges re-stamps the sidecar so that out-of-band edits to name are
// trusted from now on.
func (p *Parser) AcceptChanges(name string) error {
	full, err := pathguard.Resolve(p.flowDir, name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	p.log.Info("accepting external changes", logx.String("doc", name))
	return stamp(full, p.opts.Now())
}

// DeclineChanges restores the most recent backup of name and re-stamps it.
func (p *Parser) DeclineChanges(name string) error {
	full, err := pathguard.Resolve(p.flowDir, name)
	if err != nil {
		return err
	}
	latest, err := latestBackup(p.backupsDir, filepath.Base(full))
	if err != nil {
		return err
	}

	f, err := os.Open(latest)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := atomic.WriteFile(full, f); err != nil {
		return err
	}
	p.log.Info("restored backup", logx.String("doc", name), logx.String("backup", filepath.Base(latest)))
	return stamp(full, p.opts.Now())
}

// ErrNoBackup is returned by DeclineChanges when nothing can be restored.
var ErrNoBackup = errors.New("no backup found")

// Backups lists the backups of a document, oldest first.
func Backups(backupsDir, docBase string) ([]string, error) {
	ext := filepath.Ext(docBase)
	stem := strings.TrimSuffix(docBase, ext)

	matches, err := filepath.Glob(filepath.Join(backupsDir, globEscape(stem)+"_*"+globEscape(ext)))
	if err != nil {
		return nil, err
	}

	type backup struct {
		path string
		ts   int64
	}
	var out []backup
	for _, m := range matches {
		mid := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), stem+"_"), ext)
		ts, err := strconv.ParseInt(mid, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, backup{path: m, ts: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })

	paths := make([]string, len(out))
	for i, b := range out {
		paths[i] = b.path
	}
	return paths, nil
}

func latestBackup(backupsDir, docBase string) (string, error) {
	all, err := Backups(backupsDir, docBase)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoBackup, docBase)
	}
	return all[len(all)-1], nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
