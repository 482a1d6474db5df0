package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"taskflow/internal/atom"
	"taskflow/internal/pathguard"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// flowMarkerRe must stand alone, separated by whitespace or the ends of the name.
var flowMarkerRe = regexp.MustCompile(`(?:^|\s)<!-- type: flow -->(?:$|\s)`)

// Dispatch picks the atom for task. It never fails:
//
//  1. an inline flow marker selects the nested flow atom
//  2. a leading [tag] found in the registry (case-sensitive) is instantiated
//     from the catalog
//  3. anything else, including every failure in 2, gets the manual placeholder
func (e *Engine) Dispatch(task *tree.Task) atom.Atom {
	a, _ := e.dispatch(task)
	return a
}

// AtomRef is the catalog reference a run of task would use.
func (e *Engine) AtomRef(task *tree.Task) string {
	_, ref, _ := e.selectAtom(task)
	return ref
}

// selectAtom is Dispatch plus the two kinds of task that only stand for
// other work. A proxy of a nested document closes through the flow atom once
// that document loads cleanly with nothing left to run; otherwise the run
// fails with ErrSubflow. An untagged container whose children are all
// done or skipped closes the same way.
func (e *Engine) selectAtom(task *tree.Task) (atom.Atom, string, error) {
	if task != nil && isDocRef(task.Ref) {
		if err := e.checkSubflow(task.Ref); err != nil {
			return atom.Manual{}, atom.RefManual, err
		}
		return atom.Flow{}, atom.RefFlow, nil
	}
	a, ref := e.dispatch(task)
	if ref == atom.RefManual && task != nil && childrenFinished(task) {
		return atom.Flow{}, atom.RefFlow, nil
	}
	return a, ref, nil
}

func (e *Engine) checkSubflow(ref string) error {
	full, err := pathguard.Resolve(e.flowDir, ref)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubflow, ref, err)
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrSubflow, ref)
		}
		return fmt.Errorf("%w: %s: %w", ErrSubflow, ref, err)
	}
	sub, err := e.parser.Load(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubflow, err)
	}
	if open := sub.GetActiveTask(); open != nil {
		return fmt.Errorf("%w: %s still has %s task %s", ErrSubflow, ref, open.Status, open.ID)
	}
	return nil
}

func childrenFinished(task *tree.Task) bool {
	if len(task.Children) == 0 {
		return false
	}
	for _, c := range task.Children {
		if c.Status != tree.StatusDone && c.Status != tree.StatusSkipped {
			return false
		}
	}
	return true
}

func (e *Engine) dispatch(task *tree.Task) (atom.Atom, string) {
	if task == nil {
		return atom.Manual{}, atom.RefManual
	}
	if flowMarkerRe.MatchString(task.Name) {
		return atom.Flow{}, atom.RefFlow
	}

	tag, _ := atom.SplitTag(task.Name)
	if tag == "" {
		return atom.Manual{}, atom.RefManual
	}
	ref, ok := e.registry[tag]
	if !ok {
		e.log.Debug("no atom registered for tag", logx.String("tag", tag), logx.String("task_id", task.ID))
		return atom.Manual{}, atom.RefManual
	}
	a, err := e.catalog.New(ref)
	if err != nil {
		e.log.Warn("atom instantiation failed; falling back to manual",
			logx.String("tag", tag), logx.String("ref", ref), logx.Err(err))
		return atom.Manual{}, atom.RefManual
	}
	return a, ref
}

func isDocRef(ref string) bool {
	return strings.HasSuffix(strings.ToLower(ref), ".md")
}
