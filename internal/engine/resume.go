package engine

import (
	"fmt"

	"taskflow/internal/document"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// Target is a task together with the document it lives in.
type Target struct {
	Doc  string
	Tree *tree.Tree
	Task *tree.Task
	// Via lists the proxy tasks whose references led here, outermost first.
	Via []Proxy
}

// Proxy is a task that stands for a nested document.
type Proxy struct {
	Doc    string
	TaskID string
	Name   string
}

// FindActiveTask resolves the task to work on next. The deepest active task
// of the root document wins, else its first pending task. When that task
// references another document the search continues there; a nested document
// with nothing to do, or one that cannot be loaded, yields the proxy itself;
// RunTask only closes such a proxy once its document checks out.
func (e *Engine) FindActiveTask() (Target, error) {
	t, err := e.Load()
	if err != nil {
		return Target{}, err
	}
	tgt, ok := e.resolve(e.document, t, nil)
	if !ok {
		return Target{}, ErrNothingToDo
	}
	return tgt, nil
}

func (e *Engine) resolve(doc string, t *tree.Tree, via []Proxy) (Target, bool) {
	cand := t.ActiveTask()
	if cand == nil {
		cand = tree.FirstPending(t.Roots)
	}
	if cand == nil {
		return Target{}, false
	}
	cand = descend(cand)

	if isDocRef(cand.Ref) {
		if len(via) >= document.MaxRefDepth {
			e.log.Warn("reference chain too deep; running proxy",
				logx.String("doc", doc), logx.String("task_id", cand.ID))
		} else {
			sub, err := e.parser.Load(cand.Ref)
			if err != nil {
				e.log.Warn("nested document unavailable; running proxy",
					logx.String("doc", cand.Ref), logx.Err(err))
			} else {
				next := append(append([]Proxy(nil), via...), Proxy{Doc: doc, TaskID: cand.ID, Name: cand.Name})
				if tgt, ok := e.resolve(cand.Ref, sub, next); ok {
					return tgt, true
				}
			}
		}
	}
	return Target{Doc: doc, Tree: t, Task: cand, Via: via}, true
}

// descend moves from a container to its first pending descendant.
func descend(task *tree.Task) *tree.Task {
	for len(task.Children) > 0 {
		next := tree.FirstPending(task.Children)
		if next == nil {
			break
		}
		task = next
	}
	return task
}

// Locate returns the target for a task id in doc ("" means the root document).
func (e *Engine) Locate(doc, id string) (Target, error) {
	if doc == "" {
		doc = e.document
	}
	if err := e.ready(); err != nil {
		return Target{}, err
	}
	t, err := e.parser.Load(doc)
	if err != nil {
		return Target{}, err
	}
	task, err := t.FindTask(id)
	if err != nil {
		return Target{}, fmt.Errorf("%s: %w", doc, err)
	}
	return Target{Doc: doc, Tree: t, Task: task}, nil
}
