package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskflow/internal/atom"
	"taskflow/internal/tree"
	logx "taskflow/pkg/logx"
)

// Report describes one RunTask call.
type Report struct {
	Doc      string
	TaskID   string
	TaskName string
	Atom     string
	Retry    int
	Result   atom.Result
	Status   tree.Status
	Duration time.Duration
}

// RunNext resolves the next task and runs it.
func (e *Engine) RunNext(ctx context.Context) (Report, error) {
	tgt, err := e.FindActiveTask()
	if err != nil {
		return Report{}, err
	}
	return e.RunTask(ctx, tgt)
}

// RunTask drives one task from lock acquisition to a persisted terminal
// status:
//
//	lock -> active (saved) -> atom -> done | error (saved) -> unlock
//
// Any failure after the lock is taken, including ctx cancellation, is
// recorded as status error before returning. ErrLocked leaves both the
// document and the lock untouched. ErrCircuitBreaker means the task has been
// marked error and the lock removed.
func (e *Engine) RunTask(ctx context.Context, tgt Target) (rep Report, err error) {
	if err := e.ready(); err != nil {
		return Report{}, err
	}
	if tgt.Task == nil {
		return Report{}, ErrNothingToDo
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	doc := tgt.Doc
	if doc == "" {
		doc = e.document
	}
	id := tgt.Task.ID
	rep = Report{Doc: doc, TaskID: id, TaskName: tgt.Task.Name}
	log := e.log.With(logx.String("doc", doc), logx.String("task_id", id))
	start := e.now()

	held, err := e.lock.Acquire(id)
	if errors.Is(err, ErrCircuitBreaker) {
		rep.Retry = held.RetryCount
		rep.Status = tree.StatusError
		log.Error("circuit breaker triggered", logx.Int("retries", held.RetryCount))
		e.recordFailure(doc, id, log)
		if rerr := e.lock.ForceRelease(); rerr != nil {
			log.Warn("lock release failed", logx.Err(rerr))
		}
		e.emit(context.WithoutCancel(ctx), "circuit_breaker", map[string]any{
			"doc": doc, "task_id": id, "retry_count": held.RetryCount,
		})
		return rep, err
	}
	if err != nil {
		return rep, err
	}
	rep.Retry = held.RetryCount
	defer func() {
		if rerr := e.lock.Release(held); rerr != nil {
			log.Warn("lock release failed", logx.Err(rerr))
		}
	}()

	defer func() {
		rep.Duration = e.now().Sub(start)
		if err == nil {
			return
		}
		rep.Status = tree.StatusError
		log.Warn("task failed", logx.Err(err), logx.String("atom", rep.Atom))
		e.recordFailure(doc, id, log)
		e.emit(context.WithoutCancel(ctx), "task_failed", map[string]any{
			"doc": doc, "task_id": id, "name": rep.TaskName, "atom": rep.Atom, "error": err.Error(),
		})
	}()

	a, ref, err := e.selectAtom(tgt.Task)
	rep.Atom = ref
	if err != nil {
		return rep, err
	}

	t, task, err := e.activate(doc, id)
	if err != nil {
		return rep, err
	}
	e.focusProxies(tgt.Via, log)
	log.Info("task started", logx.String("atom", ref), logx.Int("retry", held.RetryCount))
	e.emit(ctx, "task_started", map[string]any{
		"doc": doc, "task_id": id, "name": task.Name, "atom": ref, "retry_count": held.RetryCount,
	})

	res, err := e.invoke(ctx, a, e.snapshot(doc, task))
	rep.Result = res
	if err != nil {
		return rep, err
	}
	if !res.Success {
		return rep, fmt.Errorf("%w: %s", ErrTaskFailed, res.Message)
	}
	if err := e.mergeExports(res.Exports); err != nil {
		return rep, err
	}

	if err := t.UpdateTask(id, tree.Update{Status: tree.StatusDone}); err != nil {
		return rep, err
	}
	if err := e.persister.Save(t, doc); err != nil {
		return rep, err
	}
	rep.Status = tree.StatusDone
	rep.Duration = e.now().Sub(start)
	log.Info("task completed", logx.String("atom", ref), logx.Duration("dur", rep.Duration))
	e.emit(ctx, "task_completed", map[string]any{
		"doc": doc, "task_id": id, "name": task.Name, "atom": ref, "message": res.Message,
	})
	return rep, nil
}

// activate reloads doc, focuses the task and persists the active state.
func (e *Engine) activate(doc, id string) (*tree.Tree, *tree.Task, error) {
	t, err := e.parser.Load(doc)
	if err != nil {
		return nil, nil, err
	}
	if err := t.Focus(id); err != nil {
		return nil, nil, err
	}
	task, err := t.FindTask(id)
	if err != nil {
		return nil, nil, err
	}
	if err := e.persister.Save(t, doc); err != nil {
		return nil, nil, err
	}
	return t, task, nil
}

// focusProxies marks the referencing tasks active so the outer documents
// show where work is happening. Failures are logged only.
func (e *Engine) focusProxies(via []Proxy, log logx.Logger) {
	for _, p := range via {
		t, err := e.parser.Load(p.Doc)
		if err == nil {
			var task *tree.Task
			if task, err = t.FindTask(p.TaskID); err == nil && task.Status == tree.StatusActive {
				continue
			}
			if err == nil {
				err = t.Focus(p.TaskID)
			}
			if err == nil {
				err = e.persister.Save(t, p.Doc)
			}
		}
		if err != nil {
			log.Warn("could not focus proxy task", logx.String("proxy_doc", p.Doc), logx.String("proxy_id", p.TaskID), logx.Err(err))
		}
	}
}

// snapshot builds the read-only context handed to an atom.
func (e *Engine) snapshot(doc string, task *tree.Task) atom.Context {
	e.varsMu.RLock()
	vals := make(map[string]any, len(e.vars)+4)
	for k, v := range e.vars {
		vals[k] = v
	}
	e.varsMu.RUnlock()
	vals[atom.KeyDocument] = doc
	vals[atom.KeyTaskID] = task.ID
	vals[atom.KeyTaskName] = task.Name
	vals[atom.KeyTaskRef] = task.Ref
	return atom.NewContext(vals)
}

// invoke runs a in its own goroutine so that cancellation is observed even if
// the atom ignores ctx. A panic is returned as an error.
func (e *Engine) invoke(ctx context.Context, a atom.Atom, c atom.Context) (atom.Result, error) {
	type outcome struct {
		res atom.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("atom panic: %v", r)}
				e.log.Error("atom.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			done <- out
		}()
		out.res, out.err = a.Run(ctx, c)
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return atom.Result{}, fmt.Errorf("%w: %v", ErrInterrupted, context.Cause(ctx))
	}
}

func (e *Engine) mergeExports(exports map[string]any) error {
	if len(exports) == 0 {
		return nil
	}
	if _, err := json.Marshal(exports); err != nil {
		return fmt.Errorf("%w: %v", ErrUnserializableExports, err)
	}
	e.varsMu.Lock()
	for k, v := range exports {
		e.vars[k] = v
	}
	e.varsMu.Unlock()
	return nil
}

// recordFailure marks the task as error on disk. Errors are logged and
// swallowed so the caller's original failure is what gets reported.
func (e *Engine) recordFailure(doc, id string, log logx.Logger) {
	t, err := e.parser.Load(doc)
	if err == nil {
		err = t.ForceStatus(id, tree.StatusError)
	}
	if err == nil {
		err = e.persister.Save(t, doc)
	}
	if err != nil {
		log.Error("could not record task failure", logx.Err(err))
	}
}
