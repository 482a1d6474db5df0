package atom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "taskflow/pkg/logx"
)

// Implementation references of the built-in atoms.
const (
	RefManual = "builtin.Manual"
	RefFlow   = "builtin.Flow"
	RefShell  = "builtin.Shell"
	RefEcho   = "builtin.Echo"
	RefNotify = "builtin.Notify"
)

// Manual is the placeholder every undispatchable task falls back to. It never
// succeeds: a human has to move the task forward.
type Manual struct{}

func (Manual) Run(_ context.Context, c Context) (Result, error) {
	return Result{
		Success: false,
		Message: "manual intervention required for task: " + c.String(KeyTaskName),
	}, nil
}

// Flow stands in for a task that delegates to a nested status document.
type Flow struct{}

func (Flow) Run(context.Context, Context) (Result, error) {
	return Result{Success: true, Message: "flow dispatched"}, nil
}

// Echo succeeds and exports the task text; handy for dry runs.
type Echo struct{}

func (Echo) Run(_ context.Context, c Context) (Result, error) {
	_, body := SplitTag(c.String(KeyTaskName))
	return Result{
		Success: true,
		Message: body,
		Exports: map[string]any{"echo": body},
	}, nil
}

// Shell runs the task text after its tag with "sh -c" in the project root.
type Shell struct {
	Timeout time.Duration
	Log     logx.Logger
}

func (s Shell) Run(ctx context.Context, c Context) (Result, error) {
	_, command := SplitTag(c.String(KeyTaskName))
	if command == "" {
		return Result{Success: false, Message: "no command given"}, nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.String(KeyRoot)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("run %q: %w", command, err)
		}
		code = exitErr.ExitCode()
	}
	if !s.Log.IsZero() {
		s.Log.Debug("shell atom finished",
			logx.String("cmd", command),
			logx.Int("exit_code", code),
			logx.Duration("took", time.Since(start)),
		)
	}

	res := Result{
		Success: code == 0,
		Exports: map[string]any{
			"stdout":    strings.TrimRight(stdout.String(), "\n"),
			"exit_code": code,
		},
	}
	if code == 0 {
		res.Message = "command succeeded"
	} else {
		res.Message = fmt.Sprintf("command exited with %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	return res, nil
}

// Sender is the part of *tele.Bot that Notify needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notify posts the task text to a Telegram chat.
type Notify struct {
	ChatID int64
	Sender Sender
}

func (n Notify) Run(_ context.Context, c Context) (Result, error) {
	if n.Sender == nil || n.ChatID == 0 {
		return Result{}, errors.New("telegram notifications are not configured")
	}
	_, body := SplitTag(c.String(KeyTaskName))
	text := fmt.Sprintf("[%s] %s", c.String(KeyTaskID), body)
	msg, err := n.Sender.Send(&tele.Chat{ID: n.ChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return Result{}, fmt.Errorf("telegram send: %w", err)
	}
	exports := map[string]any{}
	if msg != nil {
		exports["message_id"] = msg.ID
	}
	return Result{Success: true, Message: "notification sent", Exports: exports}, nil
}

// TelegramOptions configures the Notify atom.
type TelegramOptions struct {
	Token  string
	ChatID int64
}

// BuiltinOptions configures the default catalog.
type BuiltinOptions struct {
	Telegram     TelegramOptions
	ShellTimeout time.Duration
	Log          logx.Logger
}

// NewBuiltinCatalog returns a catalog holding every built-in atom.
func NewBuiltinCatalog(opts BuiltinOptions) *Catalog {
	c := NewCatalog()
	c.MustRegister(RefManual, func() any { return Manual{} })
	c.MustRegister(RefFlow, func() any { return Flow{} })
	c.MustRegister(RefEcho, func() any { return Echo{} })
	c.MustRegister(RefShell, func() any {
		return Shell{Timeout: opts.ShellTimeout, Log: opts.Log}
	})

	var (
		once   sync.Once
		bot    *tele.Bot
		botErr error
	)
	c.MustRegister(RefNotify, func() any {
		if strings.TrimSpace(opts.Telegram.Token) == "" {
			return Notify{}
		}
		once.Do(func() {
			bot, botErr = tele.NewBot(tele.Settings{Token: opts.Telegram.Token, Offline: true})
		})
		if botErr != nil {
			panic(fmt.Sprintf("telegram bot: %v", botErr))
		}
		return Notify{ChatID: opts.Telegram.ChatID, Sender: bot}
	})
	return c
}
