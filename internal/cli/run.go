package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskflow/internal/document"
	"taskflow/internal/engine"
	"taskflow/internal/eventlog"
	"taskflow/internal/tree"
)

func newInitCmd(g *globalOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .flow directory with an empty status document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := g.dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = "."
			}
			return initProject(cmd.OutOrStdout(), dir, g.doc, title)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Title header for the new document")
	return cmd
}

func initProject(out io.Writer, dir, doc, title string) error {
	if doc == "" {
		doc = engine.DefaultDocument
	}
	flowDir := filepath.Join(dir, engine.ControlDir)
	for _, d := range []string{flowDir, filepath.Join(flowDir, eventlog.LogsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	if _, err := os.Stat(filepath.Join(flowDir, doc)); err == nil {
		fmt.Fprintf(out, "%s already exists\n", filepath.Join(flowDir, doc))
		return nil
	}
	t := tree.New()
	if title != "" {
		t.Headers.Set("Title", title)
	}
	if err := document.NewPersister(flowDir, document.Options{}).Save(t, doc); err != nil {
		return err
	}
	fmt.Fprintf(out, "Initialized %s\n", filepath.Join(flowDir, doc))
	return nil
}

func newNextCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the task that would run next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tgt, err := a.Engine().FindActiveTask()
			if errors.Is(err, engine.ErrNothingToDo) {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do.")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s %s\n", tgt.Doc, tgt.Task.ID, tgt.Task.Name)
			if len(tgt.Via) > 0 {
				hops := make([]string, 0, len(tgt.Via))
				for _, p := range tgt.Via {
					hops = append(hops, p.Doc+"#"+p.TaskID)
				}
				fmt.Fprintf(out, "  via %s\n", strings.Join(hops, " -> "))
			}
			fmt.Fprintf(out, "  atom %s\n", a.Engine().AtomRef(tgt.Task))
			return nil
		},
	}
}

func newRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [task-id]",
		Short: "Run the next task, or the given task of --doc",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			eng := a.Engine()

			var rep engine.Report
			if len(args) == 1 {
				tgt, err := eng.Locate(eng.Document(), args[0])
				if err != nil {
					return err
				}
				rep, err = eng.RunTask(cmd.Context(), tgt)
				if err != nil {
					return err
				}
			} else {
				rep, err = eng.RunNext(cmd.Context())
				if errors.Is(err, engine.ErrNothingToDo) {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do.")
					return nil
				}
				if err != nil {
					return err
				}
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func printReport(out io.Writer, rep engine.Report) {
	fmt.Fprintf(out, "%s %s %s: %s (%s, %s)\n",
		rep.Doc, rep.TaskID, rep.TaskName, rep.Status, rep.Atom, rep.Duration.Round(time.Millisecond))
	if rep.Result.Message != "" {
		fmt.Fprintf(out, "  %s\n", rep.Result.Message)
	}
}

func newDaemonCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep running tasks on a schedule and whenever documents change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunDaemon(cmd.Context())
		},
	}
}
