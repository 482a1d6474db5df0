package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"taskflow/internal/app"
	"taskflow/internal/document"
	"taskflow/internal/tree"
)

var statusMarks = map[tree.Status]string{
	tree.StatusPending: "[ ]",
	tree.StatusActive:  "[/]",
	tree.StatusDone:    "[x]",
	tree.StatusSkipped: "[-]",
	tree.StatusError:   "[!]",
}

// docName is the document a command operates on.
func docName(a *app.App, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return a.Engine().Document()
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status document with task ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.Engine().Load()
			if err != nil {
				return err
			}
			printTree(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func printTree(out io.Writer, t *tree.Tree) {
	for _, k := range t.Headers.Keys() {
		v, _ := t.Headers.Get(k)
		fmt.Fprintf(out, "%s: %s\n", k, v)
	}
	if t.Headers.Len() > 0 {
		fmt.Fprintln(out)
	}
	if len(t.Roots) == 0 {
		fmt.Fprintln(out, "(no tasks)")
		return
	}
	t.Walk(func(task *tree.Task) bool {
		line := fmt.Sprintf("%s%s %-6s %s", strings.Repeat("  ", task.IndentLevel), statusMarks[task.Status], task.ID, task.Name)
		if task.Ref != "" {
			line += " @ " + task.Ref
		}
		fmt.Fprintln(out, line)
		return true
	})
}

// edit loads the current document, applies fn and saves the result.
func edit(cmd *cobra.Command, g *globalOptions, fn func(t *tree.Tree) (string, error)) error {
	a, err := g.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.Engine().Load()
	if err != nil {
		return err
	}
	msg, err := fn(t)
	if err != nil {
		return err
	}
	if err := t.ValidateConsistency(); err != nil {
		return err
	}
	if err := a.Engine().Save(t); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func parseStatusFlag(raw string) (tree.Status, error) {
	if raw == "" {
		return "", nil
	}
	return tree.ParseStatus(strings.ToLower(raw))
}

func newAddCmd(g *globalOptions) *cobra.Command {
	var (
		parent string
		status string
		at     int
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatusFlag(status)
			if err != nil {
				return err
			}
			if st == "" {
				st = tree.StatusPending
			}
			name, ref, err := document.SplitTaskText(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return edit(cmd, g, func(t *tree.Tree) (string, error) {
				task, err := t.InsertTask(parent, name, st, at)
				if err != nil {
					return "", err
				}
				task.Ref = ref
				t.Reindex()
				return fmt.Sprintf("Added %s %s", task.ID, task.Name), nil
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", tree.RootID, "Parent task id")
	cmd.Flags().StringVar(&status, "status", "", "Initial status (default pending)")
	cmd.Flags().IntVar(&at, "at", -1, "Position among siblings (default last)")
	return cmd
}

func newSetCmd(g *globalOptions) *cobra.Command {
	var (
		name   string
		status string
		anchor string
	)
	cmd := &cobra.Command{
		Use:   "set <task-id>",
		Short: "Rename a task or change its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatusFlag(status)
			if err != nil {
				return err
			}
			if name == "" && st == "" {
				return fmt.Errorf("nothing to change: pass --name and/or --status")
			}
			return edit(cmd, g, func(t *tree.Tree) (string, error) {
				if err := t.UpdateTask(args[0], tree.Update{Name: name, Status: st, Anchor: anchor}); err != nil {
					return "", err
				}
				task, err := t.FindTask(args[0])
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Updated %s", task), nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New task name")
	cmd.Flags().StringVar(&status, "status", "", "New status (pending, active, done, skipped, error)")
	cmd.Flags().StringVar(&anchor, "anchor", "", "Fail unless the task currently has this name")
	return cmd
}

func newRemoveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Remove a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return edit(cmd, g, func(t *tree.Tree) (string, error) {
				task, err := t.FindTask(args[0])
				if err != nil {
					return "", err
				}
				name := task.Name
				if err := t.RemoveTask(args[0]); err != nil {
					return "", err
				}
				t.Reindex()
				return fmt.Sprintf("Removed %s %s", args[0], name), nil
			})
		},
	}
}

func newCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the registry and every reachable document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			eng := a.Engine()

			fmt.Fprintf(out, "registry: %d tag(s) %s\n", len(eng.Tags()), strings.Join(eng.Tags(), ", "))

			seen := map[string]bool{}
			queue := []string{eng.Document()}
			for len(queue) > 0 {
				name := queue[0]
				queue = queue[1:]
				if seen[name] {
					continue
				}
				seen[name] = true

				t, err := eng.Parser().Load(name)
				if err != nil {
					return err
				}
				if err := t.ValidateConsistency(); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(out, "ok: %s (%d tasks)\n", name, t.Len())
				t.Walk(func(task *tree.Task) bool {
					if strings.HasSuffix(strings.ToLower(task.Ref), ".md") {
						queue = append(queue, task.Ref)
					}
					return true
				})
			}
			return nil
		},
	}
}

func newAcceptCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accept [doc]",
		Short: "Trust out-of-band edits to a document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			name := docName(a, args)
			if err := a.Engine().Parser().AcceptChanges(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted changes to %s\n", name)
			return nil
		},
	}
}

func newDeclineCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decline [doc]",
		Short: "Discard out-of-band edits by restoring the latest backup",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			name := docName(a, args)
			if err := a.Engine().Parser().DeclineChanges(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from backup\n", name)
			return nil
		},
	}
}
