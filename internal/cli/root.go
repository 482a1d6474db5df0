// Package cli implements the flow command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskflow/internal/app"
)

type globalOptions struct {
	dir      string
	doc      string
	logLevel string
}

func (g *globalOptions) open(cmd *cobra.Command) (*app.App, error) {
	return app.New(cmd.Context(), app.Options{
		StartDir: g.dir,
		Document: g.doc,
		LogLevel: g.logLevel,
	})
}

func newRootCmd(version string) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "flow",
		Short: "Flow - a local, file-backed task scheduler",
		Long: `Flow works through the tasks of a markdown status document kept in a
.flow directory, one task at a time, recording every step back to disk.

Tasks tagged like "[shell] make test" are dispatched to the atom the tag maps
to in .flow/flow.registry.json; untagged tasks need a human.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVarP(&g.dir, "dir", "C", "", "Start the .flow search here instead of the working directory")
	root.PersistentFlags().StringVar(&g.doc, "doc", "", "Status document inside .flow (default status.md)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(g),
		newNextCmd(g),
		newRunCmd(g),
		newDaemonCmd(g),
		newStatusCmd(g),
		newAddCmd(g),
		newSetCmd(g),
		newRemoveCmd(g),
		newCheckCmd(g),
		newAcceptCmd(g),
		newDeclineCmd(g),
		newEventsCmd(g),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
