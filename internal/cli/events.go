package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskflow/internal/storage"
)

var errNoEventStore = errors.New("event store disabled: create .flow/logs or set events.driver")

func newEventsCmd(g *globalOptions) *cobra.Command {
	var (
		typ    string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded engine events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Store() == nil {
				return errNoEventStore
			}

			evs, err := a.Store().ListEvents(cmd.Context(), storage.Query{Type: typ, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, e := range evs {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			if len(evs) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}
			for _, e := range evs {
				fmt.Fprintf(out, "%s  %-16s %s\n", e.Timestamp.Local().Format(time.DateTime), e.Type, e.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 20, "Most recent events to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON lines")
	return cmd
}
