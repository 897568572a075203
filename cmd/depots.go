package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDepotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depots",
		Short: "List the configured depots in query order.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := runtimeFrom(cmd)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTIME GATE\tFALLBACK")
			for _, d := range rt.cfg.Depots {
				fallback := d.FallbackPrefix
				if fallback == "" {
					fallback = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.TimeGatePrefix, fallback)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write depots: %w", err)
			}
			return nil
		},
	}
}
