package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"karmaguard/internal/pkg/processor/scamdetector"
)

func checkTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-templates <file>",
		Short: "Validate a scam template file without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := scamdetector.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range set.Templates() {
				fmt.Fprintf(out, "%-24s min_score=%.2f %s\n", t.ID, t.MinScore, t.Reason)
			}
			fmt.Fprintf(out, "%d templates OK\n", set.Len())
			return nil
		},
	}
}
