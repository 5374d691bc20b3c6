package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"maestro/internal/graph"
)

func newStagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the workflow stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([][]string, 0)
			for _, stage := range graph.Stages() {
				rows = append(rows, []string{
					string(stage),
					prettyStageName(string(stage)),
					fmt.Sprintf("%d%%", graph.Progress(stage)),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Stage", "Name", "Progress"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}
