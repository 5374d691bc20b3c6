package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show aggregate job counts from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			health, err := client.Health()
			if err != nil {
				return err
			}
			rows := [][]string{
				{"Total", fmt.Sprintf("%d", health["total"])},
				{"Queued", fmt.Sprintf("%d", health["queued"])},
				{"Running", fmt.Sprintf("%d", health["running"])},
				{"Paused", fmt.Sprintf("%d", health["paused"])},
				{"Succeeded", fmt.Sprintf("%d", health["succeeded"])},
				{"Failed", fmt.Sprintf("%d", health["failed"])},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"State", "Jobs"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}
