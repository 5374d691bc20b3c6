package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete finished jobs and their candidates and runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cleared, err := client.ClearQueue(statuses)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d job(s)\n", cleared)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil,
		"Terminal status to clear (repeatable; default succeeded, failed and cancelled)")
	return cmd
}
