package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maestro/internal/api"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	jobCmd.AddCommand(newJobStatusCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobSelectCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	jobCmd.AddCommand(newJobRetryCommand(ctx))
	jobCmd.AddCommand(newJobTickCommand(ctx))
	return jobCmd
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var req api.CreateJobRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Brief) == "" && strings.TrimSpace(req.AudioURL) == "" {
				return errors.New("either --brief or --audio-url is required")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.CreateJob(req)
			if err != nil {
				return err
			}
			if resp.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s\n", resp.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Identical request already submitted as job %s\n", resp.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Brief, "brief", "", "What the song should be about")
	cmd.Flags().StringVar(&req.Title, "title", "", "Song title")
	cmd.Flags().StringVar(&req.Style, "style", "", "Musical style")
	cmd.Flags().StringVar(&req.Language, "language", "", "Lyrics language")
	cmd.Flags().StringVar(&req.AudioURL, "audio-url", "", "Use an existing audio track instead of generating one")
	cmd.Flags().StringVar(&req.Lyrics, "lyrics", "", "Lyrics text for a supplied audio track")
	cmd.Flags().Float64Var(&req.DurationSeconds, "duration", 0, "Target duration in seconds")
	cmd.Flags().StringVar(&req.Selection, "selection", "", "Candidate selection mode: hitl or autopilot (default from daemon config)")
	return cmd
}

func newJobStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job with any pending selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.GetStatus(args[0])
			if err != nil {
				return err
			}
			renderJobStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(statuses)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.Title,
					prettyStageName(job.Stage),
					job.Status,
					fmt.Sprintf("%d%%", job.Progress),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Title", "Stage", "Status", "Progress"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	return cmd
}

func newJobSelectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "select <job-id> <candidate-id>",
		Short: "Resolve a pending selection with the chosen candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.SelectCandidate(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Selected candidate %s for job %s\n", args[1], args[0])
			return nil
		},
	}
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.CancelJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
			return nil
		},
	}
}

func newJobRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.RetryJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %s\n", args[0])
			return nil
		},
	}
}

func newJobTickCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tick <job-id>",
		Short: "Force one immediate tick of a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := client.TickJob(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job stopped at %s (%s)\n",
				prettyStageName(res.Stage), res.StopReason)
			return nil
		},
	}
}
