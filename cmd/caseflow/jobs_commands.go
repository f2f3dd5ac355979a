package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
	"caseflow/internal/queue"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsShowCommand(ctx))
	cmd.AddCommand(newJobsEnqueueCommand(ctx))
	cmd.AddCommand(newJobsResetCommand(ctx))
	cmd.AddCommand(newJobsStatsCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		types    []string
		caseID   string
		document string
		limit    uint64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.Filter{CaseID: caseID, DocumentID: document, Limit: limit}
			for _, value := range statuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			for _, value := range types {
				jobType, ok := queue.ParseJobType(value)
				if !ok {
					return fmt.Errorf("unknown job type %q", value)
				}
				filter.Types = append(filter.Types, jobType)
			}
			return ctx.withEnv(func(env *environment) error {
				jobs, err := env.jobs.List(ctx.commandCtx(cmd), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromJobs(jobs))
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						string(job.Type),
						job.DocumentID,
						string(job.Status),
						fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
						formatConfidence(job.Confidence),
						dash(job.LastError),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Document", "Status", "Retries", "Confidence", "Last Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by job type (repeatable)")
	cmd.Flags().StringVar(&caseID, "case", "", "Filter by case id")
	cmd.Flags().StringVar(&document, "document", "", "Filter by document id")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				job, err := env.jobs.GetByID(ctx.commandCtx(cmd), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromJob(job))
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %d (%s)\n", job.ID, job.Type)
				fmt.Fprintf(out, "  Document:   %s (case %s)\n", job.DocumentID, job.CaseID)
				fmt.Fprintf(out, "  Status:     %s\n", job.Status)
				fmt.Fprintf(out, "  Retries:    %d/%d\n", job.RetryCount, job.MaxRetries)
				fmt.Fprintf(out, "  Worker:     %s\n", dash(job.WorkerID))
				fmt.Fprintf(out, "  Started:    %s\n", formatWhen(job.StartedAt))
				fmt.Fprintf(out, "  Finished:   %s\n", formatWhen(job.FinishedAt))
				fmt.Fprintf(out, "  Confidence: %s\n", formatConfidence(job.Confidence))
				if job.GateReason != "" {
					fmt.Fprintf(out, "  Gate:       %s\n", job.GateReason)
				}
				if job.LastError != "" {
					fmt.Fprintf(out, "  Last error: %s [%s]\n", job.LastError, dash(job.ErrorClass))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newJobsEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		priority   int
		maxRetries int
		delay      time.Duration
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job-type> <document-id>",
		Short: "Queue a job for a document",
		Long:  fmt.Sprintf("Queue a job for a document. Job types: %s.", strings.Join(jobTypeNames(), ", ")),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, ok := queue.ParseJobType(args[0])
			if !ok {
				return fmt.Errorf("unknown job type %q", args[0])
			}
			return ctx.withEnv(func(env *environment) error {
				req := queue.EnqueueRequest{
					Type:       jobType,
					DocumentID: args[1],
					Priority:   queue.Priority(priority),
					MaxRetries: maxRetries,
				}
				if delay > 0 {
					req.NotBefore = env.jobs.Now().Add(delay)
				}
				job, err := env.jobs.Enqueue(ctx.commandCtx(cmd), req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromJob(job))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s job %d for %s\n", job.Type, job.ID, job.DocumentID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", int(queue.PriorityNormal), "Priority 0 (low) to 3 (urgent)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget (default: jobs.max_retries)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newJobsResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [job-id...]",
		Short: "Re-queue failed or paused jobs (all when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withEnv(func(env *environment) error {
				reset, err := env.jobs.Reset(ctx.commandCtx(cmd), ids...)
				if err != nil {
					return err
				}
				if len(reset) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs to reset")
					return nil
				}
				for _, job := range reset {
					fmt.Fprintf(cmd.OutOrStdout(), "Re-queued job %d (%s %s)\n", job.ID, job.Type, job.DocumentID)
				}
				return nil
			})
		},
	}
}

func newJobsStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				stats, err := env.jobs.Stats(ctx.commandCtx(cmd))
				if err != nil {
					return err
				}
				if asJSON {
					counts := make(map[string]int, len(stats))
					for status, n := range stats {
						counts[string(status)] = n
					}
					return writeJSON(cmd, counts)
				}
				rows := make([][]string, 0, len(queue.AllStatuses())+1)
				for _, status := range queue.AllStatuses() {
					rows = append(rows, []string{string(status), strconv.Itoa(stats[status])})
				}
				rows = append(rows, []string{"total", strconv.Itoa(stats.Total())})
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", value)
	}
	return id, nil
}

func jobTypeNames() []string {
	types := queue.AllJobTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
