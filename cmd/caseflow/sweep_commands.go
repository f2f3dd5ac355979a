package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
	"caseflow/internal/queue"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance sweeps once",
	}
	cmd.AddCommand(newSweepSLACommand(ctx))
	cmd.AddCommand(newSweepLocksCommand(ctx))
	cmd.AddCommand(newSweepDiagnoseCommand(ctx))
	return cmd
}

func newSweepSLACommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "Check stage deadlines, overdue approvals, and failure bursts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				report, err := env.monitor().Sweep(ctx.commandCtx(cmd), env.jobs.Now())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromSLAReport(report))
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, renderSectionHeader("SLA sweep", colorize))
				fmt.Fprintln(out, renderStatusLine("Active instances", statusInfo, strconv.Itoa(report.Instances), colorize))
				fmt.Fprintln(out, renderStatusLine("Warnings", countKind(report.Warnings, statusWarn), strconv.Itoa(report.Warnings), colorize))
				fmt.Fprintln(out, renderStatusLine("Violations", countKind(report.Violations, statusError),
					fmt.Sprintf("%d (%d new)", report.Violations, report.NewViolations), colorize))
				fmt.Fprintln(out, renderStatusLine("Overdue approvals", countKind(report.ApprovalAlerts, statusWarn), strconv.Itoa(report.ApprovalAlerts), colorize))
				fmt.Fprintln(out, renderStatusLine("Failure bursts", countKind(report.FailureBursts, statusError), strconv.Itoa(report.FailureBursts), colorize))
				fmt.Fprintln(out, renderStatusLine("Suppressed", statusInfo, strconv.Itoa(report.Suppressed), colorize))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newSweepLocksCommand(ctx *commandContext) *cobra.Command {
	var (
		timeoutSeconds int
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Reclaim locks held longer than the cleanup timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				if timeoutSeconds <= 0 {
					timeoutSeconds = env.cfg.Locks.CleanupTimeoutSeconds
				}
				reclaimed, err := env.locks.CleanupExpiredLocks(ctx.commandCtx(cmd), timeoutSeconds)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromReclaimed(timeoutSeconds, reclaimed))
				}
				if len(reclaimed) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No stale locks")
					return nil
				}
				rows := make([][]string, 0, len(reclaimed))
				for _, r := range reclaimed {
					rows = append(rows, []string{r.DocumentID, r.CaseID, r.Holder, r.HeldFor.Round(time.Second).String()})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Document", "Case", "Holder", "Held For"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Age in seconds past which a lock is reclaimed (default: locks.cleanup_timeout_seconds)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newSweepDiagnoseCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report OCR state per case and documents needing attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				diag, err := env.jobs.Diagnose(ctx.commandCtx(cmd), env.jobs.Now())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromDiagnosis(diag))
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, renderSectionHeader("OCR status by case", colorize))
				statuses := []queue.OCRStatus{queue.OCRPending, queue.OCRQueued, queue.OCRProcessing, queue.OCRCompleted, queue.OCRFailed, queue.OCRNeedsReview}
				headers := []string{"Case"}
				aligns := []columnAlignment{alignLeft}
				for _, s := range statuses {
					headers = append(headers, string(s))
					aligns = append(aligns, alignRight)
				}
				cases := append([]queue.CaseCounts(nil), diag.Cases...)
				sort.Slice(cases, func(i, j int) bool { return cases[i].CaseID < cases[j].CaseID })
				rows := make([][]string, 0, len(cases))
				for _, c := range cases {
					row := []string{c.CaseID}
					for _, s := range statuses {
						row = append(row, strconv.Itoa(c.Counts[s]))
					}
					rows = append(rows, row)
				}
				fmt.Fprintln(out, renderTable(headers, rows, aligns))
				printRefs(cmd, "Eligible for re-queue", diag.RequeueEligible, colorize)
				printRefs(cmd, "Missing source", diag.MissingSource, colorize)
				if len(diag.Paused) > 0 {
					fmt.Fprintln(out, renderSectionHeader("Paused jobs", colorize))
					for _, job := range diag.Paused {
						fmt.Fprintf(out, "  job %d %s %s: %s\n", job.ID, job.Type, job.DocumentID, dash(job.LastError))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printRefs(cmd *cobra.Command, title string, refs []queue.DocumentRef, colorize bool) {
	if len(refs) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderSectionHeader(title, colorize))
	for _, ref := range refs {
		fmt.Fprintf(out, "  %s (case %s, retries %d): %s\n", ref.DocumentID, ref.CaseID, ref.RetryCount, dash(ref.LastError))
	}
}

func countKind(n int, kind statusKind) statusKind {
	if n == 0 {
		return statusOK
	}
	return kind
}
