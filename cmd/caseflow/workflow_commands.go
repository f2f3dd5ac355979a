package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"caseflow/internal/api"
	"caseflow/internal/workflow"
)

var stageTitler = cases.Title(language.English)

// stageTitle renders a stage name for humans, e.g. "ai_processing" -> "Ai Processing".
func stageTitle(stage string) string {
	return stageTitler.String(strings.ReplaceAll(stage, "_", " "))
}

func newWorkflowCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Start and move case workflows",
	}
	cmd.AddCommand(newWorkflowStartCommand(ctx))
	cmd.AddCommand(newWorkflowListCommand(ctx))
	cmd.AddCommand(newWorkflowShowCommand(ctx))
	cmd.AddCommand(newWorkflowAdvanceCommand(ctx))
	cmd.AddCommand(newWorkflowReturnCommand(ctx))
	cmd.AddCommand(newWorkflowAckCommand(ctx))
	cmd.AddCommand(newWorkflowDurationsCommand(ctx))
	return cmd
}

func newWorkflowStartCommand(ctx *commandContext) *cobra.Command {
	var (
		workflowType string
		priority     string
	)
	cmd := &cobra.Command{
		Use:   "start <case-id>",
		Short: "Start a workflow for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := workflow.ParsePriority(priority)
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				inst, err := env.workflows.Start(ctx.commandCtx(cmd), args[0], workflowType, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started %s workflow %d for case %s at %s\n",
					inst.WorkflowType, inst.ID, inst.CaseID, stageTitle(inst.Stage))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", workflow.TypeGeneral, "Workflow type ("+strings.Join(workflow.Types(), ", ")+")")
	cmd.Flags().StringVar(&priority, "priority", string(workflow.PriorityMedium), "low, medium, high or urgent")
	return cmd
}

func newWorkflowListCommand(ctx *commandContext) *cobra.Command {
	var (
		caseID       string
		workflowType string
		stages       []string
		activeOnly   bool
		violatedOnly bool
		limit        uint64
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				instances, err := env.workflows.List(ctx.commandCtx(cmd), workflow.Filter{
					CaseID:       caseID,
					WorkflowType: workflowType,
					Stages:       stages,
					ActiveOnly:   activeOnly,
					ViolatedOnly: violatedOnly,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromInstances(instances))
				}
				if len(instances) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No workflows found")
					return nil
				}
				rows := make([][]string, 0, len(instances))
				for _, inst := range instances {
					sla := formatWhen(inst.SLADeadline)
					if inst.SLAViolated {
						sla += " (violated)"
					}
					rows = append(rows, []string{
						strconv.FormatInt(inst.ID, 10),
						inst.CaseID,
						inst.WorkflowType,
						stageTitle(inst.Stage),
						string(inst.Priority),
						sla,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Case", "Type", "Stage", "Priority", "SLA Deadline"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "Filter by case id")
	cmd.Flags().StringVar(&workflowType, "type", "", "Filter by workflow type")
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Filter by stage (repeatable)")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only instances not yet complete")
	cmd.Flags().BoolVar(&violatedOnly, "violated", false, "Only instances with an SLA violation")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newWorkflowShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show an instance and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				c := ctx.commandCtx(cmd)
				inst, err := env.workflows.Get(c, id)
				if err != nil {
					return err
				}
				transitions, err := env.workflows.Transitions(c, id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.WorkflowResponse{Item: api.FromInstance(inst), Transitions: api.FromTransitions(transitions)})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Workflow %d (%s) for case %s\n", inst.ID, inst.WorkflowType, inst.CaseID)
				fmt.Fprintf(out, "  Stage:    %s since %s\n", stageTitle(inst.Stage), inst.StageEnteredAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "  Priority: %s\n", inst.Priority)
				if inst.ReviewPriority != "" {
					fmt.Fprintf(out, "  Review:   %s\n", inst.ReviewPriority)
				}
				fmt.Fprintf(out, "  Deadline: %s\n", formatWhen(inst.SLADeadline))
				if inst.SLAViolated {
					fmt.Fprintf(out, "  Violated: %s (acknowledged by %s)\n", formatWhen(inst.SLAViolatedAt), dash(inst.SLAAcknowledgedBy))
				}
				rows := make([][]string, 0, len(transitions))
				for _, t := range transitions {
					rows = append(rows, []string{
						t.EnteredAt,
						dash(t.From),
						t.To,
						string(t.Kind),
						strconv.FormatFloat(t.DurationSeconds, 'f', 0, 64),
						dash(t.Actor),
						dash(t.Reason),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Entered", "From", "To", "Kind", "Seconds", "Actor", "Reason"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newWorkflowAdvanceCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "advance <workflow-id>",
		Short: "Move an instance to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				inst, err := env.workflows.Advance(ctx.commandCtx(cmd), id, "", reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d is now at %s\n", inst.ID, stageTitle(inst.Stage))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the transition")
	return cmd
}

func newWorkflowReturnCommand(ctx *commandContext) *cobra.Command {
	var (
		toStage string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "return <workflow-id>",
		Short: "Send an instance back to an earlier stage for revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(toStage) == "" {
				return fmt.Errorf("--to is required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				inst, err := env.workflows.ReturnForRevision(ctx.commandCtx(cmd), id, toStage, "", reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d returned to %s\n", inst.ID, stageTitle(inst.Stage))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "Earlier stage to return to")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the transition")
	return cmd
}

func newWorkflowAckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <workflow-id>",
		Short: "Acknowledge an SLA violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				inst, err := env.workflows.AcknowledgeViolation(ctx.commandCtx(cmd), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged SLA violation on workflow %d (%s)\n", inst.ID, inst.SLAAcknowledgedBy)
				return nil
			})
		},
	}
}

func newWorkflowDurationsCommand(ctx *commandContext) *cobra.Command {
	var workflowType string
	cmd := &cobra.Command{
		Use:   "durations",
		Short: "Average time spent in each stage against its SLA target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				durations, err := env.workflows.AverageStageDurations(ctx.commandCtx(cmd), workflowType)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(durations))
				for _, d := range durations {
					target := "-"
					if t := env.workflows.Target(workflowType, d.Stage); t > 0 {
						target = t.String()
					}
					rows = append(rows, []string{
						stageTitle(d.Stage),
						strconv.Itoa(d.Samples),
						strconv.FormatFloat(d.AverageSeconds, 'f', 1, 64),
						target,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Stage", "Samples", "Avg Seconds", "Target"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", workflow.TypeGeneral, "Workflow type")
	return cmd
}
