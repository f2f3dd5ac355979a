package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
)

func newApprovalsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Request and decide tool approvals",
	}
	cmd.AddCommand(newApprovalsListCommand(ctx))
	cmd.AddCommand(newApprovalsRequestCommand(ctx))
	cmd.AddCommand(newApprovalDecisionCommand(ctx, "approve", true))
	cmd.AddCommand(newApprovalDecisionCommand(ctx, "deny", false))
	return cmd
}

func newApprovalsListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				pending, err := env.approvals.Pending(ctx.commandCtx(cmd))
				if err != nil {
					return err
				}
				if asJSON {
					items := make([]api.Approval, 0, len(pending))
					for _, a := range pending {
						items = append(items, api.FromApproval(a))
					}
					return writeJSON(cmd, items)
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
					return nil
				}
				rows := make([][]string, 0, len(pending))
				for _, a := range pending {
					rows = append(rows, []string{
						strconv.FormatInt(a.ID, 10),
						a.CaseID,
						a.Tool,
						a.RequestedBy,
						a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Case", "Tool", "Requested By", "Requested"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newApprovalsRequestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "request <case-id> <tool>",
		Short: "Request approval to run a tool on a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				a, err := env.approvals.Request(ctx.commandCtx(cmd), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requested approval %d for %s on case %s\n", a.ID, a.Tool, a.CaseID)
				return nil
			})
		},
	}
}

func newApprovalDecisionCommand(ctx *commandContext, verb string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: "Decide a pending approval: " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				a, err := env.approvals.Decide(ctx.commandCtx(cmd), id, approve)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approval %d %s by %s\n", a.ID, a.Status, a.DecidedBy)
				return nil
			})
		},
	}
}
