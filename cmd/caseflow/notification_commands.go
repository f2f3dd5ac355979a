package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
	"caseflow/internal/notifications"
)

func newNotificationsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notes"},
		Short:   "Read and deliver operator notifications",
	}
	cmd.AddCommand(newNotificationsListCommand(ctx))
	cmd.AddCommand(newNotificationsReadCommand(ctx))
	cmd.AddCommand(newNotificationsDeliverCommand(ctx))
	return cmd
}

func newNotificationsListCommand(ctx *commandContext) *cobra.Command {
	var (
		recipient  string
		caseID     string
		types      []string
		unreadOnly bool
		limit      uint64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := notifications.Filter{Recipient: recipient, CaseID: caseID, UnreadOnly: unreadOnly, Limit: limit}
			for _, t := range types {
				filter.Types = append(filter.Types, notifications.Type(t))
			}
			return ctx.withEnv(func(env *environment) error {
				items, err := env.notifications.List(ctx.commandCtx(cmd), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromNotifications(items))
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No notifications")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, n := range items {
					rows = append(rows, []string{
						strconv.FormatInt(n.ID, 10),
						n.CreatedAt.Local().Format("2006-01-02 15:04"),
						string(n.Severity),
						string(n.Type),
						n.Recipient,
						n.Subject,
						yesNo(n.Read()),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Created", "Severity", "Type", "Recipient", "Subject", "Read"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "Filter by recipient")
	cmd.Flags().StringVar(&caseID, "case", "", "Filter by case id")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by notification type (repeatable)")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only unread notifications")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newNotificationsReadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				n, err := env.notifications.MarkRead(ctx.commandCtx(cmd), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked notification %d read: %s\n", n.ID, n.Subject)
				return nil
			})
		},
	}
}

func newNotificationsDeliverCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Push undelivered notifications to the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				relay := notifications.NewRelay(env.notifications, notifications.NewSender(env.cfg.Notifications), env.cfg.Notifications, env.logger)
				if !relay.Enabled() {
					return fmt.Errorf("notification delivery is disabled; set notifications.ntfy_topic")
				}
				sent, err := relay.Deliver(ctx.commandCtx(cmd), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d notification(s)\n", sent)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum notifications to deliver")
	return cmd
}
