package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
	"caseflow/internal/locks"
)

func newLockCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage document locks",
	}
	cmd.AddCommand(newLockStatusCommand(ctx))
	cmd.AddCommand(newLockAcquireCommand(ctx))
	cmd.AddCommand(newLockRenewCommand(ctx))
	cmd.AddCommand(newLockReleaseCommand(ctx))
	return cmd
}

func newLockStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		withEvents bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show who holds a document lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				c := ctx.commandCtx(cmd)
				info, err := env.locks.Status(c, args[0])
				if err != nil {
					return fmt.Errorf("lock status %s: %w", args[0], err)
				}
				var events []locks.Event
				if withEvents {
					if events, err = env.locks.Events(c, args[0]); err != nil {
						return err
					}
				}
				if asJSON {
					return writeJSON(cmd, api.FromLockInfo(info, events))
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				if info.Held {
					fmt.Fprintln(out, renderStatusLine(info.DocumentID, statusWarn, "locked by "+info.Holder, colorize))
					fmt.Fprintf(out, "  Acquired: %s\n", formatWhen(info.AcquiredAt))
					fmt.Fprintf(out, "  Expires:  %s\n", formatWhen(info.ExpiresAt))
				} else {
					fmt.Fprintln(out, renderStatusLine(info.DocumentID, statusOK, "unlocked", colorize))
				}
				if len(events) > 0 {
					rows := make([][]string, 0, len(events))
					for _, e := range events {
						rows = append(rows, []string{e.CreatedAt, string(e.Kind), dash(e.Holder), dash(e.Actor)})
					}
					fmt.Fprintln(out, renderTable([]string{"When", "Event", "Holder", "Actor"}, rows, nil))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "Include the lock audit trail")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newLockAcquireCommand(ctx *commandContext) *cobra.Command {
	var (
		holder  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire <document-id>",
		Short: "Acquire an exclusive document lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				res, err := env.locks.AcquireLock(ctx.commandCtx(cmd), args[0], holder, timeout)
				if err != nil {
					return err
				}
				return reportLock(cmd, "Acquired", res)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Lock holder id (default: the acting principal)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Lock lifetime (default: locks.default_timeout_seconds)")
	return cmd
}

func newLockRenewCommand(ctx *commandContext) *cobra.Command {
	var (
		holder  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "renew <document-id>",
		Short: "Extend a lock the holder still owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				if strings.TrimSpace(holder) == "" {
					holder = ctx.principal().ID
				}
				res, err := env.locks.RenewLock(ctx.commandCtx(cmd), args[0], holder, timeout)
				if err != nil {
					return err
				}
				return reportLock(cmd, "Renewed", res)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Lock holder id (default: the acting principal)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "New lock lifetime (default: locks.default_timeout_seconds)")
	return cmd
}

func newLockReleaseCommand(ctx *commandContext) *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "release <document-id>",
		Short: "Release a document lock",
		Long:  "Release a document lock. Admins may force release a lock held by someone else.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				res, err := env.locks.ReleaseLock(ctx.commandCtx(cmd), args[0], holder)
				if err != nil {
					return err
				}
				return reportLock(cmd, "Released", res)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Caller id (default: the acting principal)")
	return cmd
}

// reportLock prints a lock outcome; denials become errors so the exit code reflects them.
func reportLock(cmd *cobra.Command, verb string, res locks.Result) error {
	if !res.Success {
		if res.Holder != "" {
			return fmt.Errorf("lock %s: %s (held by %s)", res.DocumentID, res.Reason, res.Holder)
		}
		return fmt.Errorf("lock %s: %s", res.DocumentID, res.Reason)
	}
	if res.ExpiresAt.IsZero() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s lock on %s\n", verb, res.DocumentID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s lock on %s for %s until %s\n",
		verb, res.DocumentID, res.Holder, res.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}
