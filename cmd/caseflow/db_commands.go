package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newDBCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	cmd.AddCommand(newDBHealthCommand(ctx))
	return cmd
}

func newDBHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check database schema and integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				health, err := env.db.CheckHealth(ctx.commandCtx(cmd))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, renderSectionHeader("Database", colorize))
				fmt.Fprintln(out, renderStatusLine("Path", statusInfo, health.DBPath, colorize))
				fmt.Fprintln(out, renderStatusLine("Schema version", statusInfo, strconv.Itoa(health.SchemaVersion), colorize))
				if len(health.MissingTables) > 0 {
					fmt.Fprintln(out, renderStatusLine("Tables", statusError, "missing "+strings.Join(health.MissingTables, ", "), colorize))
				} else {
					fmt.Fprintln(out, renderStatusLine("Tables", statusOK, "", colorize))
				}
				integrity := statusOK
				if !health.IntegrityCheck {
					integrity = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Integrity", integrity, health.Error, colorize))
				if health.Error != "" || len(health.MissingTables) > 0 || !health.IntegrityCheck {
					return fmt.Errorf("database is unhealthy")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
