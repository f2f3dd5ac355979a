package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var (
		configFlag    string
		principalFlag string
		rolesFlag     string
	)

	ctx := newCommandContext(&configFlag, &principalFlag, &rolesFlag)

	rootCmd := &cobra.Command{
		Use:           "caseflow",
		Short:         "Case document workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&principalFlag, "principal", "", "Principal id the command acts as (default: cli:$USER)")
	rootCmd.PersistentFlags().StringVar(&rolesFlag, "roles", "admin", "Comma separated roles of the acting principal")

	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newDocumentCommand(ctx))
	rootCmd.AddCommand(newLockCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newWorkflowCommand(ctx))
	rootCmd.AddCommand(newNotificationsCommand(ctx))
	rootCmd.AddCommand(newApprovalsCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newDBCommand(ctx))

	return rootCmd
}
