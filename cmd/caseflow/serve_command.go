package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"caseflow/internal/api"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the SLA and notification loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				if bind != "" {
					env.cfg.API.Bind = bind
				}
				monitor := env.monitor()
				server, err := api.New(env.cfg, api.Deps{
					Jobs:          env.jobs,
					Locks:         env.locks,
					Workflows:     env.workflows,
					Notifications: env.notifications,
					Approvals:     env.approvals,
					SLA:           monitor,
				}, env.logger)
				if err != nil {
					return err
				}

				// Background loops act as the service principal; API
				// requests carry their own identity.
				runCtx := ctx.commandCtx(cmd)
				if err := server.Start(runCtx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", server.Addr())

				relay := notifications.NewRelay(env.notifications, notifications.NewSender(env.cfg.Notifications), env.cfg.Notifications, env.logger)
				interval := time.Duration(env.cfg.SLA.SweepIntervalSeconds) * time.Second

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					monitor.Run(runCtx, interval)
				}()
				go func() {
					defer wg.Done()
					relay.Run(runCtx)
				}()

				<-runCtx.Done()
				wg.Wait()
				server.Stop()
				env.logger.Info("caseflow server stopped", logging.String(logging.FieldEventType, "server_stopped"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (default: api.bind)")
	return cmd
}
