package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"caseflow/internal/crashstate"
	"caseflow/internal/gate"
	"caseflow/internal/processing"
	"caseflow/internal/queue"
	"caseflow/internal/services/inference"
	"caseflow/internal/stage"
	"caseflow/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run and inspect job workers",
	}
	cmd.AddCommand(newWorkerRunCommand(ctx))
	cmd.AddCommand(newWorkerHealthCommand(ctx))
	return cmd
}

// workerParts are the pieces every worker in a pool shares.
type workerParts struct {
	policy   *gate.Policy
	handlers map[queue.JobType]stage.Handler
}

func buildWorkerParts(env *environment) (workerParts, error) {
	client, err := inference.NewClient(env.cfg.Inference, inference.WithLogger(env.logger))
	if err != nil {
		return workerParts{}, err
	}
	policy, err := gate.NewPolicy(env.cfg.Gate)
	if err != nil {
		return workerParts{}, err
	}
	return workerParts{
		policy:   policy,
		handlers: processing.NewHandlers(env.jobs, client, env.cfg.Inference, env.logger),
	}, nil
}

func parseJobTypes(values []string) ([]queue.JobType, error) {
	types := make([]queue.JobType, 0, len(values))
	for _, value := range values {
		t, ok := queue.ParseJobType(value)
		if !ok {
			return nil, fmt.Errorf("unknown job type %q", value)
		}
		types = append(types, t)
	}
	return types, nil
}

func newWorkerRunCommand(ctx *commandContext) *cobra.Command {
	var (
		count int
		types []string
		name  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process queued jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobTypes, err := parseJobTypes(types)
			if err != nil {
				return err
			}
			return ctx.withEnv(func(env *environment) error {
				parts, err := buildWorkerParts(env)
				if err != nil {
					return err
				}
				if count <= 0 {
					count = env.cfg.Jobs.Workers
				}
				stateDir := env.cfg.Paths.StateDir
				if env.cfg.Crash.Secret == "" {
					env.logger.Warn("crash.secret is not set; in-flight jobs will not be recovered after a crash")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Starting %d worker(s); press Ctrl+C to stop\n", max(count, 1))

				tag := processTag()
				err = worker.RunPool(ctx.commandCtx(cmd), count, func(index int) (*worker.Worker, error) {
					slot := name + "-" + strconv.Itoa(index)
					id := slot + "@" + tag
					deps := worker.Deps{
						Jobs:          env.jobs,
						Locks:         env.locks,
						Workflows:     env.workflows,
						Gate:          parts.policy,
						Handlers:      parts.handlers,
						Notifications: env.notifications,
					}
					// Crash state is keyed by slot so a restarted worker finds its
					// predecessor's snapshot; the worker claims the slot when it runs.
					if env.cfg.Crash.Secret != "" {
						recorder, err := crashstate.NewRecorder(env.cfg.Crash, stateDir, slot, env.logger)
						if err != nil {
							return nil, err
						}
						deps.Crash = recorder
					}
					return worker.New(env.cfg, deps, env.logger, worker.WithID(id), worker.WithTypes(jobTypes...))
				})
				if interrupted(err) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&count, "workers", "n", 0, "Number of concurrent workers (default: jobs.workers)")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Job types to claim (default: all)")
	cmd.Flags().StringVar(&name, "name", "worker", "Crash state slot prefix; keep it stable across restarts so crash state is recovered")
	return cmd
}

// processTag distinguishes this process from every other worker process,
// on this host or another, so lock holders never collide.
func processTag() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func newWorkerHealthCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check stage handler readiness and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, renderSectionHeader("Worker health", colorize))

				parts, err := buildWorkerParts(env)
				if err != nil {
					fmt.Fprintln(out, renderStatusLine("Inference", statusError, err.Error(), colorize))
					return fmt.Errorf("worker is not ready")
				}
				w, err := worker.New(env.cfg, worker.Deps{
					Jobs:      env.jobs,
					Locks:     env.locks,
					Workflows: env.workflows,
					Gate:      parts.policy,
					Handlers:  parts.handlers,
				}, env.logger, worker.WithID("health-check"))
				if err != nil {
					return err
				}
				checkCtx := ctx.commandCtx(cmd)
				if timeout > 0 {
					var cancel context.CancelFunc
					checkCtx, cancel = context.WithTimeout(checkCtx, timeout)
					defer cancel()
				}
				summary := w.Status(checkCtx)
				for _, h := range summary.StageHealth {
					if h.Ready {
						fmt.Fprintln(out, renderStatusLine(h.Name, statusOK, "", colorize))
					} else {
						fmt.Fprintln(out, renderStatusLine(h.Name, statusError, h.Detail, colorize))
					}
				}
				for _, status := range queue.AllStatuses() {
					fmt.Fprintln(out, renderStatusLine("Jobs "+string(status), statusInfo, strconv.Itoa(summary.QueueStats[status]), colorize))
				}
				if !summary.Ready {
					return fmt.Errorf("worker is not ready")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Limit on the health probes")
	return cmd
}
