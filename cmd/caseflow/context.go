package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"caseflow/internal/approvals"
	"caseflow/internal/auth"
	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/sla"
	"caseflow/internal/workflow"
)

type commandContext struct {
	configFlag    *string
	principalFlag *string
	rolesFlag     *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

// environment holds the opened database and the stores built on it.
type environment struct {
	cfg           *config.Config
	logger        *slog.Logger
	db            *database.DB
	jobs          *queue.Store
	locks         *locks.Manager
	workflows     *workflow.Machine
	notifications *notifications.Store
	approvals     *approvals.Store
}

func newCommandContext(configFlag, principalFlag, rolesFlag *string) *commandContext {
	return &commandContext{
		configFlag:    configFlag,
		principalFlag: principalFlag,
		rolesFlag:     rolesFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withEnv opens the database and stores for the duration of fn.
func (c *commandContext) withEnv(fn func(*environment) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cooldown := time.Duration(cfg.SLA.CooldownMinutes) * time.Minute
	return fn(&environment{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		jobs:          queue.NewStore(db, cfg.Jobs, logger),
		locks:         locks.NewManager(db, cfg.Locks, logger),
		workflows:     workflow.NewMachine(db, cfg.SLA, logger),
		notifications: notifications.NewStore(db, cooldown, logger),
		approvals:     approvals.NewStore(db, logger),
	})
}

// monitor builds an SLA monitor over the environment's stores.
func (e *environment) monitor() *sla.Monitor {
	return sla.NewMonitor(sla.Deps{
		Workflows:     e.workflows,
		Notifications: e.notifications,
		Approvals:     e.approvals,
		Jobs:          e.jobs,
	}, e.cfg.SLA, e.logger)
}

// principal resolves the identity the command acts as.
func (c *commandContext) principal() auth.Principal {
	var id, roles string
	if c.principalFlag != nil {
		id = strings.TrimSpace(*c.principalFlag)
	}
	if c.rolesFlag != nil {
		roles = *c.rolesFlag
	}
	if id == "" {
		user := strings.TrimSpace(os.Getenv("USER"))
		if user == "" {
			user = "operator"
		}
		id = "cli:" + user
	}
	return auth.ParseRoles(id, roles)
}

// commandCtx returns the command's context annotated with the acting principal.
func (c *commandContext) commandCtx(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return auth.WithPrincipal(ctx, c.principal())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// interrupted reports whether err only signals a cancelled run.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
