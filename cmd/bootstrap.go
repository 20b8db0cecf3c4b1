package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/offbeam/conductor/internal/config"
	"github.com/offbeam/conductor/internal/llm"
	"github.com/offbeam/conductor/internal/tools"
	"github.com/offbeam/conductor/internal/usage"
)

// app bundles the long-lived pieces shared by the CLI commands.
type app struct {
	log    *logrus.Logger
	store  *config.Store
	tools  *tools.Manager
	usage  usage.Logger
	engine *llm.Engine
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// bootstrap loads configuration and wires the engine. A missing or
// unreachable usage database degrades to no-op logging rather than
// failing startup.
func bootstrap() (*app, error) {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	store := config.NewStore(cfg)

	manager := tools.NewManager(log)
	tools.RegisterBuiltins(manager)

	var usageLog usage.Logger = usage.Noop{}
	if path, err := config.DataPath("usage.db"); err == nil {
		if sqliteLog, err := usage.NewSQLiteLogger(path); err == nil {
			usageLog = sqliteLog
		} else {
			log.WithError(err).Warn("usage database unavailable, accounting disabled")
		}
	}

	engine := llm.NewEngine(store, manager, usageLog, log)

	return &app{
		log:    log,
		store:  store,
		tools:  manager,
		usage:  usageLog,
		engine: engine,
	}, nil
}

func (a *app) close() {
	if err := a.usage.Close(); err != nil {
		a.log.WithError(err).Warn("closing usage database failed")
	}
}
