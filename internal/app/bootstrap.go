package app

import (
	"time"

	"interflow/internal/config"
	"interflow/internal/runtime/supervisor"
	"interflow/internal/transport/telegram/router"
)

// Aliases pulling the config, supervisor and router surfaces into one
// namespace, so the wiring in app.go reads without package stutter.

type (
	Config        = config.Config
	ConfigManager = config.ConfigManager

	Supervisor         = supervisor.Supervisor
	SupervisorRegistry = router.SupervisorRegistry

	Services       = router.Services
	CommandManager = router.CommandManager
)

var (
	NewConfigManager      = config.NewConfigManager
	SummarizeConfigChange = config.SummarizeConfigChange

	NewSupervisor         = supervisor.NewSupervisor
	NewSupervisorRegistry = router.NewSupervisorRegistry
	WithLogger            = supervisor.WithLogger
	WithCancelOnError     = supervisor.WithCancelOnError

	NewCommandManager = router.NewCommandManager
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
