package router

import (
	"interflow/internal/config"
	"interflow/internal/ledger"
	"interflow/internal/relay"
	"interflow/internal/runtime/supervisor"
)

// Aliases for the internal surfaces command handlers touch, so handler
// files read without a four-package import block and the relay and ledger
// packages never import the router back.

type (
	Config        = config.Config
	ConfigManager = config.ConfigManager
)

type (
	Supervisor         = supervisor.Supervisor
	SupervisorSnapshot = supervisor.Snapshot
	RestartOption      = supervisor.RestartOption
)

var (
	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError

	WithRestartBackoff    = supervisor.WithRestartBackoff
	WithPublishFirstError = supervisor.WithPublishFirstError
	WithStopOnCleanExit   = supervisor.WithStopOnCleanExit
)

// Operational views handed to /pools and /stats.

type (
	PoolView   = relay.PoolInfo
	RelayStats = relay.Stats
)

type (
	LedgerStats   = ledger.Stats
	OutcomeRecord = ledger.Record
)

const (
	StatusForwarded = ledger.StatusForwarded
	StatusFailed    = ledger.StatusFailed
	StatusExhausted = ledger.StatusExhausted
	StatusSkipped   = ledger.StatusSkipped
)
