package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"interflow/internal/app"
)

// Set via -ldflags "-X main.version=..." on release builds.
var version = "dev"

func main() {
	var (
		cfgPath     string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("interflow", version)
		return
	}

	// The flag rides on the env override, so the level also survives
	// config hot reloads.
	if logLevel != "" {
		_ = os.Setenv("INTERFLOW_LOG_LEVEL", logLevel)
	}

	// The root context stays live while the app shuts down: signals are
	// handled below instead of canceling it, so the relay can drain its
	// queue before the supervisors unwind. Stop bounds each step itself.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	// No-op outside systemd (NOTIFY_SOCKET unset).
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		} else {
			reason = app.StopAppStop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping+"\nSTATUS=stopping: "+reason.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
