package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"interflow/internal/config"
	"interflow/internal/eventbus"
	"interflow/internal/ledger"
	"interflow/internal/observability/pprof"
	"interflow/internal/relay"
	kit "interflow/internal/transport"
	discord "interflow/internal/transport/discord/adapter"
	telegram "interflow/internal/transport/telegram/adapter"
	"interflow/internal/transport/telegram/router"
	logx "interflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	registry *kit.Registry
	telegram kit.Adapter
	discord  kit.Adapter // nil unless discord.enabled

	relay  *relay.Service
	ledger *ledger.Service
	pprof  *pprof.Service

	cmdm *CommandManager
	serv *Services

	// updates carries every inbound message from all adapters; the pump
	// splits it into commands (cmdCh) and relay traffic.
	updates chan kit.Message
	cmdCh   chan kit.Message

	// applyMu serializes config application between the watcher fan-out
	// and the synchronous /reload path.
	applyMu     sync.Mutex
	lastApplied *Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The send registry doubles as the log notify sink. It is empty until
	// the adapters register below; notify lines emitted before that are
	// dropped best-effort by the logx worker.
	registry := kit.NewRegistry()

	logSvc, log := logx.New(mapLogConfig(cfg), registry)
	log = log.With(logx.String("comp", "app"))

	// Adapter config mapping
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		MessagesPerSec: cfg.Telegram.MessagesPerSec,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	registry.Register(tg)

	var dc kit.Adapter
	if cfg.Discord.Enabled {
		d, err := discord.New(discord.Config{
			Token: cfg.Discord.Token,
		}, logSvc.Logger().With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		dc = d
		registry.Register(d)
		log.Info("discord adapter enabled")
	}

	bus := eventbus.New()

	// Relay engine mapping
	relayCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	relaySvc := relay.New(relayCfg, registry, bus, logSvc.Logger().With(logx.String("comp", "relay")))

	// Ledger (optional)
	ledgerLog := logSvc.Logger().With(logx.String("comp", "ledger"))
	lcfg, ledgerOn, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store ledger.Store
	if ledgerOn {
		st, err := ledger.Open(lcfg, ledgerLog)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("ledger enabled", logx.String("driver", lcfg.Driver))
	}
	ledgerSvc := ledger.NewService(lcfg, store, bus, ledgerLog)

	// pprof service mapping (optional)
	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, logSvc.Logger().With(logx.String("comp", "pprof")))

	serv := &Services{
		Relay:              relaySvc,
		Ledger:             ledgerSvc,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}

	cmdm := NewCommandManager(logSvc.Logger().With(logx.String("comp", "commands")),
		tg, cfgm, serv, cfg.Telegram.OwnerUserIDs)

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		registry:    registry,
		telegram:    tg,
		discord:     dc,
		relay:       relaySvc,
		ledger:      ledgerSvc,
		pprof:       pprofSvc,
		cmdm:        cmdm,
		serv:        serv,
		updates:     make(chan kit.Message, 256),
		cmdCh:       make(chan kit.Message, 64),
		lastApplied: cfg,
	}
	// The /reload command lands here: re-read, validate, apply synchronously.
	serv.ReloadConfig = a.reloadConfig
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.serv != nil {
		a.serv.AppSupervisor = a.sup
		a.serv.StartedAt = time.Now()
		if a.serv.RuntimeSupervisors == nil {
			a.serv.RuntimeSupervisors = NewSupervisorRegistry()
		}
	}

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			return validateConfig(cfg)
		})
	}

	if err := a.telegram.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	// Expose adapter supervisors for operational visibility.
	if sp, ok := a.telegram.(interface{ Supervisor() *Supervisor }); ok {
		if sup := sp.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
		}
	}

	if a.discord != nil {
		if err := a.discord.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if sp, ok := a.discord.(interface{ Supervisor() *Supervisor }); ok {
			if sup := sp.Supervisor(); sup != nil {
				a.serv.RuntimeSupervisors.Set("discord.adapter", sup)
			}
		}
	}

	a.relay.Start(a.sup.Context())
	if sup := a.relay.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("relay", sup)
	}

	if err := a.ledger.Start(a.sup.Context()); err != nil {
		return err
	}
	if sup := a.ledger.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("ledger", sup)
	}

	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
		if sup := a.pprof.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("pprof", sup)
		}
	}

	a.cmdm.SetRegistry(router.BuiltinCommands())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.cmdCh)
	})

	a.sup.Go0("updates.pump", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case msg, ok := <-a.updates:
				if !ok {
					return
				}
				a.routeUpdate(c, msg)
			}
		}
	})

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise on busy pools.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// routeUpdate hands each inbound message to exactly one consumer: messages
// carrying a registered command go to the command router, everything else
// is offered to the relay engine. Unrecognized "/word" chatter stays on the
// relay path so pool peers running their own bots keep working.
func (a *App) routeUpdate(ctx context.Context, msg kit.Message) {
	if a.cmdm != nil && a.cmdm.Matches(msg) {
		select {
		case a.cmdCh <- msg:
		default:
			a.log.Warn("command queue full, message dropped",
				logx.String("channel", msg.ChannelID))
		}
		return
	}
	a.relay.Accept(msg)
}

// reloadConfig backs the /reload command: re-read and validate the file,
// then apply the result in place. Watch() skips the matching change event
// afterwards thanks to the committed content hash.
func (a *App) reloadConfig(ctx context.Context) error {
	cfg, err := a.cfgm.ReloadNow(ctx)
	if err != nil {
		return err
	}
	a.applyConfig(ctx, cfg)
	return nil
}

// applyConfig pushes a validated config into the running services. Called
// from the reload fan-out goroutine and from /reload; applyMu keeps the
// two from interleaving.
func (a *App) applyConfig(ctx context.Context, newCfg *Config) {
	if newCfg == nil {
		return
	}
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	prev := a.lastApplied

	sections, attrs, poolChanged := SummarizeConfigChange(prev, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
		if len(poolChanged) > 0 {
			a.log.Debug("pool config changes detected", logx.Any("pools", poolChanged))
		}
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	// Settings that only take effect on restart get a warning instead of a
	// silent no-op.
	for _, s := range sections {
		if s == "ledger" {
			a.log.Warn("ledger config changed; restart required for changes to take effect")
			break
		}
	}
	if prev != nil {
		if strings.TrimSpace(prev.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
			strings.TrimSpace(prev.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
			prev.Telegram.MessagesPerSec != newCfg.Telegram.MessagesPerSec {
			a.log.Warn("telegram adapter settings changed; restart required for changes to take effect")
		}
		if prev.Discord.Enabled != newCfg.Discord.Enabled ||
			strings.TrimSpace(prev.Discord.Token) != strings.TrimSpace(newCfg.Discord.Token) {
			a.log.Warn("discord adapter settings changed; restart required for changes to take effect")
		}
		if prev.Relay.Workers != newCfg.Relay.Workers || prev.Relay.QueueSize != newCfg.Relay.QueueSize {
			a.log.Warn("relay worker/queue sizing changed; restart required for changes to take effect")
		}
	}

	// apply logging updates
	a.logs.Apply(mapLogConfig(newCfg))
	if strings.TrimSpace(newCfg.Logging.Notify.ChannelID) == "" {
		// allow clearing the notify target via config hot-reload
		a.logs.SetNotifyTarget("")
	}

	// Update owner list used for AccessOwnerOnly checks.
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	// apply relay updates (pools, media toggles, format, retry take effect
	// for messages dispatched after this point)
	rcfg, err := mapRelayConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rcfg)
		active, channels := a.relay.IndexSize()
		a.log.Debug("relay index rebuilt",
			logx.Int("active_pools", active),
			logx.Int("channels", channels))
	}

	// apply pprof updates (live)
	if a.pprof != nil {
		ppc, err := mapPprofConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}

	// Keep the final log line concise and human-friendly (details are in debug logs).
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}

	a.lastApplied = newCfg
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason.String()))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake stops first so no new work arrives while the relay drains its
	// queue; the supervisor context stays alive until the drain is done.
	step("telegram.adapter", 2*time.Second, func(c context.Context) error { return a.telegram.Stop(c) })
	if a.discord != nil {
		step("discord.adapter", 3*time.Second, func(c context.Context) error { return a.discord.Stop(c) })
	}
	step("relay", 5*time.Second, func(c context.Context) error { a.relay.Stop(c); return nil })
	// The ledger goes after the relay so the final delivery outcomes still
	// get journaled.
	step("ledger", 2*time.Second, func(c context.Context) error { a.ledger.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})

	// Unwind the remaining supervised loops (update pump, command dispatcher,
	// config watch/reload).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// validateConfig is the transactional gate for both the file watcher and
// /reload: a config that fails here is never committed or published.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.MessagesPerSec < 0 {
		return fmt.Errorf("telegram.messages_per_sec must be >= 0")
	}
	if cfg.Discord.Enabled && strings.TrimSpace(cfg.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required when discord.enabled is true")
	}

	if cfg.Relay.Workers < 0 {
		return fmt.Errorf("relay.workers must be >= 0")
	}
	if cfg.Relay.QueueSize < 0 {
		return fmt.Errorf("relay.queue_size must be >= 0")
	}
	if cfg.Relay.Retry.MaxAttempts < 0 {
		return fmt.Errorf("relay.retry.max_attempts must be >= 0")
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}

	// ledger validation (driver, path, durations, cron spec)
	if _, _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	// pprof validation (safe even when disabled)
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Notify: logx.NotifyConfig{
			Enabled:    cfg.Logging.Notify.Enabled,
			ChannelID:  cfg.Logging.Notify.ChannelID,
			MinLevel:   cfg.Logging.Notify.MinLevel,
			RatePerSec: cfg.Logging.Notify.RatePerSec,
		},
	}
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	if cfg == nil {
		return relay.Config{}, nil
	}
	rc := cfg.Relay

	workers := rc.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := rc.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	// Omitted toggles keep the built-in default (images on, the rest off);
	// an explicit false wins.
	media := relay.DefaultMediaToggles()
	if rc.ForwardImage != nil {
		media.Image = *rc.ForwardImage
	}
	if rc.ForwardFile != nil {
		media.File = *rc.ForwardFile
	}
	if rc.ForwardVideo != nil {
		media.Video = *rc.ForwardVideo
	}
	if rc.ForwardVoice != nil {
		media.Voice = *rc.ForwardVoice
	}

	maxAttempts := rc.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay, err := parseDurationOrDefault("relay.retry.base_delay", rc.Retry.BaseDelay, time.Second)
	if err != nil {
		return relay.Config{}, err
	}

	pools := make([]relay.Pool, 0, len(rc.Pools))
	for _, p := range rc.Pools {
		pools = append(pools, relay.Pool{
			Name:     p.Name,
			Enabled:  p.EnabledOrDefault(),
			Channels: append([]string(nil), p.Channels...),
			Format:   p.Format,
		})
	}

	return relay.Config{
		Workers:       workers,
		QueueSize:     queueSize,
		DefaultFormat: strings.TrimSpace(rc.DefaultFormat),
		Media:         media,
		Retry: relay.RetryConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   baseDelay,
		},
		Pools: pools,
	}, nil
}
