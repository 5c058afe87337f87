package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is the command word without the leading slash, e.g. "pools".
	Name        string
	Aliases     []string // e.g. ["list"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Msg       kit.Message
	ChannelID string // canonical "platform:chat" id of the chat the command came from
	SenderID  string
	Command   string
	Args      []string

	// Parsed arguments
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter  kit.Adapter
	Config   *Config
	Logger   logx.Logger
	Services *Services
	Owners   []int64
}

// Reply sends plain text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Adapter.Send(ctx, r.ChannelID, kit.Outgoing{Text: text, DisablePreview: true})
}

// ReplyHTML sends HTML-formatted text back to the chat the command came from.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	return r.Adapter.Send(ctx, r.ChannelID, kit.Outgoing{Text: text, ParseMode: "HTML", DisablePreview: true})
}

// RelayPort exposes the forwarding engine's operational surface to command
// handlers without importing the engine's internals.
type RelayPort interface {
	Rebuild() (activePools, channels int)
	IndexSize() (activePools, channels int)
	Pools() []PoolView
	Stats() RelayStats
}

// LedgerPort exposes delivery-outcome counters. May be backed by a disabled
// ledger; Enabled reports whether a store is actually attached.
type LedgerPort interface {
	Enabled() bool
	Stats(ctx context.Context) (LedgerStats, error)
	Recent(ctx context.Context, limit int) ([]OutcomeRecord, error)
}

type Services struct {
	Relay  RelayPort
	Ledger LedgerPort

	// StartedAt is the app start time, for uptime in /stats.
	StartedAt time.Time

	// ReloadConfig re-reads the config file, validates it and applies the
	// result to the running services. Set by the app; nil in minimal/test
	// environments (handlers fall back to an in-place index rebuild).
	ReloadConfig func(ctx context.Context) error

	// AppSupervisor is set by the app once started.
	// It can be nil in minimal/test environments.
	AppSupervisor *Supervisor

	// RuntimeSupervisors exposes additional subsystem supervisors (adapters,
	// relay engine, config watcher) for operational commands like /stats.
	//
	// This is read-only / best-effort; entries may be nil in minimal/test
	// environments.
	RuntimeSupervisors *SupervisorRegistry
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // canonical name -> command
	alias map[string]*Command
	order []string // canonical names in registration order

	owners []int64 // guarded by mu

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	serv    *Services

	// runMu guards the dispatcher lifecycle. jobs closes when it stops,
	// and running flips to false first so enqueue can refuse in time.
	runMu   sync.Mutex
	running bool
	sup     *Supervisor
	jobs    chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		owners:  slices.Clone(owners),
		jobs:    make(chan func(), 64),
	}
}

// Supervisor exposes the dispatcher's supervisor for /stats. It is nil
// while no DispatchLoop runs.
func (m *CommandManager) Supervisor() *Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) markRunning(sup *Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// enqueue hands fn to the worker pool without blocking. It reports false
// when the queue is full or already closed; the closed case can race the
// dispatcher shutdown, hence the recover.
func (m *CommandManager) enqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners swaps the owner list used for AccessOwnerOnly checks. The
// hot-reload path calls it when the config changes.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

// SetRegistry installs the command set. /help is always injected.
func (m *CommandManager) SetRegistry(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show this help",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	reg := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]string, 0, len(cmds))

	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if _, seen := reg[name]; !seen {
			order = append(order, name)
		}
		reg[name] = &cc
		for _, a := range cc.Aliases {
			a = sanitizeTelegramCommand(a)
			if a == "" || a == name {
				continue
			}
			if _, taken := alias[a]; !taken {
				alias[a] = &cc
			}
		}
	}

	m.mu.Lock()
	m.cmds = reg
	m.alias = alias
	m.order = order
	m.mu.Unlock()

	m.pushMenu()
}

// pushMenu refreshes the Telegram /menu autocomplete in the background,
// when the adapter supports it.
func (m *CommandManager) pushMenu() {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(m.commandsSnapshot())
	push := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		_ = up.UpdateMenuCommands(ctx, menu)
	}
	// Under the app supervisor the push is cancelled cleanly on shutdown.
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
			push(ctx)
			return nil
		})
		return
	}
	go push(context.Background())
}

// commandsSnapshot returns the registered commands in registration order.
func (m *CommandManager) commandsSnapshot() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, name := range m.order {
		if c := m.cmds[name]; c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// Matches reports whether msg is a command this router owns: a Telegram
// message whose first word resolves to a registered command or alias.
// The update pump uses it to keep foreign "/something" chatter flowing
// into the relay instead of swallowing it here.
func (m *CommandManager) Matches(msg kit.Message) bool {
	if msg.Platform != kit.PlatformTelegram {
		return false
	}
	word, ok := commandWord(msg.Text)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, hit := m.cmds[word]; hit {
		return true
	}
	_, hit := m.alias[word]
	return hit
}

// commandWord extracts the lowercased command word from "/word@bot args".
func commandWord(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", false
	}
	word := text[1:]
	if i := strings.IndexAny(word, " \t\n\r"); i >= 0 {
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return "", false
	}
	return word, true
}

// DispatchLoop consumes command messages until ctx is canceled or the
// channel closes. Handlers run on a small worker pool so one slow command
// cannot stall the rest.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	const workers = 2

	sup := NewSupervisor(ctx,
		WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		WithCancelOnError(false),
	)
	m.markRunning(sup, true)
	if m.serv != nil && m.serv.RuntimeSupervisors != nil {
		m.serv.RuntimeSupervisors.Set("telegram.router", sup)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// running flips first; enqueue must refuse before the channel
			// closes under it.
			m.markRunning(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.runWorker(c, idx)
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithPublishFirstError(true),
			WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx) // bounded drain
		cancel()
		if m.serv != nil && m.serv.RuntimeSupervisors != nil {
			m.serv.RuntimeSupervisors.Delete("telegram.router")
		}
		m.markRunning(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				m.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			m.routeMessage(ctx, msg)
		}
	}
}

// runWorker drains the job queue until ctx ends or the queue closes. Both
// are clean exits; GoRestart only respawns after a panic.
func (m *CommandManager) runWorker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-m.jobs:
			if !ok {
				return nil
			}
			if job == nil {
				continue
			}
			m.runJob(idx, job)
		}
	}
}

// runJob isolates one job. The middleware chain already recovers handler
// panics; this net catches bugs in the chain itself.
func (m *CommandManager) runJob(idx int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job",
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeMessage(root context.Context, msg kit.Message) {
	if msg.Platform != kit.PlatformTelegram {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	m.mu.RLock()
	cmd := m.cmds[word]
	if cmd == nil {
		cmd = m.alias[word]
	}
	m.mu.RUnlock()

	if cmd == nil {
		// Stay silent in groups: "/something" there is usually meant for
		// another bot (or a pool peer) and should not be answered.
		if !msg.IsGroup {
			_ = m.adapter.Send(root, msg.ChannelID, kit.Outgoing{Text: "unknown command, try /help"})
		}
		return
	}

	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, msg, *cmd, pos, args, flags, bools)
}

func (m *CommandManager) enqueueCommand(root context.Context, msg kit.Message, cmd Command, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.SenderID, owners) {
		_ = m.adapter.Send(root, msg.ChannelID, kit.Outgoing{Text: "unauthorized"})
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.String("channel", msg.ChannelID),
		logx.String("from", msg.SenderID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Msg:       msg,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Command:   cmd.Name,
		Args:      args,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Config:    m.cfgm.Get(),
		Logger:    reqLog,
		Services:  m.serv,
		Owners:    owners,
	}

	final := Chain(
		cmd.Handle,
		withRecovery(m.log),
		withRequestLog(m.log),
		withTimeout(cmd.Timeout),
	)

	if !m.enqueue(func() { _ = final(root, req) }) {
		_ = m.adapter.Send(root, req.ChannelID, kit.Outgoing{Text: "busy, try again"})
	}
}

// isOwner matches a platform sender id against the configured owner ids.
// Telegram sender ids are decimal user ids.
func isOwner(senderID string, owners []int64) bool {
	id, err := strconv.ParseInt(strings.TrimSpace(senderID), 10, 64)
	if err != nil {
		return false
	}
	return slices.Contains(owners, id)
}
