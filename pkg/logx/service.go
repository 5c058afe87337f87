package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "interflow/internal/transport"
)

// Service owns the plumbing behind live loggers: the root zerolog
// instance, the optional log file, and the chat notify sink. Apply swaps
// all of it at runtime without invalidating handed-out Loggers.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Value // zerolog.Logger

	sink notifySink
}

// New builds the service and applies cfg immediately. The returned Logger
// follows every later Apply.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg: cfg,
		sink: notifySink{
			sender:    sender,
			queue:     make(chan notifyLine, notifyQueueLen),
			channelID: strings.TrimSpace(cfg.Notify.ChannelID),
		},
	}
	s.root.Store(newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetNotifyTarget redirects the notify sink to another channel at runtime.
// An empty id mutes the sink until the next Apply carries one.
func (s *Service) SetNotifyTarget(channelID string) { s.sink.setTarget(channelID) }

// Close stops the notify worker and closes the log file. Loggers keep
// working against whatever root was last stored.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.sink.stop()
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe to call concurrently;
// loggers handed out earlier pick the change up on their next write.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.sink.configure(cfg.Notify)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		if f := s.openLogFile(cfg.File.Path); f != nil {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Notify.Enabled {
		s.sink.start()
		writers = append(writers, &notifyWriter{sink: &s.sink})
		if s.sink.target() == "" {
			fmt.Fprintln(os.Stderr, "logx: notify logging enabled but logging.notify.channel_id is not set")
		}
	}
	if len(writers) == 0 {
		// never leave the process mute
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./interflow.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	// The caller field is already file:line; keep it as-is.
	cw.FormatCaller = func(v any) string {
		s, _ := v.(string)
		return s
	}
	return cw
}
