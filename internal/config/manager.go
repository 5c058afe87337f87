package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "interflow/pkg/logx"
)

const (
	// validateTimeout bounds the validator hook during reloads.
	validateTimeout = 5 * time.Second

	// debounceWindow coalesces the burst of events an editor save produces
	// (write, chmod, rename dance) into one reload.
	debounceWindow = 250 * time.Millisecond
)

// ConfigManager owns the config file: parsing, the committed snapshot,
// subscriber fan-out, and the reload loop behind Watch.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of the committed snapshot, 0 when unknown

	// subsMu serializes publish against Unsubscribe so a channel is never
	// sent to while it is being closed.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	reloadMu    sync.Mutex
	reloadTimer *time.Timer
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook that gates commits. Both Watch and
// ReloadNow run it before a parsed config becomes visible.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the config file without committing it. YAML is
// converted to JSON first so a single strict decoder covers both formats;
// unknown keys and trailing documents are rejected.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return &cfg, nil
}

// Commit makes cfg the current snapshot and remembers its content hash,
// which lets Watch skip file events that do not change the content.
func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load is Parse followed by Commit. Nothing is published.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// ReloadNow parses, validates and commits in one synchronous step so the
// caller can apply the result itself and report the outcome. Subscribers
// are not notified; the committed hash makes Watch ignore the file event
// that usually trails a deliberate reload.
func (m *ConfigManager) ReloadNow(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Get returns the committed snapshot, nil before the first Load.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives configs published by Watch.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes ch from the subscriber list and closes it.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		m.offer(ch, cfg)
	}
}

// offer delivers cfg without blocking. A full buffer loses its oldest
// entry first, so a slow subscriber always wakes up to the newest config.
func (m *ConfigManager) offer(ch chan *Config, cfg *Config) {
	select {
	case ch <- cfg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
	default:
		if !m.log.IsZero() {
			m.log.Debug(
				"config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// Watch follows the config file until ctx ends. Events are debounced,
// unchanged content is skipped, and validated configs are committed and
// published to subscribers. fsnotify watchers can stop delivering or close
// their channels after editor rename dances, so a broken watcher is
// recreated with jittered backoff instead of being trusted forever.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	retry := newRetryDelay(250*time.Millisecond, 5*time.Second)

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watch init failed", logx.Any("err", err), logx.String("dir", dir))
			}
			if !sleepCtx(ctx, retry.next()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !m.log.IsZero() {
				m.log.Warn("config watch add failed", logx.Any("err", err), logx.String("dir", dir))
			}
			if !sleepCtx(ctx, retry.next()) {
				return nil
			}
			continue
		}

		retry.reset()
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		done := m.consumeEvents(ctx, w, file, dir)
		_ = w.Close()
		if done || ctx.Err() != nil {
			return nil
		}

		wait := retry.next()
		if !m.log.IsZero() {
			m.log.Warn(
				"config watcher stopped; restarting",
				logx.String("dir", dir),
				logx.String("file", file),
				logx.Duration("backoff", wait),
			)
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// consumeEvents drains one watcher until it breaks or ctx ends. It reports
// true when ctx ended and the caller should stop for good, false when the
// watcher broke and needs to be recreated.
func (m *ConfigManager) consumeEvents(ctx context.Context, w *fsnotify.Watcher, file, dir string) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Match by basename: some backends report absolute paths while
			// Add() got a relative one, and editors replace via rename.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				m.scheduleReload(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// The overflow error differs across fsnotify versions; match the
			// text rather than a constant. Events were lost, so force a reload.
			if strings.Contains(msg, "overflow") {
				if !m.log.IsZero() {
					m.log.Warn("config watch overflow; forcing reload", logx.Any("err", err), logx.String("dir", dir))
				}
				m.scheduleReload(ctx)
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Any("err", err), logx.String("dir", dir))
			}
			// Some backends surface watcher closure as an error instead of
			// closing the channels.
			if strings.Contains(msg, "closed") {
				return false
			}
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer. Atomic saves write
// partial files first, so the reload runs only after the file has been
// quiet for debounceWindow.
func (m *ConfigManager) scheduleReload(ctx context.Context) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
	}
	if !m.log.IsZero() {
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
	}
	m.reloadTimer = time.AfterFunc(debounceWindow, func() { m.reloadAndPublish(ctx) })
}

// reloadAndPublish runs after the debounce window: parse, skip when the
// content hash matches the committed snapshot, validate, then commit and
// fan out to subscribers. Failures leave the current snapshot in place.
func (m *ConfigManager) reloadAndPublish(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.String("err", err.Error()))
		}
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return
	}

	if err := m.validate(ctx, cfg); err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Any("err", err))
		}
		return
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
}

// retryDelay produces exponentially growing waits with up to 50% jitter,
// capped at max. reset() returns it to the starting delay after a healthy
// stretch.
type retryDelay struct {
	cur, min, max time.Duration
	rng           *rand.Rand
}

func newRetryDelay(min, max time.Duration) *retryDelay {
	return &retryDelay{
		cur: min,
		min: min,
		max: max,
		// private source: the global one is locked and shared
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryDelay) next() time.Duration {
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < r.max {
		r.cur *= 2
		if r.cur > r.max {
			r.cur = r.max
		}
	}
	return wait
}

func (r *retryDelay) reset() { r.cur = r.min }

// sleepCtx waits for d or ctx, whichever comes first, reporting false when
// the context won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
