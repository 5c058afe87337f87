package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "interflow/pkg/logx"
)

// maxRecent bounds the in-memory tail served by Recent().
const maxRecent = 256

// fileLedger is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.outcomes.jsonl (append-only JSON Lines)
//
// The journal is rewritten in place by PruneBefore (tmp + rename).
type fileLedger struct {
	log logx.Logger

	mu sync.Mutex

	path string
	file *os.File

	recent []Record // newest last
	counts map[string]uint64
	total  uint64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileLedger{
		log:    log,
		path:   prefix + ".outcomes.jsonl",
		counts: map[string]uint64{},
	}
	// Rebuild counters and the recent tail from whatever survived restarts.
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger replay failed; starting fresh", logx.String("path", s.path), logx.Any("err", err))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

func (s *fileLedger) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Status == "" {
			continue
		}
		s.noteLocked(r)
	}
	return sc.Err()
}

// noteLocked updates in-memory state; callers hold mu (or run before
// the store is shared).
func (s *fileLedger) noteLocked(r Record) {
	s.total++
	s.counts[r.Status]++
	s.recent = append(s.recent, r)
	if len(s.recent) > maxRecent {
		s.recent = s.recent[len(s.recent)-maxRecent:]
	}
}

func (s *fileLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileLedger) Append(ctx context.Context, r Record) error {
	_ = ctx
	if r.Status == "" {
		return errors.New("record status required")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("ledger file closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.noteLocked(r)
	return nil
}

func (s *fileLedger) Recent(ctx context.Context, limit int) ([]Record, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileLedger) Stats(ctx context.Context) (Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	by := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		by[k] = v
	}
	return Stats{Total: s.total, ByStatus: by}, nil
}

func (s *fileLedger) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errors.New("ledger file closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var (
		kept    []Record
		removed int64
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = in.Close()
			return 0, err
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			removed++ // corrupt line, drop it with the old data
			continue
		}
		if r.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	scanErr := sc.Err()
	_ = in.Close()
	if scanErr != nil {
		return 0, scanErr
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			_ = out.Close()
			return 0, err
		}
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	// Swap the journal, then move the append handle to the new file.
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	_ = s.file.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return removed, err
	}
	s.file = f

	// Rebuild in-memory state from the survivors.
	s.total = uint64(len(kept))
	s.counts = map[string]uint64{}
	for _, r := range kept {
		s.counts[r.Status]++
	}
	start := 0
	if len(kept) > maxRecent {
		start = len(kept) - maxRecent
	}
	s.recent = append([]Record(nil), kept[start:]...)

	return removed, nil
}
