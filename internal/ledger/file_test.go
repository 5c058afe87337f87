package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "interflow/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ledger")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if st == nil {
		t.Fatalf("Open() returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(driver=%q) = (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open() accepted unknown driver")
	}
}

func TestFileAppendRecentStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{At: base, JobID: "j1", Pool: "alpha", Target: "telegram:1", Status: StatusForwarded, Attempts: 1},
		{At: base.Add(time.Minute), JobID: "j2", Pool: "alpha", Target: "discord:2", Status: StatusFailed, Error: "chat not found"},
		{At: base.Add(2 * time.Minute), JobID: "j3", Pool: "beta", Target: "telegram:3", Status: StatusForwarded, Attempts: 2},
	}
	for _, r := range records {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("Append(%s) error = %v", r.JobID, err)
		}
	}

	recent, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recent))
	}
	// newest first
	if recent[0].JobID != "j3" || recent[1].JobID != "j2" {
		t.Fatalf("Recent order = [%s %s], want [j3 j2]", recent[0].JobID, recent[1].JobID)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("Stats.Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[StatusForwarded] != 2 || stats.ByStatus[StatusFailed] != 1 {
		t.Fatalf("Stats.ByStatus = %v", stats.ByStatus)
	}
}

func TestFileAppendRejectsMissingStatus(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, t.TempDir())
	defer st.Close()

	if err := st.Append(context.Background(), Record{JobID: "j1"}); err == nil {
		t.Fatalf("Append() accepted record without status")
	}
}

func TestFileReplayAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	for i := 0; i < 5; i++ {
		if err := st.Append(ctx, Record{Status: StatusForwarded, JobID: "x"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	stats, err := st2.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() after reopen error = %v", err)
	}
	if stats.Total != 5 || stats.ByStatus[StatusForwarded] != 5 {
		t.Fatalf("Stats after reopen = %+v, want 5 forwarded", stats)
	}
}

func TestFilePruneBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	for i := 0; i < 3; i++ {
		if err := st.Append(ctx, Record{At: old, Status: StatusForwarded}); err != nil {
			t.Fatalf("Append(old) error = %v", err)
		}
	}
	if err := st.Append(ctx, Record{At: fresh, Status: StatusFailed, JobID: "keep"}); err != nil {
		t.Fatalf("Append(fresh) error = %v", err)
	}

	removed, err := st.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("PruneBefore() removed = %d, want 3", removed)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[StatusFailed] != 1 {
		t.Fatalf("Stats after prune = %+v", stats)
	}

	// The surviving record must still be readable, and appends must land
	// in the rewritten journal.
	if err := st.Append(ctx, Record{At: fresh, Status: StatusForwarded, JobID: "after"}); err != nil {
		t.Fatalf("Append after prune error = %v", err)
	}
	recent, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].JobID != "after" || recent[1].JobID != "keep" {
		t.Fatalf("Recent after prune = %+v", recent)
	}

	// Nothing old remains: a second prune is a no-op.
	removed, err = st.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("second PruneBefore() = (%d, %v), want (0, nil)", removed, err)
	}
}
