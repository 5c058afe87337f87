package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "interflow/pkg/logx"
)

// Store is the persistence API behind the ledger service.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
	// PruneBefore drops records older than cutoff and reports how many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open builds the store the config names. A disabled ledger ("" or
// "none") yields (nil, nil); the service layer treats a nil store as a
// no-op sink.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
