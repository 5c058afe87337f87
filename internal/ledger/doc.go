// Package ledger persists relay delivery outcomes.
//
// It records metadata only (who, where, how many attempts, why it
// failed), never message bodies. Backends:
//   - "file": dependency-free JSON Lines journal
//   - "sqlite": SQLite database file (optional build tag)
//
// A retention job prunes old records on a cron schedule.
package ledger
