package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteOptions tunes a SQLite store. The zero value keeps SQLite defaults
// apart from WAL journaling, which OpenSQLite always enables.
type SQLiteOptions struct {
	// Tuning applies the pragmas in sqliteTuning. Worth it for long sessions
	// with many writes; it trades some durability for throughput.
	Tuning      bool
	BusyTimeout time.Duration
}

type pragma struct {
	name  string
	value string
}

var sqliteTuning = []pragma{
	{"synchronous", "NORMAL"},
	{"wal_autocheckpoint", "1000"},
	{"temp_store", "MEMORY"},
	{"mmap_size", "268435456"},
}

// tuneSQLite applies the configured pragmas and returns what SQLite reports
// for each. A failing pragma is logged and skipped.
func tuneSQLite(ctx context.Context, db *sql.DB, opts SQLiteOptions) map[string]string {
	var pragmas []pragma
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, pragma{"busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds())})
	}
	if opts.Tuning {
		pragmas = append(pragmas, sqliteTuning...)
	}

	applied := make(map[string]string, len(pragmas))
	for _, p := range pragmas {
		value, err := setPragma(ctx, db, p)
		if err != nil {
			slog.Warn("sink: sqlite pragma failed", "pragma", p.name, "value", p.value, "err", err)
			continue
		}
		applied[p.name] = value
	}
	if len(applied) > 0 {
		slog.Info("sink: sqlite tuned", "pragmas", applied)
	}
	return applied
}

// setPragma sets p and reads the effective value back. Some pragmas echo the
// new value, others return no row.
func setPragma(ctx context.Context, db *sql.DB, p pragma) (string, error) {
	stmt := fmt.Sprintf("PRAGMA %s=%s;", p.name, p.value)
	var value any
	err := db.QueryRowContext(ctx, stmt).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s;", p.name)).Scan(&value); err != nil {
		return "", err
	}
	return fmt.Sprint(value), nil
}
