package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schemaVersion is stored in PRAGMA user_version once migrateSQLite succeeds.
const schemaVersion = 2

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  streamer_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  status TEXT NOT NULL DEFAULT 'active',
  total_messages INTEGER NOT NULL DEFAULT 0,
  total_gifts INTEGER NOT NULL DEFAULT 0,
  peak_viewers INTEGER NOT NULL DEFAULT 0,
  metadata TEXT NOT NULL DEFAULT '{}'
);`,
	`CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  event_id TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  occurred_at INTEGER NOT NULL,
  flagged INTEGER NOT NULL DEFAULT 0,
  severity INTEGER NOT NULL DEFAULT 0,
  category TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL DEFAULT '{}'
);`,
	`CREATE INDEX IF NOT EXISTS events_session_time ON events(session_id, occurred_at);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  streamer_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  started_at BIGINT NOT NULL,
  ended_at BIGINT,
  status TEXT NOT NULL DEFAULT 'active',
  total_messages BIGINT NOT NULL DEFAULT 0,
  total_gifts BIGINT NOT NULL DEFAULT 0,
  peak_viewers BIGINT NOT NULL DEFAULT 0,
  metadata TEXT NOT NULL DEFAULT '{}'
)`,
	`CREATE TABLE IF NOT EXISTS events (
  id BIGSERIAL PRIMARY KEY,
  session_id TEXT NOT NULL,
  event_id TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  occurred_at BIGINT NOT NULL,
  flagged INTEGER NOT NULL DEFAULT 0,
  severity INTEGER NOT NULL DEFAULT 0,
  category TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL DEFAULT '{}'
)`,
	`ALTER TABLE events ADD COLUMN IF NOT EXISTS payload TEXT NOT NULL DEFAULT '{}'`,
	`CREATE INDEX IF NOT EXISTS events_session_time ON events(session_id, occurred_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_uq_session_event ON events(session_id, event_id) WHERE event_id <> ''`,
}

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite creates the schema and upgrades databases written by older
// versions: version 1 lacked the payload column and the event dedupe index.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	log.Printf("sink: sqlite: path=%s user_version=%d", path, userVersion)

	if userVersion > schemaVersion {
		return fmt.Errorf("sqlite: database schema version %d is newer than supported %d", userVersion, schemaVersion)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}

	columns, err := sqliteTableInfo(ctx, db, "events")
	if err != nil {
		return fmt.Errorf("sqlite: describe events: %w", err)
	}
	if _, ok := columns["payload"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE events ADD COLUMN payload TEXT NOT NULL DEFAULT '{}';`); err != nil {
			return fmt.Errorf("sqlite: ensure payload column: %w", err)
		}
		log.Printf("sink: sqlite: added payload column to events")
	}

	dedupeSQL := `DELETE FROM events
WHERE event_id != ''
  AND id NOT IN (
    SELECT MIN(id)
    FROM events
    WHERE event_id != ''
    GROUP BY session_id, event_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe session/event_id: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("sink: sqlite: removed %d duplicate events", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS events_uq_session_event
        ON events(session_id, event_id) WHERE event_id != '';`); err != nil {
		return fmt.Errorf("sqlite: ensure events_uq_session_event: %w", err)
	}

	if userVersion != schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "events", "events_uq_session_event")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	log.Printf("sink: sqlite: schema_version=%d events_uq_session_event=%v", schemaVersion, hasIndex)
	return nil
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	log.Printf("sink: postgres: schema ready")
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
