package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/httpapi"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultListLimit = 100

// Store persists sessions and events in SQLite or Postgres. Both share the
// same schema and statements; Postgres statements are rebound to $n
// placeholders.
type Store struct {
	db     *sql.DB
	driver string
}

func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return OpenSQLiteWith(ctx, path, SQLiteOptions{})
}

func OpenSQLiteWith(ctx context.Context, path string, opts SQLiteOptions) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	tuneSQLite(ctx, db, opts)
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, driver: DriverSQLite}, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := migratePostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, driver: DriverPostgres}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) Driver() string { return s.driver }

func (s *Store) String() string {
	return fmt.Sprintf("Store{%s %p}", s.driver, s.db)
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) CreateSession(ctx context.Context, ref core.StreamerRef, id core.SessionID, startedAt time.Time, meta core.StreamMetadata) error {
	metaJSON, err := json.Marshal(meta.Extra)
	if err != nil || meta.Extra == nil {
		metaJSON = []byte("{}")
	}
	q := s.rebind(`INSERT INTO sessions (id, platform, streamer_id, title, started_at, status, metadata)
VALUES (?, ?, ?, ?, ?, 'active', ?)
ON CONFLICT (id) DO NOTHING;`)
	_, err = s.db.ExecContext(ctx, q, string(id), string(ref.Platform), ref.StreamerID, meta.Title, toMillis(startedAt), string(metaJSON))
	return errors.Wrap(err, "insert session")
}

func (s *Store) CloseSession(ctx context.Context, id core.SessionID, endedAt time.Time, status string) error {
	if status == "" {
		status = "stopped"
	}
	q := s.rebind(`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?;`)
	_, err := s.db.ExecContext(ctx, q, toMillis(endedAt), status, string(id))
	return errors.Wrap(err, "close session")
}

func (s *Store) UpdateCounters(ctx context.Context, id core.SessionID, c core.Counters) error {
	q := s.rebind(`UPDATE sessions SET total_messages = ?, total_gifts = ?, peak_viewers = ? WHERE id = ?;`)
	_, err := s.db.ExecContext(ctx, q, c.Messages, c.Gifts, c.PeakViewers, string(id))
	return errors.Wrap(err, "update counters")
}

func (s *Store) PersistEvent(ctx context.Context, ev core.Event) error {
	return s.persist(ctx, s.db, ev)
}

// PersistEvents writes a batch inside one transaction.
func (s *Store) PersistEvents(ctx context.Context, evs []core.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	for _, ev := range evs {
		if err := s.persist(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) persist(ctx context.Context, ex execer, ev core.Event) error {
	row := rowFor(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	q := s.rebind(`INSERT INTO events (session_id, event_id, kind, user_id, username, content, occurred_at, flagged, severity, category, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING;`)
	_, err = ex.ExecContext(ctx, q, string(ev.Session()), ev.ID(), string(ev.Kind()), row.userID, row.username, row.content,
		toMillis(ev.Time()), row.flagged, row.severity, row.category, string(payload))
	return errors.Wrap(err, "insert event")
}

type eventRow struct {
	userID, username, content string
	flagged, severity         int
	category                  string
}

func rowFor(ev core.Event) eventRow {
	switch e := ev.(type) {
	case *core.ChatEvent:
		r := eventRow{userID: e.UserID, username: e.Username, content: e.Text}
		if c := e.Classification; c != nil {
			if c.Flagged {
				r.flagged = 1
			}
			r.severity = c.Severity
			r.category = c.Category
		}
		return r
	case *core.GiftEvent:
		return eventRow{userID: e.UserID, username: e.Username, content: fmt.Sprintf("%s x%d", e.GiftName, e.Count)}
	case *core.ViewerCountEvent:
		return eventRow{content: strconv.FormatInt(e.Count, 10)}
	case *core.NoticeEvent:
		content := e.Text
		if content == "" {
			content = e.SystemText
		}
		return eventRow{userID: e.UserID, username: e.Username, content: content}
	}
	return eventRow{}
}

const sessionColumns = `id, platform, streamer_id, title, started_at, ended_at, status, total_messages, total_gifts, peak_viewers, metadata`

func (s *Store) GetSession(ctx context.Context, id core.SessionID) (core.SessionRecord, error) {
	q := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?;`)
	rec, err := scanSession(s.db.QueryRowContext(ctx, q, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.SessionRecord{}, errors.Wrapf(core.ErrNotFound, "session %s", id)
	}
	return rec, errors.Wrap(err, "get session")
}

// ListSessions returns the most recently started sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]core.SessionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT ?;`)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []core.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sessions")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (core.SessionRecord, error) {
	var (
		rec       core.SessionRecord
		id        string
		platform  string
		startedAt int64
		endedAt   sql.NullInt64
		meta      string
	)
	if err := sc.Scan(&id, &platform, &rec.StreamerID, &rec.Title, &startedAt, &endedAt, &rec.Status,
		&rec.Counters.Messages, &rec.Counters.Gifts, &rec.Counters.PeakViewers, &meta); err != nil {
		return core.SessionRecord{}, err
	}
	rec.ID = core.SessionID(id)
	rec.Platform = core.Platform(platform)
	rec.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		rec.EndedAt = &t
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
	}
	return rec, nil
}

func (s *Store) CountEvents(ctx context.Context, session core.SessionID, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(session, filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *Store) ListEvents(ctx context.Context, session core.SessionID, filters httpapi.Filters) ([]core.StoredEvent, error) {
	query, args := buildEventQuery(session, filters, false)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.StoredEvent
	for rows.Next() {
		var (
			ev       core.StoredEvent
			session  string
			kind     string
			occurred int64
			flagged  int
			payload  string
		)
		if err := rows.Scan(&ev.Seq, &session, &ev.EventID, &kind, &ev.UserID, &ev.Username, &ev.Content,
			&occurred, &flagged, &ev.Severity, &ev.Category, &payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.SessionID = core.SessionID(session)
		ev.Kind = core.Kind(kind)
		ev.OccurredAt = fromMillis(occurred)
		ev.Flagged = flagged != 0
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func buildEventQuery(session core.SessionID, filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT id, session_id, event_id, kind, user_id, username, content, occurred_at, flagged, severity, category, payload FROM events")
	}

	conditions := []string{"session_id = ?"}
	args := []any{string(session)}

	if len(filters.Kinds) > 0 {
		placeholders := make([]string, 0, len(filters.Kinds))
		for _, k := range filters.Kinds {
			placeholders = append(placeholders, "?")
			args = append(args, string(k))
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE ?")
			args = append(args, "%"+u+"%")
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.FlaggedOnly {
		conditions = append(conditions, "flagged = 1")
	}

	if filters.Since != nil {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, toMillis(*filters.Since))
	}

	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY occurred_at ")
		builder.WriteString(order)
		builder.WriteString(", id ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
