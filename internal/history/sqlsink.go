package history

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects the SQL flavor of a SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to the app_history table. The schema is created if
// missing. It is independent from the descriptor store.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink takes ownership of db.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS app_history(
			id %s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			app TEXT NOT NULL,
			instance TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT NULL
		);`, id, ts),
		`CREATE INDEX IF NOT EXISTS idx_app_history_app ON app_history(app);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO app_history(occurred_at, event, app, instance, pid, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO app_history(occurred_at, event, app, instance, pid, exit_code, error)
		VALUES($1, $2, $3, $4, $5, $6, $7);`
	}
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := s.db.ExecContext(ctx, q, e.OccurredAt.UTC(), string(e.Type), e.App, e.Instance, e.PID, e.ExitCode, errText)
	return err
}

// Query returns the most recent events of app, newest first. An empty app
// matches every app.
func (s *SQLSink) Query(ctx context.Context, app string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, event, app, instance, pid, exit_code, COALESCE(error, '')
		FROM app_history WHERE (? = '' OR app = ?) ORDER BY id DESC LIMIT ?;`
	args := []any{app, app, limit}
	if s.dialect == DialectPostgres {
		q = `SELECT occurred_at, event, app, instance, pid, exit_code, COALESCE(error, '')
		FROM app_history WHERE ($1 = '' OR app = $1) ORDER BY id DESC LIMIT $2;`
		args = []any{app, limit}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.OccurredAt, &typ, &e.App, &e.Instance, &e.PID, &e.ExitCode, &e.Error); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
