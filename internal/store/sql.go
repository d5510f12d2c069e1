package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/appvisor/internal/descriptor"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQL stores each descriptor as a JSON row keyed by name, ordered by position.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS app_descriptors(
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		spec_json TEXT NOT NULL,
		saved_at %s NOT NULL
	);`, ts))
	return err
}

func (s *SQL) Save(ctx context.Context, set descriptor.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	ins := `INSERT INTO app_descriptors(name, position, spec_json, saved_at) VALUES(?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		ins = `INSERT INTO app_descriptors(name, position, spec_json, saved_at) VALUES($1, $2, $3, $4);`
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_descriptors;`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range set.Apps {
		b, err := json.Marshal(set.Apps[i])
		if err != nil {
			return fmt.Errorf("encode %q: %w", set.Apps[i].Name, err)
		}
		if _, err := tx.ExecContext(ctx, ins, set.Apps[i].Name, i, string(b), now); err != nil {
			return fmt.Errorf("save %q: %w", set.Apps[i].Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) Load(ctx context.Context) (descriptor.Set, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec_json FROM app_descriptors ORDER BY position;`)
	if err != nil {
		return descriptor.Set{}, err
	}
	defer func() { _ = rows.Close() }()
	var set descriptor.Set
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return descriptor.Set{}, err
		}
		var d descriptor.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return descriptor.Set{}, fmt.Errorf("decode saved descriptor: %w", err)
		}
		set.Apps = append(set.Apps, d)
	}
	if err := rows.Err(); err != nil {
		return descriptor.Set{}, err
	}
	if len(set.Apps) == 0 {
		return descriptor.Set{}, ErrEmpty
	}
	return set, set.Validate()
}

func (s *SQL) Close() error { return s.db.Close() }
