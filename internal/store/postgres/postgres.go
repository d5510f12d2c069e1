package postgres

import (
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/appvisor/internal/store"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*store.SQL
}

// New opens a PostgreSQL connection pool for dsn.
func New(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres DSN")
	}
	db, err := sql.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	return &DB{SQL: store.NewSQL(db, store.DialectPostgres)}, nil
}
