// Package db opens the SQL databases backing participants and the
// coordinator log and hides the few differences between supported drivers.
//
// Queries are written with '?' placeholders; they are rebound to '$n' when
// the database is PostgreSQL. Key columns are VARCHAR so that the same DDL
// runs on all three drivers.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql" // dsn must carry parseTime=true
)

// Querier is satisfied by both *DB and the transaction handle passed to InTx.
type Querier interface {
	ExecContext(ctx context.Context, query string, argv ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, argv ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, argv ...interface{}) *sql.Row
	Driver() string
}

// DB is a *sql.DB bound to a driver.
type DB struct {
	*sql.DB
	driver string
}

var _ Querier = (*DB)(nil)

// Open opens the database identified by driver and dsn.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return nil, errors.Errorf("db: unsupported driver %q", driver)
	}

	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "db: open %s", driver)
	}

	// sqlite has a single writer; funnel everything through one connection
	// so that transactions queue instead of failing with SQLITE_BUSY.
	if driver == DriverSQLite {
		sqldb.SetMaxOpenConns(1)
	}

	return &DB{DB: sqldb, driver: driver}, nil
}

// Driver returns the name of the driver the database was opened with.
func (d *DB) Driver() string { return d.driver }

func (d *DB) ExecContext(ctx context.Context, query string, argv ...interface{}) (sql.Result, error) {
	return d.DB.ExecContext(ctx, rebind(d.driver, query), argv...)
}

func (d *DB) QueryContext(ctx context.Context, query string, argv ...interface{}) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, rebind(d.driver, query), argv...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, argv ...interface{}) *sql.Row {
	return d.DB.QueryRowContext(ctx, rebind(d.driver, query), argv...)
}

type tx struct {
	*sql.Tx
	driver string
}

func (t *tx) Driver() string { return t.driver }

func (t *tx) ExecContext(ctx context.Context, query string, argv ...interface{}) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, rebind(t.driver, query), argv...)
}

func (t *tx) QueryContext(ctx context.Context, query string, argv ...interface{}) (*sql.Rows, error) {
	return t.Tx.QueryContext(ctx, rebind(t.driver, query), argv...)
}

func (t *tx) QueryRowContext(ctx context.Context, query string, argv ...interface{}) *sql.Row {
	return t.Tx.QueryRowContext(ctx, rebind(t.driver, query), argv...)
}

// InTx runs fn inside a database transaction.
//
// The transaction is committed if fn returns nil and rolled back otherwise.
// fn must use only the Querier it is given.
func (d *DB) InTx(ctx context.Context, fn func(q Querier) error) (err error) {
	sqltx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db: begin")
	}
	defer func() {
		if err != nil {
			_ = sqltx.Rollback()
		}
	}()

	if err = fn(&tx{Tx: sqltx, driver: d.driver}); err != nil {
		return err
	}
	if err = sqltx.Commit(); err != nil {
		return errors.Wrap(err, "db: commit")
	}
	return nil
}

// Migrate executes schema statements in order.
func (d *DB) Migrate(ctx context.Context, stmtv ...string) error {
	for _, stmt := range stmtv {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "db: migrate %q", firstLine(stmt))
		}
	}
	return nil
}

// rebind converts '?' placeholders into the form expected by driver.
func rebind(driver, query string) string {
	if driver != DriverPostgres || strings.IndexByte(query, '?') < 0 {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '?' {
			b.WriteByte(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
