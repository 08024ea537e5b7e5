// Package freeze keeps per-transaction freeze records of a resource
// participant.
//
// A freeze record remembers what Try reserved for a global transaction and
// where that reservation is in its life:
//
//	TRY ──confirm──> COMMITTED
//	 └───cancel────> CANCELED
//
// A CANCELED record without a prior TRY is an empty-rollback marker: it is
// left by a Cancel that arrived before its Try and makes that Try fail.
package freeze

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"tccorder/internal/db"
)

type Status int

const (
	StatusTry       Status = 0
	StatusCommitted Status = 1
	StatusCanceled  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusTry:
		return "TRY"
	case StatusCommitted:
		return "COMMITTED"
	case StatusCanceled:
		return "CANCELED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusCanceled
}

type Record struct {
	XID         string
	ResourceKey string // empty for an empty-rollback marker
	Amount      int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var (
	ErrNotFound  = errors.New("freeze: record not found")
	ErrDuplicate = errors.New("freeze: record already exists")
)

// Table is a freeze table named name. Its methods run on whatever Querier
// they are given so they can take part in the caller's SQL transaction.
type Table struct {
	name string
}

func NewTable(name string) Table {
	return Table{name: name}
}

func (t Table) Name() string { return t.name }

// Schema returns the DDL creating the table.
func (t Table) Schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	xid		VARCHAR(64) NOT NULL PRIMARY KEY,
	resource_key	VARCHAR(128) NOT NULL,
	amount		BIGINT NOT NULL,
	status		INTEGER NOT NULL,
	created_at	TIMESTAMP NOT NULL,
	updated_at	TIMESTAMP NOT NULL
)`, t.name)
}

const columns = "xid, resource_key, amount, status, created_at, updated_at"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (*Record, error) {
	rec := &Record{}
	var status int
	err := s.Scan(&rec.XID, &rec.ResourceKey, &rec.Amount, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}

func (t Table) Get(ctx context.Context, q db.Querier, xid string) (*Record, error) {
	row := q.QueryRowContext(ctx, "SELECT "+columns+" FROM "+t.name+" WHERE xid = ?", xid)
	rec, err := scan(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "%s: get %s", t.name, xid)
	}
	return rec, nil
}

// Insert adds rec. Zero timestamps are set to now.
func (t Table) Insert(ctx context.Context, q db.Querier, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO "+t.name+" ("+columns+") VALUES (?, ?, ?, ?, ?, ?)",
		rec.XID, rec.ResourceKey, rec.Amount, int(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrapf(err, "%s: insert %s", t.name, rec.XID)
	}
	return nil
}

// Transition moves the record of xid from status from to status to in one
// conditional update. It reports false if the record was not in status from.
func (t Table) Transition(ctx context.Context, q db.Querier, xid string, from, to Status) (bool, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE "+t.name+" SET status = ?, updated_at = ? WHERE xid = ? AND status = ?",
		int(to), time.Now().UTC(), xid, int(from))
	if err != nil {
		return false, errors.Wrapf(err, "%s: %s -> %s %s", t.name, from, to, xid)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "%s: %s -> %s %s", t.name, from, to, xid)
	}
	return n == 1, nil
}

// List returns up to limit records in status, oldest first. limit <= 0
// means no limit.
func (t Table) List(ctx context.Context, q db.Querier, status Status, limit int) ([]*Record, error) {
	query := "SELECT " + columns + " FROM " + t.name + " WHERE status = ? ORDER BY created_at, xid"
	argv := []interface{}{int(status)}
	if limit > 0 {
		query += " LIMIT ?"
		argv = append(argv, limit)
	}

	rows, err := q.QueryContext(ctx, query, argv...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: list %s", t.name, status)
	}
	defer rows.Close()

	var recv []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: list %s", t.name, status)
		}
		recv = append(recv, rec)
	}
	return recv, rows.Err()
}
