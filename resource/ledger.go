package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"tccorder/internal/db"
)

// Ledger is the business-visible state of one resource row: a user's
// balance or a product's stock.
//
// Try moves the reserved quantity from Residue to Frozen, Confirm moves it
// from Frozen to Used and Cancel moves it back to Residue, so that
//
//	Total == Used + Residue + Frozen
//
// holds after every committed SQL transaction.
type Ledger struct {
	Key     string
	Total   int64
	Used    int64
	Residue int64
	Frozen  int64
}

// Check verifies the ledger identity.
func (l Ledger) Check() error {
	if l.Used < 0 || l.Residue < 0 || l.Frozen < 0 {
		return errors.Errorf("ledger %s: negative amount %+v", l.Key, l)
	}
	if l.Total != l.Used+l.Residue+l.Frozen {
		return errors.Errorf("ledger %s: total %d != used %d + residue %d + frozen %d",
			l.Key, l.Total, l.Used, l.Residue, l.Frozen)
	}
	return nil
}

var errLedgerNotFound = errors.New("ledger row not found")

// LedgerTable is a ledger table named name.
type LedgerTable struct {
	name string
}

func NewLedgerTable(name string) LedgerTable {
	return LedgerTable{name: name}
}

func (t LedgerTable) Schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	resource_key	VARCHAR(128) NOT NULL PRIMARY KEY,
	total		BIGINT NOT NULL,
	used		BIGINT NOT NULL,
	residue		BIGINT NOT NULL,
	frozen		BIGINT NOT NULL,
	updated_at	TIMESTAMP NOT NULL,
	CHECK (residue >= 0 AND frozen >= 0 AND used >= 0)
)`, t.name)
}

func (t LedgerTable) Get(ctx context.Context, q db.Querier, key string) (Ledger, error) {
	l := Ledger{Key: key}
	err := q.QueryRowContext(ctx,
		"SELECT total, used, residue, frozen FROM "+t.name+" WHERE resource_key = ?", key).
		Scan(&l.Total, &l.Used, &l.Residue, &l.Frozen)
	if err != nil {
		if db.IsNoRows(err) {
			return Ledger{}, errLedgerNotFound
		}
		return Ledger{}, errors.Wrapf(err, "%s: get %s", t.name, key)
	}
	return l, nil
}

// Create inserts l unless a row for l.Key already exists. It reports
// whether the row was inserted. An existing row is left untouched: its
// frozen amount backs reservations of transactions still in flight.
func (t LedgerTable) Create(ctx context.Context, q db.Querier, l Ledger) (bool, error) {
	if err := l.Check(); err != nil {
		return false, err
	}
	query := "INSERT INTO " + t.name + " (resource_key, total, used, residue, frozen, updated_at) VALUES (?, ?, ?, ?, ?, ?)"
	if q.Driver() == db.DriverMySQL {
		query = "INSERT IGNORE" + query[len("INSERT"):]
	} else {
		query += " ON CONFLICT (resource_key) DO NOTHING"
	}
	res, err := q.ExecContext(ctx, query, l.Key, l.Total, l.Used, l.Residue, l.Frozen, time.Now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "%s: create %s", t.name, l.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "%s: create %s", t.name, l.Key)
	}
	return n == 1, nil
}

// Reserve moves n from residue to frozen if at least n is available.
// The availability check and the update are one statement, so two
// concurrent reservations can never both pass against the same residue.
func (t LedgerTable) Reserve(ctx context.Context, q db.Querier, key string, n int64) (bool, error) {
	return t.move(ctx, q, "reserve",
		"UPDATE "+t.name+" SET residue = residue - ?, frozen = frozen + ?, updated_at = ?"+
			" WHERE resource_key = ? AND residue >= ?", key, n)
}

// Settle moves n from frozen to used.
func (t LedgerTable) Settle(ctx context.Context, q db.Querier, key string, n int64) (bool, error) {
	return t.move(ctx, q, "settle",
		"UPDATE "+t.name+" SET frozen = frozen - ?, used = used + ?, updated_at = ?"+
			" WHERE resource_key = ? AND frozen >= ?", key, n)
}

// Release moves n from frozen back to residue.
func (t LedgerTable) Release(ctx context.Context, q db.Querier, key string, n int64) (bool, error) {
	return t.move(ctx, q, "release",
		"UPDATE "+t.name+" SET frozen = frozen - ?, residue = residue + ?, updated_at = ?"+
			" WHERE resource_key = ? AND frozen >= ?", key, n)
}

func (t LedgerTable) move(ctx context.Context, q db.Querier, op, query, key string, n int64) (bool, error) {
	res, err := q.ExecContext(ctx, query, n, n, time.Now().UTC(), key, n)
	if err != nil {
		return false, errors.Wrapf(err, "%s: %s %s", t.name, op, key)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "%s: %s %s", t.name, op, key)
	}
	return rows == 1, nil
}
