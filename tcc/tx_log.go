package tcc

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tccorder/internal/db"
)

type TxRecord struct {
	XID            string
	ParticipantIDs []string // try order
	State          TxState
	CreatedAt      time.Time
	UpdatedAt      time.Time // last state change
}

// ErrTxNotFound is returned by TxLog.GetTxLog for an unknown xid.
var ErrTxNotFound = errors.New("tcc: transaction not found")

// TxLog is the orchestrator's record of every business operation it drives.
type TxLog interface {
	// CreateTxLog records xid in state STARTED.
	CreateTxLog(ctx context.Context, xid string, participantIDs []string) error
	// UpdateTxState moves xid from state from to state to. It reports false
	// if the transaction was not in state from.
	UpdateTxState(ctx context.Context, xid string, from, to TxState) (bool, error)
	// GetTxLog returns ErrTxNotFound for an unknown xid.
	GetTxLog(ctx context.Context, xid string) (TxRecord, error)
	// GetUnfinishedTx returns every transaction not yet DONE or ABORTED.
	GetUnfinishedTx(ctx context.Context) ([]TxRecord, error)
}

// table "tx_log" stores one row per global transaction.
const txLogSchema = `CREATE TABLE IF NOT EXISTS tx_log (
	xid		VARCHAR(64) NOT NULL PRIMARY KEY,
	participants	TEXT NOT NULL,		-- comma separated, try order
	state		INTEGER NOT NULL,
	created_at	TIMESTAMP NOT NULL,
	updated_at	TIMESTAMP NOT NULL
)`

type txLog struct {
	db *db.DB
}

var _ TxLog = (*txLog)(nil)

// NewTxLog returns a TxLog kept in the tx_log table of d.
func NewTxLog(d *db.DB) TxLog {
	return &txLog{db: d}
}

// MigrateTxLog creates the tx_log table in d if it does not exist.
func MigrateTxLog(ctx context.Context, d *db.DB) error {
	return d.Migrate(ctx, txLogSchema)
}

func (t *txLog) CreateTxLog(ctx context.Context, xid string, participantIDs []string) error {
	now := time.Now().UTC()
	_, err := t.db.ExecContext(ctx,
		"INSERT INTO tx_log (xid, participants, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		xid, strings.Join(participantIDs, ","), int(Started), now, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Errorf("tcc: transaction %s already exists", xid)
		}
		return errors.Wrap(err, "tcc: create tx log")
	}
	return nil
}

func (t *txLog) UpdateTxState(ctx context.Context, xid string, from, to TxState) (bool, error) {
	res, err := t.db.ExecContext(ctx,
		"UPDATE tx_log SET state = ?, updated_at = ? WHERE xid = ? AND state = ?",
		int(to), time.Now().UTC(), xid, int(from))
	if err != nil {
		return false, errors.Wrap(err, "tcc: update tx state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "tcc: update tx state")
	}
	return n == 1, nil
}

func (t *txLog) GetTxLog(ctx context.Context, xid string) (TxRecord, error) {
	rec := TxRecord{XID: xid}
	var participants string
	var state int
	err := t.db.QueryRowContext(ctx,
		"SELECT participants, state, created_at, updated_at FROM tx_log WHERE xid = ?", xid).
		Scan(&participants, &state, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return TxRecord{}, ErrTxNotFound
		}
		return TxRecord{}, errors.Wrap(err, "tcc: get tx log")
	}
	rec.ParticipantIDs = splitIDs(participants)
	rec.State = TxState(state)
	return rec, nil
}

func (t *txLog) GetUnfinishedTx(ctx context.Context) ([]TxRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		"SELECT xid, participants, state, created_at, updated_at FROM tx_log WHERE state <> ? AND state <> ? ORDER BY created_at",
		int(Done), int(Aborted))
	if err != nil {
		return nil, errors.Wrap(err, "tcc: get unfinished tx")
	}
	defer rows.Close()

	var records []TxRecord
	for rows.Next() {
		var rec TxRecord
		var participants string
		var state int
		if err := rows.Scan(&rec.XID, &participants, &state, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "tcc: scan unfinished tx")
		}
		rec.ParticipantIDs = splitIDs(participants)
		rec.State = TxState(state)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
