// Package order implements the order participant: the resource it reserves
// is the order's own existence.
//
// Try inserts the order as PENDING, Confirm makes it CONFIRMED and Cancel
// makes it CANCELLED. Rows are keyed by xid; the order number is unique so
// that a client retrying with the same number cannot create a second order.
package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"tccorder/internal/db"
	"tccorder/internal/log"
	"tccorder/tcc"
)

type Status string

const (
	Pending   Status = "PENDING"
	Confirmed Status = "CONFIRMED"
	Cancelled Status = "CANCELLED"
)

type Order struct {
	XID       string    `json:"xid"`
	OrderNo   string    `json:"orderNo"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Count     int64     `json:"count"`
	Amount    int64     `json:"amount"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Detail is the Try payload of the order participant.
type Detail struct {
	OrderNo   string `json:"orderNo"`
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Count     int64  `json:"count"`
	Amount    int64  `json:"amount"`
}

// Request returns the Try request creating the order described by d.
func (d Detail) Request() (tcc.TryRequest, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return tcc.TryRequest{}, err
	}
	return tcc.TryRequest{ResourceKey: d.OrderNo, Quantity: 1, Payload: payload}, nil
}

var ErrNotFound = errors.New("order: not found")

const schema = `CREATE TABLE IF NOT EXISTS orders (
	xid		VARCHAR(64) NOT NULL PRIMARY KEY,
	order_no	VARCHAR(128) UNIQUE,	-- NULL for cancel markers
	user_id		TEXT NOT NULL,
	product_id	TEXT NOT NULL,
	quantity	BIGINT NOT NULL,
	amount		BIGINT NOT NULL,
	status		VARCHAR(16) NOT NULL,
	created_at	TIMESTAMP NOT NULL,
	updated_at	TIMESTAMP NOT NULL
)`

const columns = "xid, order_no, user_id, product_id, quantity, amount, status, created_at, updated_at"

// Participant is the order tcc.Participant.
type Participant struct {
	db *db.DB
}

var _ tcc.Participant = (*Participant)(nil)

func New(d *db.DB) *Participant {
	return &Participant{db: d}
}

func (p *Participant) ID() string { return "order" }

func (p *Participant) Migrate(ctx context.Context) error {
	return p.db.Migrate(ctx, schema)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (*Order, error) {
	o := &Order{}
	var orderNo sql.NullString
	var status string
	err := s.Scan(&o.XID, &orderNo, &o.UserID, &o.ProductID, &o.Count, &o.Amount, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "order: scan")
	}
	o.OrderNo = orderNo.String
	o.Status = Status(status)
	return o, nil
}

func byXID(ctx context.Context, q db.Querier, xid string) (*Order, error) {
	return scan(q.QueryRowContext(ctx, "SELECT "+columns+" FROM orders WHERE xid = ?", xid))
}

// ByXID returns the order created by transaction xid.
func (p *Participant) ByXID(ctx context.Context, xid string) (*Order, error) {
	return byXID(ctx, p.db, xid)
}

// ByOrderNo returns the order numbered orderNo.
func (p *Participant) ByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	return scan(p.db.QueryRowContext(ctx, "SELECT "+columns+" FROM orders WHERE order_no = ?", orderNo))
}

func insert(ctx context.Context, q db.Querier, o *Order) error {
	var orderNo interface{}
	if o.OrderNo != "" {
		orderNo = o.OrderNo
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO orders ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		o.XID, orderNo, o.UserID, o.ProductID, o.Count, o.Amount, string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

// transition moves the order of xid from status from to status to.
func transition(ctx context.Context, q db.Querier, xid string, from, to Status) (bool, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE orders SET status = ?, updated_at = ? WHERE xid = ? AND status = ?",
		string(to), time.Now().UTC(), xid, string(from))
	if err != nil {
		return false, errors.Wrapf(err, "order: %s -> %s", from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "order: %s -> %s", from, to)
	}
	return n == 1, nil
}

func (p *Participant) Try(ctx context.Context, req *tcc.TryRequest) (*tcc.Response, error) {
	xid := req.XID
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.ID())
	fail := func(kind tcc.Kind, err error) (*tcc.Response, error) {
		return nil, tcc.E("try", p.ID(), xid, kind, err)
	}

	var d Detail
	if err := json.Unmarshal(req.Payload, &d); err != nil {
		return fail(tcc.KindValidation, errors.Wrap(err, "payload"))
	}
	if d.OrderNo == "" {
		d.OrderNo = req.ResourceKey
	}
	switch {
	case xid == "":
		return fail(tcc.KindValidation, errors.New("empty xid"))
	case d.OrderNo == "" || d.OrderNo != req.ResourceKey && req.ResourceKey != "":
		return fail(tcc.KindValidation, errors.Errorf("order number %q / %q", d.OrderNo, req.ResourceKey))
	case d.UserID == "" || d.ProductID == "":
		return fail(tcc.KindValidation, errors.New("user and product required"))
	case d.Count <= 0 || d.Amount <= 0:
		return fail(tcc.KindValidation, errors.Errorf("count %d, amount %d", d.Count, d.Amount))
	}

	var existing *Order
	err := p.db.InTx(ctx, func(q db.Querier) error {
		o, err := byXID(ctx, q, xid)
		if err == nil {
			existing = o
			return nil
		}
		if err != ErrNotFound {
			return err
		}

		now := time.Now().UTC()
		return insert(ctx, q, &Order{
			XID:       xid,
			OrderNo:   d.OrderNo,
			UserID:    d.UserID,
			ProductID: d.ProductID,
			Count:     d.Count,
			Amount:    d.Amount,
			Status:    Pending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})

	if err != nil && db.IsUniqueViolation(err) {
		// either xid got a cancel marker or the order number is taken
		existing, err = byXID(ctx, p.db, xid)
		if err == ErrNotFound {
			var other *Order
			other, err = p.ByOrderNo(ctx, d.OrderNo)
			if err == nil {
				return fail(tcc.KindConflict, errors.Errorf("order %s belongs to transaction %s", d.OrderNo, other.XID))
			}
		}
	}
	if err != nil {
		return fail(tcc.KindTransientUnavailable, err)
	}

	if existing != nil {
		if existing.Status == Cancelled {
			log.Warningf(ctx, "try after cancel rejected")
			return fail(tcc.KindSuspendedTry, errors.New("canceled before try"))
		}
		if existing.OrderNo != d.OrderNo {
			return fail(tcc.KindConflict, errors.Errorf("transaction already created order %s", existing.OrderNo))
		}
		return tcc.Ack(p, xid), nil
	}

	log.Infof(ctx, "order %s pending", d.OrderNo)
	return tcc.Ack(p, xid), nil
}

func (p *Participant) Confirm(ctx context.Context, xid string) (*tcc.Response, error) {
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.ID())

	ok, err := transition(ctx, p.db, xid, Pending, Confirmed)
	if err == nil && !ok {
		var o *Order
		o, err = byXID(ctx, p.db, xid)
		switch {
		case err == ErrNotFound:
			log.Warningf(ctx, "confirm without try")
			err = nil
		case err != nil:
		case o.Status == Cancelled:
			log.Warningf(ctx, "%s: confirm after cancel ignored", tcc.KindProtocolViolation)
		}
	}
	if err != nil {
		return nil, tcc.E("confirm", p.ID(), xid, tcc.KindTransientUnavailable, err)
	}
	return tcc.Ack(p, xid), nil
}

func (p *Participant) Cancel(ctx context.Context, xid string) (*tcc.Response, error) {
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.ID())

	var err error
	for i := 0; i < 2; i++ {
		if err = p.cancel(ctx, xid); err == nil || !db.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, tcc.E("cancel", p.ID(), xid, tcc.KindTransientUnavailable, err)
	}
	return tcc.Ack(p, xid), nil
}

func (p *Participant) cancel(ctx context.Context, xid string) error {
	return p.db.InTx(ctx, func(q db.Querier) error {
		ok, err := transition(ctx, q, xid, Pending, Cancelled)
		if err != nil || ok {
			return err
		}

		o, err := byXID(ctx, q, xid)
		switch {
		case err == ErrNotFound:
			log.Infof(ctx, "empty rollback")
			now := time.Now().UTC()
			return insert(ctx, q, &Order{XID: xid, Status: Cancelled, CreatedAt: now, UpdatedAt: now})
		case err != nil:
			return err
		case o.Status == Confirmed:
			log.Warningf(ctx, "%s: cancel after confirm ignored", tcc.KindProtocolViolation)
		}
		return nil
	})
}
