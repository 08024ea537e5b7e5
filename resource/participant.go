// Package resource implements the Account and Storage participants.
//
// Both keep a ledger table of quantities (balance, stock) and a freeze table
// recording what every global transaction reserved. Each Try, Confirm and
// Cancel is a single SQL transaction over the two tables.
package resource

import (
	"context"

	"github.com/pkg/errors"

	"tccorder/freeze"
	"tccorder/internal/db"
	"tccorder/internal/log"
	"tccorder/tcc"
)

// database is the part of *db.DB a participant works with.
type database interface {
	db.Querier
	InTx(ctx context.Context, fn func(q db.Querier) error) error
	Migrate(ctx context.Context, stmtv ...string) error
}

// Participant is a tcc.Participant reserving quantities of one resource type.
type Participant struct {
	id     string
	unit   string // what Quantity counts, for messages
	db     database
	ledger LedgerTable
	freeze freeze.Table
}

var _ tcc.Participant = (*Participant)(nil)

// New returns participant id keeping its ledger in table ledgerName and
// freeze records in ledgerName+"_freeze" of d.
func New(id, unit string, d *db.DB, ledgerName string) *Participant {
	return &Participant{
		id:     id,
		unit:   unit,
		db:     d,
		ledger: NewLedgerTable(ledgerName),
		freeze: freeze.NewTable(ledgerName + "_freeze"),
	}
}

// NewAccount returns the participant reserving user balance.
// Ledger keys are user ids.
func NewAccount(d *db.DB) *Participant {
	return New("account", "balance", d, "account")
}

// NewStorage returns the participant reserving product stock.
// Ledger keys are product ids.
func NewStorage(d *db.DB) *Participant {
	return New("storage", "stock", d, "storage")
}

func (p *Participant) ID() string { return p.id }

// Migrate creates the participant's tables.
func (p *Participant) Migrate(ctx context.Context) error {
	return p.db.Migrate(ctx, p.ledger.Schema(), p.freeze.Schema())
}

// Seed creates the ledger row l if there is none for l.Key yet. Seeding an
// existing row is a no-op, so restarting with the same seed keeps balances
// and reservations as they are.
func (p *Participant) Seed(ctx context.Context, l Ledger) error {
	created, err := p.ledger.Create(ctx, p.db, l)
	if err != nil {
		return err
	}
	if !created {
		log.Infof(ctx, "%s %s %q exists, seed ignored", p.id, p.unit, l.Key)
	}
	return nil
}

// Ledger returns the ledger row for key.
func (p *Participant) Ledger(ctx context.Context, key string) (Ledger, error) {
	l, err := p.ledger.Get(ctx, p.db, key)
	if err == errLedgerNotFound {
		return Ledger{}, tcc.E("ledger", p.id, "", tcc.KindNotFound, errors.Errorf("%s %q", p.unit, key))
	}
	return l, err
}

// Freeze returns the freeze record of xid.
func (p *Participant) Freeze(ctx context.Context, xid string) (*freeze.Record, error) {
	return p.freeze.Get(ctx, p.db, xid)
}

var (
	errSuspended = errors.New("canceled before try")
	errShort     = errors.New("not enough")
)

func (p *Participant) Try(ctx context.Context, req *tcc.TryRequest) (*tcc.Response, error) {
	xid := req.XID
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.id)

	switch {
	case xid == "":
		return nil, tcc.E("try", p.id, xid, tcc.KindValidation, errors.New("empty xid"))
	case req.ResourceKey == "":
		return nil, tcc.E("try", p.id, xid, tcc.KindValidation, errors.New("empty resource key"))
	case req.Quantity <= 0:
		return nil, tcc.E("try", p.id, xid, tcc.KindValidation, errors.Errorf("quantity %d <= 0", req.Quantity))
	}

	err := p.db.InTx(ctx, func(q db.Querier) error {
		rec, err := p.freeze.Get(ctx, q, xid)
		switch {
		case err == nil:
			if rec.Status == freeze.StatusCanceled {
				return errSuspended
			}
			// repeated delivery
			return nil
		case err != freeze.ErrNotFound:
			return err
		}

		ok, err := p.ledger.Reserve(ctx, q, req.ResourceKey, req.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := p.ledger.Get(ctx, q, req.ResourceKey); err != nil {
				return err
			}
			return errShort
		}

		return p.freeze.Insert(ctx, q, &freeze.Record{
			XID:         xid,
			ResourceKey: req.ResourceKey,
			Amount:      req.Quantity,
			Status:      freeze.StatusTry,
		})
	})

	if err == freeze.ErrDuplicate {
		// a concurrent Try or Cancel for xid committed first
		var rec *freeze.Record
		rec, err = p.freeze.Get(ctx, p.db, xid)
		if err == nil && rec.Status == freeze.StatusCanceled {
			err = errSuspended
		}
	}

	switch err {
	case nil:
		log.Infof(ctx, "try %s %s %d", req.ResourceKey, p.unit, req.Quantity)
		return tcc.Ack(p, xid), nil
	case errSuspended:
		log.Warningf(ctx, "try after cancel rejected")
		return nil, tcc.E("try", p.id, xid, tcc.KindSuspendedTry, err)
	case errShort:
		return nil, tcc.E("try", p.id, xid, tcc.KindInsufficientResource,
			errors.Errorf("%s %q: %s %s for %d", p.id, req.ResourceKey, err, p.unit, req.Quantity))
	case errLedgerNotFound:
		return nil, tcc.E("try", p.id, xid, tcc.KindNotFound, errors.Errorf("%s %q", p.unit, req.ResourceKey))
	}
	return nil, p.storageError("try", xid, err)
}

func (p *Participant) Confirm(ctx context.Context, xid string) (*tcc.Response, error) {
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.id)

	err := p.db.InTx(ctx, func(q db.Querier) error {
		rec, err := p.freeze.Get(ctx, q, xid)
		if err == freeze.ErrNotFound {
			log.Warningf(ctx, "confirm without try")
			return nil
		}
		if err != nil {
			return err
		}

		switch rec.Status {
		case freeze.StatusCommitted:
			return nil
		case freeze.StatusCanceled:
			log.Warningf(ctx, "%s: confirm after cancel ignored", tcc.KindProtocolViolation)
			return nil
		}

		ok, err := p.freeze.Transition(ctx, q, xid, freeze.StatusTry, freeze.StatusCommitted)
		if err != nil || !ok {
			return err
		}
		ok, err = p.ledger.Settle(ctx, q, rec.ResourceKey, rec.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("%s %q: frozen below %d", p.unit, rec.ResourceKey, rec.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, p.storageError("confirm", xid, err)
	}
	return tcc.Ack(p, xid), nil
}

func (p *Participant) Cancel(ctx context.Context, xid string) (*tcc.Response, error) {
	ctx = log.WithParticipant(log.WithXID(ctx, xid), p.id)

	// at most twice: a concurrent Try may win the marker insert
	var err error
	for i := 0; i < 2; i++ {
		err = p.db.InTx(ctx, func(q db.Querier) error {
			return p.cancel(ctx, q, xid)
		})
		if err != freeze.ErrDuplicate {
			break
		}
	}
	if err != nil {
		return nil, p.storageError("cancel", xid, err)
	}
	return tcc.Ack(p, xid), nil
}

func (p *Participant) cancel(ctx context.Context, q db.Querier, xid string) error {
	rec, err := p.freeze.Get(ctx, q, xid)
	if err == freeze.ErrNotFound {
		log.Infof(ctx, "empty rollback")
		return p.freeze.Insert(ctx, q, &freeze.Record{XID: xid, Status: freeze.StatusCanceled})
	}
	if err != nil {
		return err
	}

	switch rec.Status {
	case freeze.StatusCanceled:
		return nil
	case freeze.StatusCommitted:
		log.Warningf(ctx, "%s: cancel after confirm ignored", tcc.KindProtocolViolation)
		return nil
	}

	ok, err := p.freeze.Transition(ctx, q, xid, freeze.StatusTry, freeze.StatusCanceled)
	if err != nil || !ok {
		return err
	}
	ok, err = p.ledger.Release(ctx, q, rec.ResourceKey, rec.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("%s %q: frozen below %d", p.unit, rec.ResourceKey, rec.Amount)
	}
	log.Infof(ctx, "released %s %s %d", rec.ResourceKey, p.unit, rec.Amount)
	return nil
}

// storageError reports a failure of the participant's own database. The
// caller may retry: nothing was committed.
func (p *Participant) storageError(op, xid string, err error) error {
	return tcc.E(op, p.id, xid, tcc.KindTransientUnavailable, err)
}
