package tcc

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xerr"

	"tccorder/internal/log"
)

// Branch is one participant's part of a transaction.
type Branch struct {
	Participant string     // registered participant id
	Request     TryRequest // XID is filled in by the manager
}

// Result describes how far a transaction got.
type Result struct {
	XID   string
	State TxState
}

// Observer is notified about participant calls and finished transactions.
type Observer interface {
	ParticipantCall(participant, phase string, err error)
	TransactionFinished(state TxState)
}

type nopObserver struct{}

func (nopObserver) ParticipantCall(string, string, error) {}
func (nopObserver) TransactionFinished(TxState)           {}

// Manager drives participants through Try-Confirm-Cancel.
//
// Transaction runs the protocol synchronously for one business operation. A
// background monitor re-drives operations recorded in the TxLog that did not
// reach a final state, e.g. because a Cancel could not be delivered or the
// process crashed in the middle.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.Mutex
	participants map[string]Participant
	opts         *Options
	txLog        TxLog
	done         chan struct{}
}

func NewManager(txLog TxLog, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:          ctx,
		cancel:       cancel,
		participants: make(map[string]Participant),
		opts:         &Options{},
		txLog:        txLog,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m.opts)
	}
	repair(m.opts)
	go m.run()
	return m
}

// Stop stops the background monitor and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

// NewXID returns a fresh global transaction id.
func NewXID() string {
	return ulid.Make().String()
}

// Register registers a participant to the manager.
func (m *Manager) Register(p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := p.ID()
	if _, isExist := m.participants[id]; isExist {
		return errors.Errorf("tcc: participant %q already registered", id)
	}

	m.participants[id] = p
	return nil
}

// getParticipants get participants by id
func (m *Manager) getParticipants(ids []string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	participants := make([]Participant, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, errors.Errorf("tcc: participant %q repeated", id)
		}
		seen[id] = true
		p, isExist := m.participants[id]
		if !isExist {
			return nil, errors.Errorf("tcc: participant %q not registered", id)
		}
		participants = append(participants, p)
	}

	return participants, nil
}

// Transaction runs one business operation identified by xid over branches.
//
// Try is called on every branch in order, stopping at the first failure.
// If all Tries succeed, Confirm is delivered to every participant and
// retried until it succeeds or the confirm deadline passes; in the latter
// case ErrConfirmPending is returned and the monitor finishes the job.
// If a Try fails, Cancel is delivered to every participant whose Try
// succeeded, and to the failing one too when its outcome is unknown; the
// Try error is returned regardless of how Cancel went.
//
// An empty xid is replaced by NewXID.
func (m *Manager) Transaction(ctx context.Context, xid string, branches ...Branch) (*Result, error) {
	if len(branches) == 0 {
		return nil, errEmptyTransaction
	}
	if xid == "" {
		xid = NewXID()
	}
	ctx = log.WithXID(ctx, xid)

	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		ids = append(ids, b.Participant)
	}
	participants, err := m.getParticipants(ids)
	if err != nil {
		return nil, E("begin", "", xid, KindValidation, err)
	}

	// Log before any try. If the Manager dies after this point the monitor
	// finds the transaction stale on restart and cancels it.
	if err := m.txLog.CreateTxLog(ctx, xid, ids); err != nil {
		return nil, E("begin", "", xid, KindOther, err)
	}
	res := &Result{XID: xid, State: Started}
	m.advance(ctx, res, Trying)

	var tryErr error
	tried := make([]Participant, 0, len(participants))
	for i, p := range participants {
		req := branches[i].Request
		req.XID = xid
		if err := m.try(ctx, p, &req); err != nil {
			tryErr = err
			if KindOf(err).Retryable() {
				// the participant may have applied Try before the
				// response got lost
				tried = append(tried, p)
			}
			break
		}
		tried = append(tried, p)
	}

	// the second phase must run to completion even if the caller goes away
	ctx2 := context.WithoutCancel(ctx)

	if tryErr == nil {
		ok, err := m.txLog.UpdateTxState(ctx, xid, Trying, AllTried)
		switch {
		case err != nil:
			// without a durable commit decision the monitor would
			// cancel this transaction; cancel it ourselves
			log.Errorf(ctx, "record commit decision: %v", err)
			tryErr = E("commit", "", xid, KindTransientUnavailable, err)
		case !ok:
			tryErr = E("commit", "", xid, KindTransientUnavailable,
				errors.New("transaction timed out and is being canceled"))
		default:
			res.State = AllTried
			return res, m.commit(ctx2, res, participants)
		}
		m.cancelAll(ctx2, res, tried)
		return res, tryErr
	}

	m.advance(ctx, res, TryFailed)
	m.cancelAll(ctx2, res, tried)
	return res, tryErr
}

// advance moves res to state next, logging rather than failing if the tx log
// cannot be updated. A final state is reported to the observer only by the
// caller whose update moved the log there.
func (m *Manager) advance(ctx context.Context, res *Result, next TxState) {
	if !res.State.CanTransition(next) {
		log.Errorf(ctx, "invalid transition %s -> %s", res.State, next)
		return
	}
	ok, err := m.txLog.UpdateTxState(ctx, res.XID, res.State, next)
	if err != nil {
		log.Warningf(ctx, "tx log %s -> %s: %v", res.State, next, err)
	} else if !ok {
		log.Warningf(ctx, "tx log %s -> %s: state changed concurrently", res.State, next)
	}
	res.State = next
	if ok && next.Final() {
		m.opts.Observer.TransactionFinished(next)
	}
}

func (m *Manager) try(ctx context.Context, p Participant, req *TryRequest) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	defer func() { m.opts.Observer.ParticipantCall(p.ID(), "try", err) }()

	resp, err := p.Try(ctx, req)
	if err != nil {
		return asError("try", p.ID(), req.XID, err)
	}
	if resp == nil || !resp.ACK {
		return E("try", p.ID(), req.XID, KindOther, errors.New("not acknowledged"))
	}
	return nil
}

// secondPhase calls Confirm or Cancel on p once, bounded by the call timeout.
func (m *Manager) secondPhase(ctx context.Context, phase string, p Participant, xid string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	defer func() { m.opts.Observer.ParticipantCall(p.ID(), phase, err) }()

	var resp *Response
	if phase == "confirm" {
		resp, err = p.Confirm(ctx, xid)
	} else {
		resp, err = p.Cancel(ctx, xid)
	}
	if err != nil {
		return asError(phase, p.ID(), xid, err)
	}
	if resp == nil || !resp.ACK {
		return E(phase, p.ID(), xid, KindOther, errors.New("not acknowledged"))
	}
	return nil
}

// commit delivers Confirm to all participants and waits for every one of
// them. A failing Confirm is retried, never turned into Cancel.
func (m *Manager) commit(ctx context.Context, res *Result, participants []Participant) error {
	m.advance(ctx, res, Confirming)

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConfirmDeadline)
	defer cancel()

	var g errgroup.Group
	for _, p := range participants {
		p := p
		g.Go(func() error {
			return m.retry(cctx, 0, func(ctx context.Context) error {
				err := m.secondPhase(ctx, "confirm", p, res.XID)
				if err != nil {
					log.Warningf(ctx, "confirm %s: %v (will retry)", p.ID(), err)
				}
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf(ctx, "confirm incomplete, left to monitor: %v", err)
		return errors.Wrap(ErrConfirmPending, err.Error())
	}

	m.advance(ctx, res, Done)
	return nil
}

// cancelAll delivers Cancel to participants, retrying each a bounded number
// of times. Failures are logged and leave the transaction in CANCELING for
// the monitor.
func (m *Manager) cancelAll(ctx context.Context, res *Result, participants []Participant) {
	if res.State != Canceling {
		m.advance(ctx, res, Canceling)
	}

	var mu sync.Mutex
	var errv xerr.Errorv
	var g errgroup.Group
	for _, p := range participants {
		p := p
		g.Go(func() error {
			err := m.retry(ctx, m.opts.CancelAttempts, func(ctx context.Context) error {
				return m.secondPhase(ctx, "cancel", p, res.XID)
			})
			mu.Lock()
			errv.Appendif(err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := errv.Err(); err != nil {
		log.Errorf(ctx, "cancel incomplete, left to monitor: %v", err)
		return
	}
	m.advance(ctx, res, Aborted)
}

// cancelWindow is the longest cancelAll can take inside Transaction.
func (m *Manager) cancelWindow() time.Duration {
	return time.Duration(m.opts.CancelAttempts) * (m.opts.Timeout + m.opts.RetryInterval<<3)
}

// retry calls fn until it succeeds, attempts calls were made (0 = no limit)
// or ctx is done.
func (m *Manager) retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	interval := m.opts.RetryInterval
	for i := 1; ; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempts > 0 && i >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
		interval = increase(interval, m.opts.RetryInterval<<3)
	}
}

// increase doubles interval, but not above limit.
func increase(interval, limit time.Duration) time.Duration {
	interval <<= 1
	if interval > limit {
		interval = limit
	}
	return interval
}

// asError converts err returned by a participant into *Error.
func asError(op, participant, xid string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return E(op, participant, xid, KindOf(err), err)
}

// advanceProgress drives one unfinished transaction found in the tx log
// towards its final state.
func (m *Manager) advanceProgress(ctx context.Context, rec TxRecord) error {
	ctx = log.WithXID(ctx, rec.XID)
	res := &Result{XID: rec.XID, State: rec.State}

	// transactions a live Transaction call may still be driving are left
	// to it until they outlast the time that call can take
	switch rec.State {
	case Started, Trying:
		if time.Since(rec.CreatedAt) < m.opts.Timeout*time.Duration(len(rec.ParticipantIDs)+1) {
			return nil
		}
		ok, err := m.txLog.UpdateTxState(ctx, rec.XID, rec.State, Canceling)
		if err != nil || !ok {
			return err
		}
		res.State = Canceling
	case AllTried, Confirming:
		if time.Since(rec.UpdatedAt) < m.opts.ConfirmDeadline {
			return nil
		}
	case TryFailed, Canceling:
		if time.Since(rec.UpdatedAt) < m.cancelWindow() {
			return nil
		}
	default:
		return nil
	}

	participants, err := m.getParticipants(rec.ParticipantIDs)
	if err != nil {
		return errors.Wrapf(err, "recover %s", rec.XID)
	}

	log.Infof(ctx, "recovering from %s", rec.State)
	if res.State.decision() > 0 {
		if res.State == AllTried {
			m.advance(ctx, res, Confirming)
		}
		return m.confirmOnce(ctx, res, participants)
	}

	// participants never tried get an empty rollback marker, which keeps a
	// delayed Try from reviving the transaction
	m.cancelAll(ctx, res, participants)
	if res.State != Aborted {
		return errors.Errorf("cancel %s incomplete", rec.XID)
	}
	return nil
}

// confirmOnce makes one round of Confirm calls for a recovered transaction.
func (m *Manager) confirmOnce(ctx context.Context, res *Result, participants []Participant) error {
	var errv xerr.Errorv
	for _, p := range participants {
		errv.Appendif(m.secondPhase(ctx, "confirm", p, res.XID))
	}
	if err := errv.Err(); err != nil {
		return err
	}
	m.advance(ctx, res, Done)
	return nil
}

// batchProcessTx advances records concurrently and returns the first error.
func (m *Manager) batchProcessTx(records []TxRecord) error {
	errCh := make(chan error)
	go func() {
		var wg sync.WaitGroup
		for i := range records {
			record := records[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.advanceProgress(m.ctx, record); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if firstErr != nil {
			continue
		}
		firstErr = err
	}

	return firstErr
}

// Recover runs one monitor pass synchronously.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.txLog.GetUnfinishedTx(ctx)
	if err != nil {
		return err
	}
	return m.batchProcessTx(records)
}

func (m *Manager) run() {
	defer close(m.done)

	var interval time.Duration
	var err error
	for {
		if err == nil {
			interval = m.opts.MonitorInterval
		} else {
			interval = increase(interval, m.opts.MonitorInterval<<3)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
			if err = m.Recover(m.ctx); err != nil {
				log.Warningf(m.ctx, "monitor: %v", err)
			}
		}
	}
}
