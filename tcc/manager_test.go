package tcc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"tccorder/internal/db"
)

// fakeParticipant records every call it receives.
type fakeParticipant struct {
	id string

	mu              sync.Mutex
	calls           []string
	tryErr          error
	confirmFailures int // fail this many Confirm calls before succeeding
	cancelFailures  int
	onConfirm       func(xid string)
}

func (f *fakeParticipant) ID() string { return f.id }

func (f *fakeParticipant) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeParticipant) Try(ctx context.Context, req *TryRequest) (*Response, error) {
	f.record("try")
	f.mu.Lock()
	err := f.tryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Ack(f, req.XID), nil
}

func (f *fakeParticipant) Confirm(ctx context.Context, xid string) (*Response, error) {
	f.record("confirm")
	if f.onConfirm != nil {
		f.onConfirm(xid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmFailures > 0 {
		f.confirmFailures--
		return nil, E("confirm", f.id, xid, KindTransientUnavailable, errors.New("unreachable"))
	}
	return Ack(f, xid), nil
}

func (f *fakeParticipant) Cancel(ctx context.Context, xid string) (*Response, error) {
	f.record("cancel")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelFailures > 0 {
		f.cancelFailures--
		return nil, E("cancel", f.id, xid, KindTransientUnavailable, errors.New("unreachable"))
	}
	return Ack(f, xid), nil
}

func (f *fakeParticipant) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingObserver struct {
	mu       sync.Mutex
	finished map[TxState]int
}

func (o *countingObserver) ParticipantCall(string, string, error) {}
func (o *countingObserver) TransactionFinished(s TxState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[TxState]int{}
	}
	o.finished[s]++
}

type env struct {
	m     *Manager
	txLog TxLog
	ps    []*fakeParticipant
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	d, err := InitTxLogDB(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "coordinator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	txLog := NewTxLog(d)
	opts = append([]Option{
		WithTimeout(time.Second),
		WithMonitorInterval(time.Hour), // tests drive recovery by hand
		WithRetryInterval(time.Millisecond),
		WithConfirmDeadline(2 * time.Second),
	}, opts...)
	m := NewManager(txLog, opts...)
	t.Cleanup(m.Stop)

	e := &env{m: m, txLog: txLog}
	for _, id := range []string{"storage", "account", "order"} {
		p := &fakeParticipant{id: id}
		require.NoError(t, m.Register(p))
		e.ps = append(e.ps, p)
	}
	return e
}

func (e *env) branches() []Branch {
	var bv []Branch
	for _, p := range e.ps {
		bv = append(bv, Branch{Participant: p.id, Request: TryRequest{ResourceKey: "k", Quantity: 1}})
	}
	return bv
}

func (e *env) state(t *testing.T, xid string) TxState {
	t.Helper()
	rec, err := e.txLog.GetTxLog(context.Background(), xid)
	require.NoError(t, err)
	return rec.State
}

func TestTransactionCommit(t *testing.T) {
	obs := &countingObserver{}
	e := newEnv(t, WithObserver(obs))

	res, err := e.m.Transaction(context.Background(), "", e.branches()...)
	require.NoError(t, err)
	require.NotEmpty(t, res.XID)
	require.Equal(t, Done, res.State)
	require.Equal(t, Done, e.state(t, res.XID))

	for _, p := range e.ps {
		require.Equal(t, []string{"try", "confirm"}, p.Calls(), p.id)
	}
	require.Equal(t, 1, obs.finished[Done])

	rec, err := e.txLog.GetTxLog(context.Background(), res.XID)
	require.NoError(t, err)
	require.Equal(t, []string{"storage", "account", "order"}, rec.ParticipantIDs)
}

func TestTransactionTryFailure(t *testing.T) {
	e := newEnv(t)
	e.ps[1].tryErr = E("try", "account", "", KindInsufficientResource, errors.New("balance too low"))

	res, err := e.m.Transaction(context.Background(), "X-fail", e.branches()...)
	require.Error(t, err)
	require.Equal(t, KindInsufficientResource, KindOf(err))
	require.Equal(t, Aborted, res.State)
	require.Equal(t, Aborted, e.state(t, "X-fail"))

	require.Equal(t, []string{"try", "cancel"}, e.ps[0].Calls())
	require.Equal(t, []string{"try"}, e.ps[1].Calls()) // permanent failure: nothing to undo
	require.Empty(t, e.ps[2].Calls())
}

func TestTransactionTryTimeoutCancelsFailingParticipant(t *testing.T) {
	e := newEnv(t)
	e.ps[2].tryErr = context.DeadlineExceeded

	res, err := e.m.Transaction(context.Background(), "X-timeout", e.branches()...)
	require.Error(t, err)
	require.Equal(t, KindTransientUnavailable, KindOf(err))
	require.Equal(t, Aborted, res.State)

	for _, p := range e.ps {
		require.Equal(t, []string{"try", "cancel"}, p.Calls(), p.id)
	}
}

func TestConfirmRetried(t *testing.T) {
	e := newEnv(t)
	e.ps[0].confirmFailures = 3

	res, err := e.m.Transaction(context.Background(), "", e.branches()...)
	require.NoError(t, err)
	require.Equal(t, Done, res.State)
	require.Equal(t, []string{"try", "confirm", "confirm", "confirm", "confirm"}, e.ps[0].Calls())
	// a failing Confirm never turns into Cancel
	for _, p := range e.ps {
		require.NotContains(t, p.Calls(), "cancel", p.id)
	}
}

func TestConfirmPendingThenRecovered(t *testing.T) {
	e := newEnv(t, WithConfirmDeadline(20*time.Millisecond))
	e.ps[1].mu.Lock()
	e.ps[1].confirmFailures = 1 << 30
	e.ps[1].mu.Unlock()

	res, err := e.m.Transaction(context.Background(), "X-pending", e.branches()...)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfirmPending))
	require.Equal(t, Confirming, res.State)
	require.Equal(t, Confirming, e.state(t, "X-pending"))

	// participant comes back
	e.ps[1].mu.Lock()
	e.ps[1].confirmFailures = 0
	e.ps[1].mu.Unlock()

	// past the confirm deadline the monitor takes over
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.m.Recover(context.Background()))
	require.Equal(t, Done, e.state(t, "X-pending"))
	for _, p := range e.ps {
		require.NotContains(t, p.Calls(), "cancel", p.id)
	}
}

func TestCancelIncompleteThenRecovered(t *testing.T) {
	e := newEnv(t, WithCancelAttempts(2), WithTimeout(20*time.Millisecond))
	e.ps[0].cancelFailures = 2 // both inline attempts fail
	e.ps[2].tryErr = E("try", "order", "", KindConflict, errors.New("order number taken"))

	res, err := e.m.Transaction(context.Background(), "X-cancel", e.branches()...)
	require.Error(t, err)
	require.Equal(t, KindConflict, KindOf(err))
	require.Equal(t, Canceling, res.State)
	require.Equal(t, Canceling, e.state(t, "X-cancel"))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.m.Recover(context.Background()))
	require.Equal(t, Aborted, e.state(t, "X-cancel"))
	// recovery cancels every participant, including the one never tried
	require.Equal(t, []string{"try", "cancel", "cancel", "cancel"}, e.ps[0].Calls())
	require.Equal(t, []string{"try", "cancel", "cancel"}, e.ps[1].Calls())
	require.Equal(t, []string{"try", "cancel"}, e.ps[2].Calls())
}

func TestRecoverStaleTrying(t *testing.T) {
	e := newEnv(t, WithTimeout(10*time.Millisecond))
	ctx := context.Background()

	// a coordinator crashed right after it started trying
	require.NoError(t, e.txLog.CreateTxLog(ctx, "X-crash", []string{"storage", "account", "order"}))
	ok, err := e.txLog.UpdateTxState(ctx, "X-crash", Started, Trying)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.m.Recover(ctx))
	require.Equal(t, Aborted, e.state(t, "X-crash"))
	for _, p := range e.ps {
		require.Equal(t, []string{"cancel"}, p.Calls(), p.id)
	}

	// finished transactions are not picked up again
	unfinished, err := e.txLog.GetUnfinishedTx(ctx)
	require.NoError(t, err)
	require.Empty(t, unfinished)
}

func TestRecoverLeavesFreshTrying(t *testing.T) {
	e := newEnv(t, WithTimeout(time.Minute))
	ctx := context.Background()

	require.NoError(t, e.txLog.CreateTxLog(ctx, "X-live", []string{"storage"}))
	require.NoError(t, e.m.Recover(ctx))
	require.Equal(t, Started, e.state(t, "X-live"))
	require.Empty(t, e.ps[0].Calls())
}

func TestRecoverLeavesLiveSecondPhase(t *testing.T) {
	e := newEnv(t, WithTimeout(time.Minute), WithConfirmDeadline(time.Minute))
	ctx := context.Background()
	ids := []string{"storage", "account", "order"}

	move := func(xid string, steps ...TxState) {
		for i := 1; i < len(steps); i++ {
			ok, err := e.txLog.UpdateTxState(ctx, xid, steps[i-1], steps[i])
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	require.NoError(t, e.txLog.CreateTxLog(ctx, "X-confirming", ids))
	move("X-confirming", Started, Trying, AllTried, Confirming)
	require.NoError(t, e.txLog.CreateTxLog(ctx, "X-canceling", ids))
	move("X-canceling", Started, Trying, TryFailed, Canceling)

	require.NoError(t, e.m.Recover(ctx))
	require.Equal(t, Confirming, e.state(t, "X-confirming"))
	require.Equal(t, Canceling, e.state(t, "X-canceling"))
	for _, p := range e.ps {
		require.Empty(t, p.Calls(), p.id)
	}
}

func TestFinishedReportedOnce(t *testing.T) {
	obs := &countingObserver{}
	e := newEnv(t, WithObserver(obs))
	ctx := context.Background()

	// the monitor finishes the transaction while the Confirm round of
	// Transaction is still running
	var once sync.Once
	e.ps[0].onConfirm = func(xid string) {
		once.Do(func() {
			e.m.advance(ctx, &Result{XID: xid, State: Confirming}, Done)
		})
	}

	res, err := e.m.Transaction(ctx, "X-race", e.branches()...)
	require.NoError(t, err)
	require.Equal(t, Done, res.State)
	require.Equal(t, Done, e.state(t, "X-race"))
	require.Equal(t, 1, obs.finished[Done])
}

func TestTransactionValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.m.Transaction(ctx, "")
	require.Error(t, err)

	_, err = e.m.Transaction(ctx, "", Branch{Participant: "nobody"})
	require.Equal(t, KindValidation, KindOf(err))

	_, err = e.m.Transaction(ctx, "", Branch{Participant: "order"}, Branch{Participant: "order"})
	require.Equal(t, KindValidation, KindOf(err))

	require.Error(t, e.m.Register(&fakeParticipant{id: "order"}))

	// an xid is used once
	_, err = e.m.Transaction(ctx, "X-dup", e.branches()...)
	require.NoError(t, err)
	_, err = e.m.Transaction(ctx, "X-dup", e.branches()...)
	require.Error(t, err)
}

func TestTxStateTransitions(t *testing.T) {
	require.True(t, Started.CanTransition(Trying))
	require.True(t, Trying.CanTransition(AllTried))
	require.True(t, Trying.CanTransition(TryFailed))
	require.True(t, AllTried.CanTransition(Confirming))
	require.True(t, Confirming.CanTransition(Done))
	require.True(t, TryFailed.CanTransition(Canceling))
	require.True(t, Canceling.CanTransition(Aborted))
	require.True(t, Confirming.CanTransition(Confirming))

	require.False(t, Confirming.CanTransition(Canceling))
	require.False(t, AllTried.CanTransition(Canceling))
	require.False(t, Done.CanTransition(Aborted))
	require.False(t, Aborted.CanTransition(Done))

	require.Equal(t, "ALL_TRIED", AllTried.String())
	require.True(t, Done.Final())
	require.False(t, Canceling.Final())
}

func TestKind(t *testing.T) {
	for k := KindOther; k <= KindConflict; k++ {
		require.Equal(t, k, ParseKind(k.String()))
	}
	require.Equal(t, KindOther, ParseKind("bogus"))
	require.True(t, KindTransientUnavailable.Retryable())
	require.False(t, KindSuspendedTry.Retryable())

	err := errors.Wrap(E("try", "account", "X", KindSuspendedTry, nil), "remote")
	require.Equal(t, KindSuspendedTry, KindOf(err))
	require.Equal(t, KindTransientUnavailable, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindOther, KindOf(errors.New("x")))
	require.Equal(t, "account try xid=X: SuspendedTry", E("try", "account", "X", KindSuspendedTry, nil).Error())
}
