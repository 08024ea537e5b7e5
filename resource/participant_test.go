package resource

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tccorder/freeze"
	"tccorder/internal/db"
	"tccorder/tcc"
)

func newAccount(t *testing.T, balance int64) *Participant {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	p := NewAccount(d)
	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Seed(ctx, Ledger{Key: "u1", Total: balance, Residue: balance}))
	return p
}

func try(p *Participant, xid string, n int64) error {
	_, err := p.Try(context.Background(), &tcc.TryRequest{XID: xid, ResourceKey: "u1", Quantity: n})
	return err
}

func assertLedger(t *testing.T, p *Participant, want Ledger) {
	t.Helper()
	have, err := p.Ledger(context.Background(), want.Key)
	require.NoError(t, err)
	require.NoError(t, have.Check())
	if diff := pretty.Compare(want, have); diff != "" {
		t.Errorf("ledger mismatch (-want +have):\n%s", diff)
	}
}

func TestTryConfirm(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	require.NoError(t, try(p, "X", 10))
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 90, Frozen: 10})

	resp, err := p.Confirm(ctx, "X")
	require.NoError(t, err)
	require.True(t, resp.ACK)
	require.Equal(t, "account", resp.ParticipantID)
	require.Equal(t, "X", resp.XID)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 10, Residue: 90})

	rec, err := p.Freeze(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, freeze.StatusCommitted, rec.Status)
}

func TestTryCancel(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	require.NoError(t, try(p, "X", 40))
	_, err := p.Cancel(ctx, "X")
	require.NoError(t, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	rec, err := p.Freeze(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, freeze.StatusCanceled, rec.Status)
	require.Equal(t, int64(40), rec.Amount)
}

// Try delivered twice reserves once.
func TestDuplicateTry(t *testing.T) {
	p := newAccount(t, 100)

	require.NoError(t, try(p, "X", 10))
	require.NoError(t, try(p, "X", 10))
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 90, Frozen: 10})
}

// Any interleaving of repeated Try and Confirm applies the quantity once.
func TestExactlyOnce(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	require.NoError(t, try(p, "X", 25))
	for i := 0; i < 3; i++ {
		_, err := p.Confirm(ctx, "X")
		require.NoError(t, err)
		require.NoError(t, try(p, "X", 25))
	}
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 25, Residue: 75})

	// late Cancel does not undo Confirm
	_, err := p.Cancel(ctx, "X")
	require.NoError(t, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 25, Residue: 75})
}

func TestCancelTwice(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	require.NoError(t, try(p, "X", 10))
	for i := 0; i < 2; i++ {
		_, err := p.Cancel(ctx, "X")
		require.NoError(t, err)
	}
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	// Confirm after Cancel changes nothing
	_, err := p.Confirm(ctx, "X")
	require.NoError(t, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})
}

// Cancel arriving before Try leaves a marker and the late Try is rejected.
func TestEmptyRollback(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	_, err := p.Cancel(ctx, "Y")
	require.NoError(t, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	rec, err := p.Freeze(ctx, "Y")
	require.NoError(t, err)
	require.Equal(t, freeze.StatusCanceled, rec.Status)
	require.Equal(t, int64(0), rec.Amount)

	err = try(p, "Y", 10)
	require.Error(t, err)
	require.Equal(t, tcc.KindSuspendedTry, tcc.KindOf(err))
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	// and stays rejected
	err = try(p, "Y", 10)
	require.Equal(t, tcc.KindSuspendedTry, tcc.KindOf(err))
}

func TestConfirmWithoutTry(t *testing.T) {
	p := newAccount(t, 100)

	resp, err := p.Confirm(context.Background(), "Z")
	require.NoError(t, err)
	require.True(t, resp.ACK)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	_, err = p.Freeze(context.Background(), "Z")
	require.Equal(t, freeze.ErrNotFound, err)
}

func TestTryErrors(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	err := try(p, "X1", 101)
	require.Equal(t, tcc.KindInsufficientResource, tcc.KindOf(err))

	_, err = p.Try(ctx, &tcc.TryRequest{XID: "X2", ResourceKey: "nobody", Quantity: 1})
	require.Equal(t, tcc.KindNotFound, tcc.KindOf(err))

	require.Equal(t, tcc.KindValidation, tcc.KindOf(try(p, "X3", 0)))
	require.Equal(t, tcc.KindValidation, tcc.KindOf(try(p, "", 1)))

	// failed Tries leave no freeze record, so Cancel is an empty rollback
	_, err = p.Freeze(ctx, "X1")
	require.Equal(t, freeze.ErrNotFound, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Residue: 100})

	_, err = p.Ledger(ctx, "nobody")
	require.Equal(t, tcc.KindNotFound, tcc.KindOf(err))
}

// Concurrent Tries against one row never reserve more than is there.
func TestConcurrentTry(t *testing.T) {
	p := newAccount(t, 50)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, short int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := try(p, fmt.Sprintf("X%d", i), 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case tcc.KindOf(err) == tcc.KindInsufficientResource:
				short++
			default:
				t.Errorf("try %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, ok)
	require.Equal(t, n-5, short)
	assertLedger(t, p, Ledger{Key: "u1", Total: 50, Frozen: 50})
}

// Concurrent duplicate Confirms settle once.
func TestConcurrentConfirm(t *testing.T) {
	p := newAccount(t, 100)
	require.NoError(t, try(p, "X", 30))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Confirm(context.Background(), "X")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 30, Residue: 70})
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	d, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	defer d.Close()

	p := NewStorage(d)
	require.Equal(t, "storage", p.ID())
	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Seed(ctx, Ledger{Key: "p1", Total: 0}))

	_, err = p.Try(ctx, &tcc.TryRequest{XID: "X", ResourceKey: "p1", Quantity: 1})
	require.Equal(t, tcc.KindInsufficientResource, tcc.KindOf(err))

	require.Error(t, p.Seed(ctx, Ledger{Key: "p2", Total: 10, Residue: 5}))
}

func TestSeedKeepsReservations(t *testing.T) {
	p := newAccount(t, 100)
	ctx := context.Background()

	require.NoError(t, try(p, "X", 10))
	require.NoError(t, try(p, "Y", 5))
	_, err := p.Confirm(ctx, "Y")
	require.NoError(t, err)

	// restart with the same seed
	require.NoError(t, p.Seed(ctx, Ledger{Key: "u1", Total: 100, Residue: 100}))
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 5, Residue: 85, Frozen: 10})

	_, err = p.Confirm(ctx, "X")
	require.NoError(t, err)
	assertLedger(t, p, Ledger{Key: "u1", Total: 100, Used: 15, Residue: 85})
}
