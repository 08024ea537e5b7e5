package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"tccorder/internal/db"
	"tccorder/order"
	"tccorder/resource"
	"tccorder/tcc"
)

type fixture struct {
	storage *resource.Participant
	orders  *order.Participant
	conn    *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	open := func(name string) *db.DB {
		d, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), name+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	}
	f := &fixture{
		storage: resource.NewStorage(open("storage")),
		orders:  order.New(open("order")),
	}
	require.NoError(t, f.storage.Migrate(ctx))
	require.NoError(t, f.orders.Migrate(ctx))
	require.NoError(t, f.storage.Seed(ctx, resource.Ledger{Key: "p1", Total: 5, Residue: 5}))

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(f.storage, f.orders).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	f.conn = conn
	return f
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewClient("storage", f.conn)

	resp, err := c.Try(ctx, &tcc.TryRequest{XID: "X", ResourceKey: "p1", Quantity: 2})
	require.NoError(t, err)
	require.Equal(t, &tcc.Response{ParticipantID: "storage", ACK: true, XID: "X"}, resp)

	_, err = c.Confirm(ctx, "X")
	require.NoError(t, err)
	l, err := f.storage.Ledger(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, resource.Ledger{Key: "p1", Total: 5, Used: 2, Residue: 3}, l)

	_, err = c.Try(ctx, &tcc.TryRequest{XID: "X2", ResourceKey: "p1", Quantity: 4})
	require.Equal(t, tcc.KindInsufficientResource, tcc.KindOf(err))

	_, err = c.Try(ctx, &tcc.TryRequest{XID: "X3", ResourceKey: "p9", Quantity: 1})
	require.Equal(t, tcc.KindNotFound, tcc.KindOf(err))

	_, err = c.Cancel(ctx, "Y")
	require.NoError(t, err)
	_, err = c.Try(ctx, &tcc.TryRequest{XID: "Y", ResourceKey: "p1", Quantity: 1})
	require.Equal(t, tcc.KindSuspendedTry, tcc.KindOf(err))
	require.Contains(t, err.Error(), "canceled before try")
}

func TestOrderPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewClient("order", f.conn)

	req, err := order.Detail{OrderNo: "N1", UserID: "u1", ProductID: "p1", Count: 1, Amount: 10}.Request()
	require.NoError(t, err)
	req.XID = "X"
	_, err = c.Try(ctx, &req)
	require.NoError(t, err)

	req.XID = "X2"
	_, err = c.Try(ctx, &req)
	require.Equal(t, tcc.KindConflict, tcc.KindOf(err))

	o, err := f.orders.ByOrderNo(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, "X", o.XID)
	require.Equal(t, order.Pending, o.Status)
}

func TestXIDMismatch(t *testing.T) {
	f := newFixture(t)

	ctx := metadata.AppendToOutgoingContext(context.Background(), mdXID, "other")
	_, err := NewClient("storage", f.conn).Cancel(ctx, "X")
	require.Equal(t, tcc.KindValidation, tcc.KindOf(err))

	_, err = f.storage.Freeze(context.Background(), "X")
	require.Error(t, err)
}

func TestUnknownParticipant(t *testing.T) {
	f := newFixture(t)

	_, err := NewClient("account", f.conn).Confirm(context.Background(), "X")
	require.Error(t, err)
	require.Equal(t, tcc.KindOther, tcc.KindOf(err))
}

func TestUnavailable(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	_ = lis.Close()
	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewClient("storage", conn).Cancel(ctx, "X")
	require.Equal(t, tcc.KindTransientUnavailable, tcc.KindOf(err))
}
