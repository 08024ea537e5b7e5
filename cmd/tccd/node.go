package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"lab.nexedi.com/kirr/go123/xerr"

	"tccorder/checkout"
	"tccorder/events"
	"tccorder/internal/db"
	"tccorder/internal/log"
	"tccorder/metrics"
	"tccorder/order"
	"tccorder/resource"
	"tccorder/tcc"
	"tccorder/transport/httpapi"
	"tccorder/transport/rpc"
)

// node is one tccd process: the three participants on their own databases,
// the orchestrator with its log and the order service on top.
type node struct {
	dbv     []*db.DB
	storage *resource.Participant
	account *resource.Participant
	orders  *order.Participant
	manager *tcc.Manager
	svc     *checkout.Service
	pub     events.Publisher
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	conn    *grpc.ClientConn
}

func (n *node) open(driver, dsn string) (*db.DB, error) {
	d, err := db.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	n.dbv = append(n.dbv, d)
	return d, nil
}

func openNode(ctx context.Context, cfg *config) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if cfg.Driver == db.DriverSQLite {
		if err := os.MkdirAll(cfg.DSN, 0o755); err != nil {
			return nil, err
		}
	}

	storageDB, err := n.open(cfg.Driver, cfg.dsn("storage"))
	if err != nil {
		return nil, err
	}
	accountDB, err := n.open(cfg.Driver, cfg.dsn("account"))
	if err != nil {
		return nil, err
	}
	orderDB, err := n.open(cfg.Driver, cfg.dsn("order"))
	if err != nil {
		return nil, err
	}
	n.storage = resource.NewStorage(storageDB)
	n.account = resource.NewAccount(accountDB)
	n.orders = order.New(orderDB)
	for _, m := range []interface{ Migrate(context.Context) error }{n.storage, n.account, n.orders} {
		if err := m.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	seeds, err := parseSeed(cfg.Seed)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		p := n.account
		if s.Participant == "storage" {
			p = n.storage
		}
		if err := p.Seed(ctx, s.Ledger); err != nil {
			return nil, err
		}
		log.Infof(ctx, "seed %s %s = %d", s.Participant, s.Ledger.Key, s.Ledger.Total)
	}

	coordDB, err := tcc.InitTxLogDB(ctx, cfg.Driver, cfg.dsn("coordinator"))
	if err != nil {
		return nil, err
	}
	n.dbv = append(n.dbv, coordDB)

	n.reg = prometheus.NewRegistry()
	n.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.New(n.reg, "tccd")

	n.manager = tcc.NewManager(tcc.NewTxLog(coordDB),
		tcc.WithTimeout(cfg.TryTimeout),
		tcc.WithMonitorInterval(cfg.MonitorInterval),
		tcc.WithObserver(n.metrics))

	remote, err := n.remoteParticipants(cfg)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		remote = []tcc.Participant{n.storage, n.account, n.orders}
	}
	for _, p := range remote {
		if err := n.manager.Register(p); err != nil {
			return nil, err
		}
	}

	n.pub = events.NewPublisher(events.Brokers(cfg.KafkaBrokers), cfg.KafkaTopic)
	n.svc = checkout.New(n.manager, n.orders, n.pub)
	return n, nil
}

// remoteParticipants returns clients for participants served by another
// node, or nil if participants are local.
//
// Orders are still looked up in the local order database, which must be the
// one the remote order participant writes to.
func (n *node) remoteParticipants(cfg *config) ([]tcc.Participant, error) {
	ids := []string{checkout.StorageID, checkout.AccountID, checkout.OrderID}
	var pv []tcc.Participant
	switch {
	case cfg.RemoteGRPC != "":
		conn, err := rpc.Dial(cfg.RemoteGRPC)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", cfg.RemoteGRPC)
		}
		n.conn = conn
		for _, id := range ids {
			pv = append(pv, rpc.NewClient(id, conn))
		}
	case cfg.RemoteHTTP != "":
		hc := &http.Client{Timeout: cfg.TryTimeout}
		for _, id := range ids {
			pv = append(pv, httpapi.NewClient(id, cfg.RemoteHTTP, hc))
		}
	}
	return pv, nil
}

func (n *node) Close() error {
	var errv xerr.Errorv
	if n.manager != nil {
		n.manager.Stop()
	}
	if n.pub != nil {
		errv.Appendif(n.pub.Close())
	}
	if n.conn != nil {
		errv.Appendif(n.conn.Close())
	}
	for _, d := range n.dbv {
		errv.Appendif(d.Close())
	}
	return errv.Err()
}

// listenAndServe serves HTTP and gRPC on addr until ctx is done.
func (n *node) listenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof(ctx, "listening at %s ...", l.Addr())

	mux := cmux.New(l)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldPrefixSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	gs := grpc.NewServer()
	rpc.NewServer(n.storage, n.account, n.orders).Register(gs)
	hs := &http.Server{
		Handler:           httpapi.NewServer(n.svc, n.metrics, n.reg, n.storage, n.account, n.orders).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		err := mux.Serve()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	wg.Go(func() error {
		err := gs.Serve(grpcL)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	wg.Go(func() error {
		err := hs.Serve(httpL)
		if err == http.ErrServerClosed || ctx.Err() != nil {
			return nil
		}
		return err
	})
	wg.Go(func() error {
		<-ctx.Done()
		log.Infof(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		herr := hs.Shutdown(sctx)
		gs.GracefulStop()
		_ = l.Close()
		return herr
	})
	return wg.Wait()
}
