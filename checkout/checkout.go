// Package checkout places orders: one global transaction reserving stock,
// reserving balance and creating the order.
package checkout

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tccorder/events"
	"tccorder/internal/log"
	"tccorder/order"
	"tccorder/tcc"
)

// participant ids, in Try order
const (
	StorageID = "storage"
	AccountID = "account"
	OrderID   = "order"
)

type Request struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Count     int64  `json:"count"`
	Amount    int64  `json:"amount"`
	OrderNo   string `json:"orderNo,omitempty"`
}

func (r *Request) validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.ProductID = strings.TrimSpace(r.ProductID)
	r.OrderNo = strings.TrimSpace(r.OrderNo)
	switch {
	case r.UserID == "":
		return errors.New("userId is required")
	case r.ProductID == "":
		return errors.New("productId is required")
	case r.Count <= 0:
		return errors.New("count must be > 0")
	case r.Amount <= 0:
		return errors.New("amount must be > 0")
	}
	return nil
}

type Response struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   *order.Order `json:"order,omitempty"`
}

// Orders looks orders up by number.
type Orders interface {
	ByOrderNo(ctx context.Context, orderNo string) (*order.Order, error)
}

type Service struct {
	m      *tcc.Manager
	orders Orders
	pub    events.Publisher
}

// New returns a Service running transactions on m, which must have the
// storage, account and order participants registered.
func New(m *tcc.Manager, orders Orders, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{m: m, orders: orders, pub: pub}
}

// Get returns the order numbered orderNo.
func (s *Service) Get(ctx context.Context, orderNo string) (*order.Order, error) {
	o, err := s.orders.ByOrderNo(ctx, orderNo)
	if err == order.ErrNotFound {
		return nil, tcc.E("get", "", "", tcc.KindNotFound, errors.Errorf("order %q", orderNo))
	}
	return o, err
}

// PlaceOrder places the order described by req.
//
// Only invalid requests return an error. A request repeating the number of
// an existing order returns that order without starting a new transaction.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, tcc.E("place order", "", "", tcc.KindValidation, err)
	}
	if req.OrderNo == "" {
		req.OrderNo = uuid.NewString()
	} else if resp, ok := s.replay(ctx, req.OrderNo); ok {
		return resp, nil
	}

	detail := order.Detail{
		OrderNo:   req.OrderNo,
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Count:     req.Count,
		Amount:    req.Amount,
	}
	orderReq, err := detail.Request()
	if err != nil {
		return nil, err
	}

	res, err := s.m.Transaction(ctx, tcc.NewXID(),
		tcc.Branch{Participant: StorageID, Request: tcc.TryRequest{ResourceKey: req.ProductID, Quantity: req.Count}},
		tcc.Branch{Participant: AccountID, Request: tcc.TryRequest{ResourceKey: req.UserID, Quantity: req.Amount}},
		tcc.Branch{Participant: OrderID, Request: orderReq},
	)
	if res == nil {
		// nothing was tried
		log.Errorf(ctx, "order %s: %v", req.OrderNo, err)
		return &Response{Message: "order failed"}, nil
	}
	ctx = log.WithXID(ctx, res.XID)

	switch {
	case err == nil:
		o := s.lookup(ctx, req.OrderNo)
		s.publish(ctx, events.OrderConfirmed, res.XID, detail)
		return &Response{Success: true, Message: "order placed", Order: o}, nil

	case errors.Is(err, tcc.ErrConfirmPending):
		log.Warningf(ctx, "order %s: %v", req.OrderNo, err)
		return &Response{Message: "order accepted, confirmation pending", Order: s.lookup(ctx, req.OrderNo)}, nil

	case tcc.KindOf(err) == tcc.KindConflict:
		// a concurrent request with the same order number won
		log.Infof(ctx, "order %s: %v", req.OrderNo, err)
		if resp, ok := s.replay(ctx, req.OrderNo); ok {
			return resp, nil
		}
		return &Response{Message: "order is being processed"}, nil
	}

	log.Infof(ctx, "order %s failed: %v", req.OrderNo, err)
	s.publish(ctx, events.OrderCancelled, res.XID, detail)
	return &Response{Message: failureMessage(err)}, nil
}

// failureMessage describes err to the customer without naming the
// participant that failed.
func failureMessage(err error) string {
	switch tcc.KindOf(err) {
	case tcc.KindInsufficientResource:
		return "order failed: insufficient funds or stock, nothing was charged"
	case tcc.KindNotFound:
		return "order failed: unknown user or product"
	}
	return "order failed and was rolled back"
}

// replay returns the outcome of an existing order numbered orderNo.
func (s *Service) replay(ctx context.Context, orderNo string) (*Response, bool) {
	o, err := s.orders.ByOrderNo(ctx, orderNo)
	if err != nil {
		if err != order.ErrNotFound {
			log.Warningf(ctx, "order %s lookup: %v", orderNo, err)
		}
		return nil, false
	}

	resp := &Response{Order: o}
	switch o.Status {
	case order.Confirmed:
		resp.Success = true
		resp.Message = "order already placed"
	case order.Pending:
		resp.Message = "order is being processed"
	default:
		resp.Message = "order failed and was rolled back"
	}
	return resp, true
}

func (s *Service) lookup(ctx context.Context, orderNo string) *order.Order {
	o, err := s.orders.ByOrderNo(ctx, orderNo)
	if err != nil {
		log.Warningf(ctx, "order %s lookup: %v", orderNo, err)
		return nil
	}
	return o
}

func (s *Service) publish(ctx context.Context, typ, xid string, d order.Detail) {
	ev := events.New(typ, xid, d.OrderNo, map[string]any{
		"userId":    d.UserID,
		"productId": d.ProductID,
		"count":     d.Count,
		"amount":    d.Amount,
	})
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warningf(ctx, "%v", err)
	}
}
