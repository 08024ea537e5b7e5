package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tccorder/tcc"
)

// Dial returns a connection to the participant service at addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}

// Client is a tcc.Participant calling participant id over conn.
type Client struct {
	id   string
	conn grpc.ClientConnInterface
}

var _ tcc.Participant = (*Client)(nil)

func NewClient(id string, conn grpc.ClientConnInterface) *Client {
	return &Client{id: id, conn: conn}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Try(ctx context.Context, req *tcc.TryRequest) (*tcc.Response, error) {
	return c.invoke(ctx, "Try", "try", req.XID, &TryRequest{
		Participant: c.id,
		XID:         req.XID,
		ResourceKey: req.ResourceKey,
		Quantity:    req.Quantity,
		Payload:     req.Payload,
	})
}

func (c *Client) Confirm(ctx context.Context, xid string) (*tcc.Response, error) {
	return c.invoke(ctx, "Confirm", "confirm", xid, &PhaseRequest{Participant: c.id, XID: xid})
}

func (c *Client) Cancel(ctx context.Context, xid string) (*tcc.Response, error) {
	return c.invoke(ctx, "Cancel", "cancel", xid, &PhaseRequest{Participant: c.id, XID: xid})
}

func (c *Client) invoke(ctx context.Context, method, op, xid string, in any) (*tcc.Response, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, mdXID, xid)

	var out Reply
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, &out,
		grpc.CallContentSubtype(codecName), grpc.Trailer(&trailer))
	if err != nil {
		return nil, c.fromStatus(op, xid, err, trailer)
	}
	if !out.ACK || out.XID != xid {
		return nil, tcc.E(op, c.id, xid, tcc.KindOther, errors.Errorf("unexpected reply %+v", out))
	}
	return &tcc.Response{ParticipantID: out.ParticipantID, ACK: true, XID: out.XID}, nil
}

// fromStatus rebuilds the tcc.Error sent by the server.
func (c *Client) fromStatus(op, xid string, err error, trailer metadata.MD) error {
	st := status.Convert(err)
	if v := trailer.Get(mdErrorKind); len(v) > 0 {
		return tcc.E(op, c.id, xid, tcc.ParseKind(v[0]), errors.New(st.Message()))
	}

	kind := tcc.KindOther
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		kind = tcc.KindTransientUnavailable
	}
	return tcc.E(op, c.id, xid, kind, err)
}
