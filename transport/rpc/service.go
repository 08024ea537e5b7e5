// Package rpc exposes participants as the gRPC service tcc.Participant and
// provides a tcc.Participant client for it.
//
// The xid of every call travels both in the message and in the x-tcc-xid
// metadata key; the server rejects calls where the two disagree. Failures
// carry their tcc.Kind in the x-tcc-error-kind trailer.
package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const (
	serviceName = "tcc.Participant"

	mdXID       = "x-tcc-xid"
	mdErrorKind = "x-tcc-error-kind"
)

type TryRequest struct {
	Participant string          `json:"participant"`
	XID         string          `json:"xid"`
	ResourceKey string          `json:"resourceKey"`
	Quantity    int64           `json:"quantity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PhaseRequest is the request of Confirm and Cancel.
type PhaseRequest struct {
	Participant string `json:"participant"`
	XID         string `json:"xid"`
}

type Reply struct {
	ParticipantID string `json:"participantId"`
	XID           string `json:"xid"`
	ACK           bool   `json:"ack"`
}

// ParticipantServer is the server API of tcc.Participant.
type ParticipantServer interface {
	Try(context.Context, *TryRequest) (*Reply, error)
	Confirm(context.Context, *PhaseRequest) (*Reply, error)
	Cancel(context.Context, *PhaseRequest) (*Reply, error)
}

func tryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParticipantServer).Try(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Try"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ParticipantServer).Try(ctx, req.(*TryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func phaseHandler(method string, call func(ParticipantServer, context.Context, *PhaseRequest) (*Reply, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(PhaseRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ParticipantServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ParticipantServer), ctx, req.(*PhaseRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Try", Handler: tryHandler},
		{MethodName: "Confirm", Handler: phaseHandler("Confirm", ParticipantServer.Confirm)},
		{MethodName: "Cancel", Handler: phaseHandler("Cancel", ParticipantServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tcc/participant",
}
