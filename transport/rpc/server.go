package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tccorder/internal/log"
	"tccorder/tcc"
)

// Server serves a set of participants by id.
type Server struct {
	participants map[string]tcc.Participant
}

var _ ParticipantServer = (*Server)(nil)

func NewServer(participants ...tcc.Participant) *Server {
	s := &Server{participants: make(map[string]tcc.Participant, len(participants))}
	for _, p := range participants {
		s.participants[p.ID()] = p
	}
	return s
}

// Register registers s on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Try(ctx context.Context, in *TryRequest) (*Reply, error) {
	p, ctx, err := s.prepare(ctx, "try", in.Participant, in.XID)
	if err != nil {
		return nil, err
	}
	resp, err := p.Try(ctx, &tcc.TryRequest{
		XID:         in.XID,
		ResourceKey: in.ResourceKey,
		Quantity:    in.Quantity,
		Payload:     in.Payload,
	})
	return reply(ctx, resp, err)
}

func (s *Server) Confirm(ctx context.Context, in *PhaseRequest) (*Reply, error) {
	p, ctx, err := s.prepare(ctx, "confirm", in.Participant, in.XID)
	if err != nil {
		return nil, err
	}
	resp, err := p.Confirm(ctx, in.XID)
	return reply(ctx, resp, err)
}

func (s *Server) Cancel(ctx context.Context, in *PhaseRequest) (*Reply, error) {
	p, ctx, err := s.prepare(ctx, "cancel", in.Participant, in.XID)
	if err != nil {
		return nil, err
	}
	resp, err := p.Cancel(ctx, in.XID)
	return reply(ctx, resp, err)
}

// prepare finds the participant and checks the xid of an incoming call.
func (s *Server) prepare(ctx context.Context, op, id, xid string) (tcc.Participant, context.Context, error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, ctx, status.Errorf(codes.NotFound, "unknown participant %q", id)
	}
	if xid == "" {
		return nil, ctx, toStatus(ctx, tcc.E(op, id, "", tcc.KindValidation, errors.New("xid is required")))
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(mdXID); len(v) > 0 && v[0] != xid {
			return nil, ctx, toStatus(ctx, tcc.E(op, id, xid, tcc.KindValidation,
				errors.Errorf("xid mismatch: metadata %q", v[0])))
		}
	}
	return p, log.WithXID(ctx, xid), nil
}

func reply(ctx context.Context, resp *tcc.Response, err error) (*Reply, error) {
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &Reply{ParticipantID: resp.ParticipantID, XID: resp.XID, ACK: resp.ACK}, nil
}

var kindCodes = map[tcc.Kind]codes.Code{
	tcc.KindValidation:           codes.InvalidArgument,
	tcc.KindInsufficientResource: codes.FailedPrecondition,
	tcc.KindSuspendedTry:         codes.Aborted,
	tcc.KindTransientUnavailable: codes.Unavailable,
	tcc.KindNotFound:             codes.NotFound,
	tcc.KindConflict:             codes.AlreadyExists,
}

// toStatus converts a participant error into a gRPC status error and puts
// its kind into the trailer.
func toStatus(ctx context.Context, err error) error {
	kind := tcc.KindOf(err)
	if err := grpc.SetTrailer(ctx, metadata.Pairs(mdErrorKind, kind.String())); err != nil {
		log.Warningf(ctx, "set trailer: %v", err)
	}
	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Unknown
	}
	msg := err.Error()
	var e *tcc.Error
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
	}
	return status.Error(code, msg)
}
