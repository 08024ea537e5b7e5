// Package httpapi serves the order API and the participant Try/Confirm/Cancel
// endpoints over HTTP, and provides a tcc.Participant client for the latter.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"tccorder/checkout"
	"tccorder/internal/log"
	"tccorder/metrics"
	"tccorder/tcc"
)

// HeaderXID carries the global transaction id on participant calls.
const HeaderXID = "X-TCC-XID"

// HeaderIdempotencyKey is used as order number when the request body has none.
const HeaderIdempotencyKey = "Idempotency-Key"

// participantMessage is the body of participant requests and responses.
type participantMessage struct {
	ParticipantID string          `json:"participantId,omitempty"`
	XID           string          `json:"xid"`
	ResourceKey   string          `json:"resourceKey,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ACK           bool            `json:"ack"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type Server struct {
	svc          *checkout.Service
	participants map[string]tcc.Participant
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
}

// NewServer returns a server for svc and participants. svc may be nil on a
// node hosting only participants; m and g may be nil to disable metrics.
func NewServer(svc *checkout.Service, m *metrics.Metrics, g prometheus.Gatherer, participants ...tcc.Participant) *Server {
	s := &Server{
		svc:          svc,
		participants: make(map[string]tcc.Participant, len(participants)),
		metrics:      m,
		gatherer:     g,
	}
	for _, p := range participants {
		s.participants[p.ID()] = p
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, name string, h http.HandlerFunc) {
		if s.metrics != nil {
			mux.Handle(pattern, s.metrics.Wrap(name, h))
			return
		}
		mux.Handle(pattern, h)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	if s.svc != nil {
		handle("POST /api/orders", "place_order", s.placeOrder)
		handle("GET /api/orders/{orderNo}", "get_order", s.getOrder)
	}
	handle("POST /tcc/{participant}/{phase}", "participant", s.participant)
	return mux
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, checkout.Response{Message: "invalid json"})
		return
	}
	if req.OrderNo == "" {
		req.OrderNo = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}

	resp, err := s.svc.PlaceOrder(r.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		msg := "internal error"
		if tcc.KindOf(err) == tcc.KindValidation {
			code = http.StatusBadRequest
			msg = errors.Cause(err).Error()
		} else {
			log.Errorf(r.Context(), "place order: %v", err)
		}
		writeJSON(w, code, checkout.Response{Message: msg})
		return
	}

	code := http.StatusOK
	if !resp.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Get(r.Context(), r.PathValue("orderNo"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, o)
	case tcc.KindOf(err) == tcc.KindNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
	default:
		log.Errorf(r.Context(), "get order: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func (s *Server) participant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("participant")
	p, ok := s.participants[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, participantMessage{ParticipantID: id, Message: "unknown participant"})
		return
	}

	var in participantMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeParticipantError(w, id, "", tcc.E(r.PathValue("phase"), id, "", tcc.KindValidation, errors.New("invalid json")))
		return
	}
	hdr := r.Header.Get(HeaderXID)
	switch {
	case in.XID == "":
		in.XID = hdr
	case hdr != "" && hdr != in.XID:
		writeParticipantError(w, id, in.XID, tcc.E(r.PathValue("phase"), id, in.XID, tcc.KindValidation,
			errors.Errorf("xid mismatch: header %q", hdr)))
		return
	}
	if in.XID == "" {
		writeParticipantError(w, id, "", tcc.E(r.PathValue("phase"), id, "", tcc.KindValidation, errors.New("xid is required")))
		return
	}

	ctx := log.WithXID(r.Context(), in.XID)
	var resp *tcc.Response
	var err error
	switch r.PathValue("phase") {
	case "try":
		resp, err = p.Try(ctx, &tcc.TryRequest{
			XID:         in.XID,
			ResourceKey: in.ResourceKey,
			Quantity:    in.Quantity,
			Payload:     in.Payload,
		})
	case "confirm":
		resp, err = p.Confirm(ctx, in.XID)
	case "cancel":
		resp, err = p.Cancel(ctx, in.XID)
	default:
		writeJSON(w, http.StatusNotFound, participantMessage{ParticipantID: id, XID: in.XID, Message: "unknown phase"})
		return
	}
	if err != nil {
		writeParticipantError(w, id, in.XID, err)
		return
	}
	writeJSON(w, http.StatusOK, participantMessage{ParticipantID: resp.ParticipantID, XID: resp.XID, ACK: resp.ACK})
}

func writeParticipantError(w http.ResponseWriter, id, xid string, err error) {
	kind := tcc.KindOf(err)
	code := http.StatusConflict
	switch kind {
	case tcc.KindValidation:
		code = http.StatusBadRequest
	case tcc.KindTransientUnavailable:
		code = http.StatusServiceUnavailable
	}
	msg := err.Error()
	var e *tcc.Error
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
	}
	writeJSON(w, code, participantMessage{ParticipantID: id, XID: xid, ErrorKind: kind.String(), Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
