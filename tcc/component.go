package tcc

import (
	"context"
	"encoding/json"
)

// Participant is a service owning one resource type and implementing the
// Try-Confirm-Cancel contract for it.
//
// All three operations must be safe to call more than once and in any order
// for the same xid: the transport delivering them is at-least-once and may
// reorder a Cancel ahead of its Try.
type Participant interface {
	// ID is unique among the participants of a Manager.
	ID() string
	// Try reserves the resource for req.XID.
	Try(ctx context.Context, req *TryRequest) (*Response, error)
	// Confirm finalizes the reservation made by Try for xid.
	Confirm(ctx context.Context, xid string) (*Response, error)
	// Cancel releases the reservation made by Try for xid, or leaves a
	// marker rejecting a later Try if none was made.
	Cancel(ctx context.Context, xid string) (*Response, error)
}

type TryRequest struct {
	XID         string          `json:"xid"`
	ResourceKey string          `json:"resourceKey"` // user id, product id, order number
	Quantity    int64           `json:"quantity"`
	Payload     json.RawMessage `json:"payload,omitempty"` // participant specific
}

type Response struct {
	ParticipantID string `json:"participantId"`
	ACK           bool   `json:"ack"`
	XID           string `json:"xid"`
}

// Ack returns a positive response of participant p for xid.
func Ack(p Participant, xid string) *Response {
	return &Response{ParticipantID: p.ID(), ACK: true, XID: xid}
}
