package tcc

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a participant failure.
type Kind int

const (
	KindOther Kind = iota
	// bad input, rejected before any Try is attempted
	KindValidation
	// balance or stock too low at Try time
	KindInsufficientResource
	// Cancel for this xid arrived before Try
	KindSuspendedTry
	// network error or timeout talking to a participant; retryable
	KindTransientUnavailable
	// Confirm after Cancel or vice versa; logged, never surfaced
	KindProtocolViolation
	// the resource row does not exist
	KindNotFound
	// the business key is already bound to another transaction
	KindConflict
)

var kindNames = [...]string{
	KindOther:                "Other",
	KindValidation:           "Validation",
	KindInsufficientResource: "InsufficientResource",
	KindSuspendedTry:         "SuspendedTry",
	KindTransientUnavailable: "TransientUnavailable",
	KindProtocolViolation:    "ProtocolViolation",
	KindNotFound:             "NotFound",
	KindConflict:             "Conflict",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindOther.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return Kind(k)
		}
	}
	return KindOther
}

// Retryable reports whether an operation failing with this kind may succeed
// when repeated with the same arguments.
func (k Kind) Retryable() bool {
	return k == KindTransientUnavailable
}

// Error is the error returned by participants and by the orchestrator.
type Error struct {
	Op          string // "try", "confirm", "cancel", ...
	XID         string
	Participant string
	Kind        Kind
	Err         error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Participant != "" {
		s = e.Participant + " " + s
	}
	if e.XID != "" {
		s += " xid=" + e.XID
	}
	s += ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Cause is for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// E builds an *Error.
func E(op, participant, xid string, kind Kind, err error) *Error {
	return &Error{Op: op, XID: xid, Participant: participant, Kind: kind, Err: err}
}

// KindOf returns the kind of err.
//
// Context expiry is classified as transient: a Try that timed out may still
// have been applied by the participant.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientUnavailable
	}
	return KindOther
}

var (
	// ErrConfirmPending is returned when Confirm did not succeed on every
	// participant before the confirm deadline. The decision is still
	// commit and the monitor keeps driving it.
	ErrConfirmPending = errors.New("tcc: confirm pending")

	errEmptyTransaction = errors.New("tcc: empty transaction")
)
