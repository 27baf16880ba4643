// Package vsync is the application-facing facade over the group
// membership, ordered multicast, persistence and RPC dispatch components:
// create a group, register replicated-type factories, obtain typed
// subgroup handles, and exchange ordered or point-to-point RPCs through
// them, per spec §6.
package vsync

import (
	"errors"
	"fmt"
)

// ErrKind tags one of the named error kinds of spec §7, so a caller can
// switch on it without string-matching.
type ErrKind int

const (
	KindInadequateView ErrKind = iota
	KindInvalidSubgroup
	KindGroupWedged
	KindNodeRemovedFromShard
	KindCallerRemoved
	KindTimestampBeyondFrontier
	KindInvalidRpcMessage
	KindSerializationFailure
)

func (k ErrKind) String() string {
	switch k {
	case KindInadequateView:
		return "InadequateView"
	case KindInvalidSubgroup:
		return "InvalidSubgroup"
	case KindGroupWedged:
		return "GroupWedged"
	case KindNodeRemovedFromShard:
		return "NodeRemovedFromShard"
	case KindCallerRemoved:
		return "CallerRemoved"
	case KindTimestampBeyondFrontier:
		return "TimestampBeyondFrontier"
	case KindInvalidRpcMessage:
		return "InvalidRpcMessage"
	case KindSerializationFailure:
		return "SerializationFailure"
	default:
		return "Unknown"
	}
}

// Error is the single error type the facade raises for every named kind
// in spec §7's taxonomy; callers distinguish kinds with errors.As plus a
// switch on Kind, or with the Is* helpers below.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsInadequateView reports whether err is (or wraps) a KindInadequateView
// Error. NewLocalGroup raises it when the initial view cannot satisfy
// every declared subgroup's shard minimums; GetSubgroup and
// GetNonmemberSubgroup do not raise it.
func IsInadequateView(err error) bool { return hasKind(err, KindInadequateView) }

// IsInvalidSubgroup reports whether err is a KindInvalidSubgroup Error.
func IsInvalidSubgroup(err error) bool { return hasKind(err, KindInvalidSubgroup) }

// IsGroupWedged reports whether err is a KindGroupWedged Error.
func IsGroupWedged(err error) bool { return hasKind(err, KindGroupWedged) }

// IsTimestampBeyondFrontier reports whether err is a
// KindTimestampBeyondFrontier Error.
func IsTimestampBeyondFrontier(err error) bool { return hasKind(err, KindTimestampBeyondFrontier) }

func hasKind(err error, kind ErrKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
