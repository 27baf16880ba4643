// Package rpc implements the header-driven RPC dispatch of spec §4.5:
// one wire header identifies the target class/subgroup/function for
// every invocation mode (ordered_send, ordered_query, p2p_send,
// p2p_query), and a Dispatcher routes decoded payloads to registered
// handlers and completed replies back to PendingResult futures.
//
// Framing follows the teacher's net_transport.go: each frame is a
// MsgPack-encoded Header followed by the MsgPack-encoded payload, both
// handled with hashicorp/go-msgpack/codec.
package rpc

import "fmt"

// Flag is a bitmask of per-invocation modifiers carried in the header.
type Flag uint8

const (
	// FlagCascade marks an invocation made from inside another RPC
	// handler; per spec §4.5 and the teacher's rpc_manager.cpp, CASCADE is
	// rejected outright rather than supported, to keep the receive loop's
	// reentrancy model simple.
	FlagCascade Flag = 1 << iota
	// FlagIsQuery marks an invocation that expects a reply.
	FlagIsQuery
	// FlagP2P marks a point-to-point invocation, as opposed to an ordered
	// multicast one.
	FlagP2P
)

// Has reports whether f includes bit.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Mode names the four invocation modes of spec §4.5.
type Mode int

const (
	OrderedSend Mode = iota
	OrderedQuery
	P2PSend
	P2PQuery
)

func (m Mode) String() string {
	switch m {
	case OrderedSend:
		return "ordered_send"
	case OrderedQuery:
		return "ordered_query"
	case P2PSend:
		return "p2p_send"
	case P2PQuery:
		return "p2p_query"
	default:
		return "unknown"
	}
}

func (m Mode) flags() Flag {
	var f Flag
	if m == P2PSend || m == P2PQuery {
		f |= FlagP2P
	}
	if m == OrderedQuery || m == P2PQuery {
		f |= FlagIsQuery
	}
	return f
}

// Header is the wire header prefixing every RPC payload, per spec §4.5.
type Header struct {
	ClassID     uint32
	SubgroupID  uint32
	FunctionID  uint32
	IsReply     bool
	Flags       Flag
	SenderID    uint32
	PayloadLen  uint32
	InvocationID uint64 // correlates a query's request and reply
}

// NewRequestHeader builds the header for a fresh invocation. invocationID
// must be unique per (sender, in-flight request) so PendingResult can
// match the eventual reply.
func NewRequestHeader(mode Mode, classID, subgroupID, functionID, senderID uint32, invocationID uint64, payloadLen uint32) (Header, error) {
	flags := mode.flags()
	if flags.Has(FlagCascade) {
		return Header{}, ErrCascadeRejected
	}
	return Header{
		ClassID:      classID,
		SubgroupID:   subgroupID,
		FunctionID:   functionID,
		IsReply:      false,
		Flags:        flags,
		SenderID:     senderID,
		PayloadLen:   payloadLen,
		InvocationID: invocationID,
	}, nil
}

// ReplyHeader builds the header for the reply to req.
func ReplyHeader(req Header, senderID uint32, payloadLen uint32) Header {
	return Header{
		ClassID:      req.ClassID,
		SubgroupID:   req.SubgroupID,
		FunctionID:   req.FunctionID,
		IsReply:      true,
		Flags:        req.Flags,
		SenderID:     senderID,
		PayloadLen:   payloadLen,
		InvocationID: req.InvocationID,
	}
}

// ErrCascadeRejected is returned when a header carries FlagCascade: an RPC
// handler tried to issue another ordered invocation from within its own
// dispatch, which this runtime does not support, per
// original_source/src/core/rpc_manager.cpp.
var ErrCascadeRejected = fmt.Errorf("rpc: cascading invocation from within a handler is rejected")
