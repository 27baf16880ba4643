// Package examples provides the two toy replicated types of
// original_source/applications/demos/simple_replicated_objects.cpp (Foo
// and, persisted, a Bar-style append-only log here named PersistentCons)
// as test fixtures for driving a Group end to end. Neither type is part
// of the library's public surface; application code defines its own
// replicated types the same way these do.
package examples

import (
	"bytes"
	"context"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"

	"vsync/pkg/vsync"
	"vsync/pkg/vsync/rpc"
)

// Foo is the simplest possible replicated object: one int, changed by
// ChangeState and read by ReadState, exactly as in the original's Foo.
type Foo struct {
	mu    sync.Mutex
	state int
}

// FooFunctionID names the two RPC entry points bound on a Foo's subgroup.
const (
	FooChangeState uint32 = 1
	FooReadState   uint32 = 2
)

// NewFoo returns a Foo whose initial state matches the original's
// foo_factory, which always constructs Foo(-1).
func NewFoo() *Foo { return &Foo{state: -1} }

// ChangeState sets the state to newState and reports whether it actually
// changed, mirroring the original's bool return value.
func (f *Foo) ChangeState(newState int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.state != newState
	f.state = newState
	return changed
}

// ReadState returns the current state.
func (f *Foo) ReadState() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Bind registers Foo's handlers on sg, so ordered and P2P calls addressed
// to FooChangeState/FooReadState reach this instance.
func (f *Foo) Bind(sg *vsync.Subgroup) {
	sg.RegisterHandler(FooChangeState, func(ctx context.Context, hdr rpc.Header, payload []byte) ([]byte, error) {
		var newState int
		if err := decode(payload, &newState); err != nil {
			return nil, err
		}
		return encode(f.ChangeState(newState))
	})
	sg.RegisterHandler(FooReadState, func(ctx context.Context, hdr rpc.Header, payload []byte) ([]byte, error) {
		return encode(f.ReadState())
	})
}

// CallChangeState issues an ordered_query<change_state> the way the
// original's node 1 does, and returns the per-member reply map decoded
// back into bools.
func CallChangeState(ctx context.Context, sg *vsync.Subgroup, newState int) (map[uint32]bool, error) {
	payload, err := encode(newState)
	if err != nil {
		return nil, err
	}
	raw, err := sg.OrderedQuery(ctx, FooChangeState, payload)
	if err != nil {
		return nil, err
	}
	return decodeReplyMap[bool](raw)
}

// CallReadState issues an ordered_query<read_state>, mirroring the
// original's node 2 reading every member's view of Foo's state.
func CallReadState(ctx context.Context, sg *vsync.Subgroup) (map[uint32]int, error) {
	raw, err := sg.OrderedQuery(ctx, FooReadState, nil)
	if err != nil {
		return nil, err
	}
	return decodeReplyMap[int](raw)
}

// DecodeReadStateReply decodes the raw payload a FooReadState reply
// carries, for callers that went through P2PQuery and so only have the
// single raw []byte rather than a reply map CallReadState would have
// decoded for them.
func DecodeReadStateReply(payload []byte) (int, error) {
	var v int
	err := decode(payload, &v)
	return v, err
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(raw), &codec.MsgpackHandle{})
	return dec.Decode(v)
}

func decodeReplyMap[T any](raw map[uint32]rpc.Outcome) (map[uint32]T, error) {
	out := make(map[uint32]T, len(raw))
	for sender, outcome := range raw {
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		var v T
		if err := decode(outcome.Payload, &v); err != nil {
			return nil, err
		}
		out[sender] = v
	}
	return out, nil
}
