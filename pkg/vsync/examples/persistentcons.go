package examples

import (
	"context"
	"strings"
	"sync"

	"vsync/pkg/vsync"
	"vsync/pkg/vsync/rpc"
)

// PersistentCons is an append-only log of strings, the persisted
// counterpart of the original's Bar (append/print/clear): every Append
// is recorded through the owning Subgroup's persistence hook as a new
// version, so a late joiner's state transfer and ReadByTime queries have
// something to replay.
type PersistentCons struct {
	mu      sync.Mutex
	entries []string
}

// PersistentConsFunctionID names the three RPC entry points bound on a
// PersistentCons's subgroup.
const (
	ConsAppend uint32 = 1
	ConsPrint  uint32 = 2
	ConsClear  uint32 = 3
)

// NewPersistentCons returns an empty log.
func NewPersistentCons() *PersistentCons { return &PersistentCons{} }

// Append adds entry to the log and returns its new version number (the
// log's length after the append), for the caller to pass to
// Subgroup.PersistVersion.
func (p *PersistentCons) Append(entry string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return int64(len(p.entries))
}

// Print renders every entry newline-joined, mirroring the original's
// print RPC.
func (p *PersistentCons) Print() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.entries, "\n")
}

// Clear empties the log and returns the version number of the cleared
// state (0 entries).
func (p *PersistentCons) Clear() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
	return 0
}

// Bind registers PersistentCons's handlers on sg and wires every mutating
// call through sg.PersistVersion, so the shard's delivered history is
// durably recorded as it happens rather than only on demand.
func (p *PersistentCons) Bind(sg *vsync.Subgroup) {
	sg.RegisterHandler(ConsAppend, func(ctx context.Context, hdr rpc.Header, payload []byte) ([]byte, error) {
		var entry string
		if err := decode(payload, &entry); err != nil {
			return nil, err
		}
		version := p.Append(entry)
		snapshot, err := encode(p.Print())
		if err != nil {
			return nil, err
		}
		if err := sg.PersistVersion(version, snapshot); err != nil {
			return nil, err
		}
		return nil, nil
	})
	sg.RegisterHandler(ConsPrint, func(ctx context.Context, hdr rpc.Header, payload []byte) ([]byte, error) {
		return encode(p.Print())
	})
	sg.RegisterHandler(ConsClear, func(ctx context.Context, hdr rpc.Header, payload []byte) ([]byte, error) {
		version := p.Clear()
		if err := sg.PersistVersion(version, nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// CallAppend issues an ordered_send<append>, mirroring the original's
// "Write from N..." calls.
func CallAppend(sg *vsync.Subgroup, entry string) error {
	payload, err := encode(entry)
	if err != nil {
		return err
	}
	return sg.OrderedSend(ConsAppend, payload)
}

// CallPrint issues an ordered_query<print> and decodes every member's
// reply back into a string.
func CallPrint(ctx context.Context, sg *vsync.Subgroup) (map[uint32]string, error) {
	raw, err := sg.OrderedQuery(ctx, ConsPrint, nil)
	if err != nil {
		return nil, err
	}
	return decodeReplyMap[string](raw)
}

// CallClear issues an ordered_send<clear>.
func CallClear(sg *vsync.Subgroup) error {
	return sg.OrderedSend(ConsClear, nil)
}
