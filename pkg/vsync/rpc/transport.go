package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// ErrTransportShutdown is returned by in-flight sends once Close has been
// called.
var ErrTransportShutdown = errors.New("rpc: transport shutdown")

// StreamLayer abstracts the byte-stream provider under NetworkTransport,
// the same seam as the teacher's tcp_transport.go, so a different
// carrier (TLS, in-memory pipes for tests) can be substituted.
type StreamLayer interface {
	Dial(address string, timeout time.Duration) (net.Conn, error)
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// NetworkTransport ships Header+payload frames over a StreamLayer,
// decoding and handing every inbound frame to a Dispatcher, and pooling
// outbound connections per target address. Generalized from the
// teacher's net_transport.go, which hardcoded three RPC kinds
// (GMCast/Compute/Gather); this version carries one generic (Header,
// payload) frame since the header itself now carries the class/function
// routing per spec §4.5.
type NetworkTransport struct {
	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	replyTargets map[uint64]replyTarget

	dispatcher *Dispatcher
	log        hclog.Logger
	maxPool    int
	stream     StreamLayer
	timeout    time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

type netConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func (n *netConn) Release() error { return n.conn.Close() }

// NewNetworkTransport wires stream to dispatcher: every decoded frame is
// handed to dispatcher.Deliver, and dispatcher.ReplySender is set to ship
// replies back out over this transport's connection pool.
func NewNetworkTransport(stream StreamLayer, dispatcher *Dispatcher, maxPool int, timeout time.Duration, log hclog.Logger) *NetworkTransport {
	t := &NetworkTransport{
		connPool:     make(map[string][]*netConn),
		replyTargets: make(map[uint64]replyTarget),
		dispatcher:   dispatcher,
		log:        log,
		maxPool:    maxPool,
		stream:     stream,
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
	}
	dispatcher.ReplySender = t.sendReplyOnLastConn
	go t.listen()
	return t
}

func (t *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second
	var loopDelay time.Duration

	for {
		conn, err := t.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			if !t.IsShutdown() {
				t.log.Error("failed to accept connection", "error", err)
			}
			select {
			case <-t.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0
		go t.handleConn(conn)
	}
}

func (t *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	enc := codec.NewEncoder(w, &codec.MsgpackHandle{})

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		var hdr Header
		if err := dec.Decode(&hdr); err != nil {
			if err != io.EOF {
				t.log.Error("failed to decode header", "error", err)
			}
			return
		}
		payload := make([]byte, hdr.PayloadLen)
		if hdr.PayloadLen > 0 {
			if err := dec.Decode(&payload); err != nil {
				t.log.Error("failed to decode payload", "error", err)
				return
			}
		}

		t.rememberReplyConn(hdr, conn, r, w, dec, enc)

		if err := t.dispatcher.Deliver(hdr, payload); err != nil {
			if err == ErrCascadeRejected {
				t.log.Error("rejected cascade frame, closing connection", "error", err)
				return
			}
			t.log.Warn("dropped inbound frame", "error", err)
		}
	}
}

// replyTarget is the connection a query arrived on; replyTargets keeps one
// per invocation id so the eventual reply can be written back on the same socket rather
// than needing a fresh outbound dial — the same shape as the teacher's
// respCh-per-RPC pattern in handleCommand, adapted since this transport
// is asynchronous rather than one-request-per-call.
type replyTarget struct {
	enc *codec.Encoder
	w   *bufio.Writer
}

func (t *NetworkTransport) rememberReplyConn(hdr Header, conn net.Conn, r *bufio.Reader, w *bufio.Writer, dec *codec.Decoder, enc *codec.Encoder) {
	if hdr.IsReply || !hdr.Flags.Has(FlagIsQuery) {
		return
	}
	t.connPoolLock.Lock()
	t.replyTargets[hdr.InvocationID] = replyTarget{enc: enc, w: w}
	t.connPoolLock.Unlock()
}

func (t *NetworkTransport) sendReplyOnLastConn(hdr Header, payload []byte) {
	t.connPoolLock.Lock()
	target, ok := t.replyTargets[hdr.InvocationID]
	if ok {
		delete(t.replyTargets, hdr.InvocationID)
	}
	t.connPoolLock.Unlock()
	if !ok {
		t.log.Warn("no known reply target for invocation", "invocation", hdr.InvocationID)
		return
	}
	if err := target.enc.Encode(&hdr); err != nil {
		t.log.Error("failed to encode reply header", "error", err)
		return
	}
	if hdr.PayloadLen > 0 {
		if err := target.enc.Encode(&payload); err != nil {
			t.log.Error("failed to encode reply payload", "error", err)
			return
		}
	}
	if err := target.w.Flush(); err != nil {
		t.log.Error("failed to flush reply", "error", err)
	}
}

// Send ships hdr+payload to target, reusing a pooled connection when one
// is available.
func (t *NetworkTransport) Send(ctx context.Context, target string, hdr Header, payload []byte) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}
	if t.timeout > 0 {
		_ = conn.conn.SetDeadline(time.Now().Add(t.timeout))
	}
	if err := conn.enc.Encode(&hdr); err != nil {
		conn.Release()
		return fmt.Errorf("rpc: failed to encode header: %w", err)
	}
	if hdr.PayloadLen > 0 {
		if err := conn.enc.Encode(&payload); err != nil {
			conn.Release()
			return fmt.Errorf("rpc: failed to encode payload: %w", err)
		}
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return fmt.Errorf("rpc: failed to flush: %w", err)
	}
	t.returnConn(conn)
	return nil
}

func (t *NetworkTransport) getConn(target string) (*netConn, error) {
	if conn := t.getPooledConn(target); conn != nil {
		return conn, nil
	}
	conn, err := t.stream.Dial(target, t.timeout)
	if err != nil {
		return nil, err
	}
	nc := &netConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}
	nc.dec = codec.NewDecoder(nc.r, &codec.MsgpackHandle{})
	nc.enc = codec.NewEncoder(nc.w, &codec.MsgpackHandle{})
	return nc, nil
}

func (t *NetworkTransport) getPooledConn(target string) *netConn {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	conns, ok := t.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}
	size := len(conns)
	conn := conns[size-1]
	t.connPool[target] = conns[:size-1]
	return conn
}

func (t *NetworkTransport) returnConn(conn *netConn) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	if t.IsShutdown() {
		conn.Release()
		return
	}
	conns := t.connPool[conn.target]
	if len(conns) >= t.maxPool {
		conn.Release()
		return
	}
	t.connPool[conn.target] = append(conns, conn)
}

// IsShutdown reports whether Close has been called.
func (t *NetworkTransport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// LocalAddr returns the address this transport is listening on.
func (t *NetworkTransport) LocalAddr() net.Addr { return t.stream.Addr() }

// Close shuts the transport down, closing every pooled connection and the
// listener.
func (t *NetworkTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	if t.shutdown {
		return nil
	}
	close(t.shutdownCh)
	t.connPoolLock.Lock()
	for _, conns := range t.connPool {
		for _, c := range conns {
			c.Release()
		}
	}
	t.connPoolLock.Unlock()
	t.shutdown = true
	return t.stream.Close()
}
