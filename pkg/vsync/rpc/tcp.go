package rpc

import (
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrNotAdvertiseAddress and ErrNotTCP mirror the teacher's
// tcp_transport.go checks: a transport must bind to a concrete,
// advertisable address.
var (
	ErrNotAdvertiseAddress = errors.New("rpc: local bind address not advertised")
	ErrNotTCP              = errors.New("rpc: local address is not TCP")
)

// TCPStreamLayer implements StreamLayer over plain TCP.
type TCPStreamLayer struct {
	advertise net.Addr
	listener  *net.TCPListener
}

// NewTCPTransport listens on bindAddr and returns a NetworkTransport
// wired to dispatcher, built on top of a TCPStreamLayer.
func NewTCPTransport(bindAddr string, advertise net.Addr, dispatcher *Dispatcher, maxPool int, timeout time.Duration, log hclog.Logger) (*NetworkTransport, error) {
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	tcpLis, ok := lis.(*net.TCPListener)
	if !ok {
		lis.Close()
		return nil, ErrNotTCP
	}
	stream := &TCPStreamLayer{advertise: advertise, listener: tcpLis}

	addr, ok := stream.Addr().(*net.TCPAddr)
	if !ok {
		lis.Close()
		return nil, ErrNotTCP
	}
	if addr.IP.IsUnspecified() {
		lis.Close()
		return nil, ErrNotAdvertiseAddress
	}

	return NewNetworkTransport(stream, dispatcher, maxPool, timeout, log), nil
}

// Dial implements StreamLayer.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements StreamLayer.
func (t *TCPStreamLayer) Accept() (net.Conn, error) { return t.listener.Accept() }

// Close implements StreamLayer.
func (t *TCPStreamLayer) Close() error { return t.listener.Close() }

// Addr implements StreamLayer.
func (t *TCPStreamLayer) Addr() net.Addr {
	if t.advertise != nil {
		return t.advertise
	}
	return t.listener.Addr()
}
