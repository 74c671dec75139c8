package transport

import (
	"net"
	"time"
)

// StreamLayer provides the low level stream abstraction under the network
// transport, so plain TCP can be swapped for TLS or an in-process pipe.
type StreamLayer interface {
	net.Listener

	// Dial creates a new outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer over plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// NewTCPStreamLayer binds a TCP listener on bindAddr.
func NewTCPStreamLayer(bindAddr string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &TCPStreamLayer{listener: list.(*net.TCPListener)}, nil
}

func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}
