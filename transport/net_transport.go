package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/sirupsen/logrus"
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it has been closed.
var ErrTransportShutdown = errors.New("transport shutdown")

// DefaultMaxPool is the number of idle outbound connections kept per peer.
const DefaultMaxPool = 3

// Transport delivers wire messages to and from peers. Implementations are
// the TCP NetworkTransport and the in-memory Hub used in tests.
type Transport interface {
	// Send delivers a message to one peer address.
	Send(target string, msgType uint8, payload []byte) error
	// Receive is the stream of inbound messages.
	Receive() <-chan Inbound
	// LocalAddr is the address peers reach this transport at.
	LocalAddr() string
	Close() error
}

// netConn is a pooled outbound connection. Connections are used in one
// direction only; the remote side attributes traffic via the envelope.
type netConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

func (c *netConn) release() error {
	return c.conn.Close()
}

// NetworkTransport is a stream-based transport. Each message is framed as
// a type byte followed by a msgpack envelope. Outbound connections are
// pooled per target and reused across sends.
type NetworkTransport struct {
	localID string

	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	maxPool      int

	inCh chan Inbound

	stream  StreamLayer
	timeout time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	log *logrus.Entry
}

// NewNetworkTransport starts a transport on an existing stream layer and
// begins accepting connections. localID is stamped on every outbound
// envelope.
func NewNetworkTransport(localID string, stream StreamLayer, timeout time.Duration, maxPool int, logger *logrus.Logger) *NetworkTransport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxPool <= 0 {
		maxPool = DefaultMaxPool
	}
	t := &NetworkTransport{
		localID:    localID,
		connPool:   make(map[string][]*netConn),
		maxPool:    maxPool,
		inCh:       make(chan Inbound, 1024),
		stream:     stream,
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
		log:        logger.WithField("module", "transport"),
	}
	go t.listen()
	return t
}

// NewTCPTransport binds bindAddr and returns a transport over plain TCP.
func NewTCPTransport(localID, bindAddr string, timeout time.Duration, maxPool int, logger *logrus.Logger) (*NetworkTransport, error) {
	stream, err := NewTCPStreamLayer(bindAddr)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(localID, stream, timeout, maxPool, logger), nil
}

func (t *NetworkTransport) Receive() <-chan Inbound {
	return t.inCh
}

func (t *NetworkTransport) LocalAddr() string {
	return t.stream.Addr().String()
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

// Close stops the listener and drops pooled connections.
func (t *NetworkTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)
	t.stream.Close()

	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	for _, conns := range t.connPool {
		for _, c := range conns {
			c.release()
		}
	}
	t.connPool = make(map[string][]*netConn)
	return nil
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
			if t.IsShutdown() {
				return
			}
			t.log.WithError(err).Error("failed to accept connection")
			select {
			case <-t.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		t.log.WithField("remote", conn.RemoteAddr().String()).Debug("accepted connection")
		go t.handleConn(conn)
	}
}

// handleConn serves one inbound connection for its lifespan.
func (t *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, msgpackHandle)

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		if err := t.handleMsg(r, dec); err != nil {
			if err != io.EOF && !t.IsShutdown() {
				t.log.WithError(err).Error("failed to decode inbound message")
			}
			return
		}
	}
}

func (t *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	msgType, err := r.ReadByte()
	if err != nil {
		return err
	}
	if msgType < TypeProposal || msgType > TypeBlockResponse {
		return ErrUnknownType
	}

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return err
	}

	select {
	case t.inCh <- Inbound{From: env.From, Type: msgType, Payload: env.Payload}:
	case <-t.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// Send frames and delivers one message to target, reusing a pooled
// connection when one is idle.
func (t *NetworkTransport) Send(target string, msgType uint8, payload []byte) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}
	if err := t.writeMsg(conn, msgType, payload); err != nil {
		conn.release()
		return err
	}
	return t.returnConn(conn)
}

func (t *NetworkTransport) writeMsg(conn *netConn, msgType uint8, payload []byte) error {
	if t.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	if err := conn.w.WriteByte(msgType); err != nil {
		return err
	}
	if err := conn.enc.Encode(Envelope{From: t.localID, Payload: payload}); err != nil {
		return err
	}
	return conn.w.Flush()
}

func (t *NetworkTransport) getConn(target string) (*netConn, error) {
	t.connPoolLock.Lock()
	conns := t.connPool[target]
	if n := len(conns); n > 0 {
		var c *netConn
		c, conns[n-1] = conns[n-1], nil
		t.connPool[target] = conns[:n-1]
		t.connPoolLock.Unlock()
		return c, nil
	}
	t.connPoolLock.Unlock()
	return t.dialConn(target)
}

func (t *NetworkTransport) dialConn(target string) (*netConn, error) {
	conn, err := t.stream.Dial(target, t.timeout)
	if err != nil {
		return nil, err
	}
	c := &netConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	c.enc = codec.NewEncoder(c.w, msgpackHandle)
	return c, nil
}

func (t *NetworkTransport) returnConn(c *netConn) error {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	conns := t.connPool[c.target]
	if !t.IsShutdown() && len(conns) < t.maxPool {
		t.connPool[c.target] = append(conns, c)
		return nil
	}
	return c.release()
}
