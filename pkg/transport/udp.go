package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Endpoint is a peer's UDP address as the engine tracks it.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool { return e.Host == "" || e.Port == 0 }

// IP parses the host part; nil when it is a name rather than an address.
func (e Endpoint) IP() net.IP { return net.ParseIP(e.Host) }

// EndpointFromUDPAddr converts a socket address.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{Host: addr.IP.String(), Port: addr.Port}
}

// SendErrorKind classifies a failed datagram send so the routing
// engine can pick the SIP status to synthesize.
type SendErrorKind int

const (
	// SendErrorOther covers every OS error that is not a reachability
	// failure.
	SendErrorOther SendErrorKind = iota
	// SendErrorUnreachable covers host-unreachable, network-unreachable
	// and no-route errors.
	SendErrorUnreachable
)

// SendError carries the classified OS error from a datagram send.
type SendError struct {
	Kind SendErrorKind
	Addr Endpoint
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Addr, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Handler receives each inbound datagram with its source endpoint.
type Handler func(payload []byte, peer Endpoint)

// UDPTransport frames datagrams on a single UDP socket. It never
// parses; payload interpretation belongs to the caller.
type UDPTransport struct {
	conn   *net.UDPConn
	logger *logrus.Logger

	// The socket is single-writer; concurrent senders funnel here.
	sendMu sync.Mutex
}

// NewUDP binds the proxy socket. A bind failure is fatal to startup.
func NewUDP(host string, port int, logger *logrus.Logger) (*UDPTransport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	logger.WithField("addr", conn.LocalAddr().String()).Info("UDP transport listening")
	return &UDPTransport{conn: conn, logger: logger}, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Serve runs the receive loop until ctx is cancelled or the socket is
// closed. Datagrams are dispatched in arrival order; the handler must
// not block on anything slower than a datagram send.
func (t *UDPTransport) Serve(ctx context.Context, handler Handler) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.WithError(err).WithField("event", "NETWORK").Error("UDP read failed")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, EndpointFromUDPAddr(addr))
	}
}

// Send writes one datagram. Errors come back classified as *SendError.
func (t *UDPTransport) Send(payload []byte, peer Endpoint) error {
	addr := &net.UDPAddr{IP: peer.IP(), Port: peer.Port}
	if addr.IP == nil {
		resolved, err := net.ResolveUDPAddr("udp", peer.String())
		if err != nil {
			return &SendError{Kind: SendErrorOther, Addr: peer, Err: err}
		}
		addr = resolved
	}

	t.sendMu.Lock()
	_, err := t.conn.WriteToUDP(payload, addr)
	t.sendMu.Unlock()
	if err == nil {
		return nil
	}
	return &SendError{Kind: classify(err), Addr: peer, Err: err}
}

// Close releases the socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

func classify(err error) SendErrorKind {
	if errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTDOWN) {
		return SendErrorUnreachable
	}
	return SendErrorOther
}
