package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations the receiver depends on.
// The abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP datagram from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// RealUDPSocket wraps *net.UDPConn to implement UDPSocket.
type RealUDPSocket struct {
	conn *net.UDPConn
}

// NewRealUDPSocket wraps an existing *net.UDPConn.
func NewRealUDPSocket(conn *net.UDPConn) *RealUDPSocket {
	return &RealUDPSocket{conn: conn}
}

func (r *RealUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return r.conn.ReadFromUDP(b)
}

func (r *RealUDPSocket) SetReadBuffer(bytes int) error {
	return r.conn.SetReadBuffer(bytes)
}

func (r *RealUDPSocket) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

func (r *RealUDPSocket) Close() error {
	return r.conn.Close()
}

func (r *RealUDPSocket) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// MockUDPSocket implements UDPSocket for testing. Datagrams queued via
// Enqueue are returned one per ReadFromUDP call; when the queue is empty the
// read reports a timeout, which is what a deadline-sliced receiver expects.
type MockUDPSocket struct {
	mu        sync.Mutex
	datagrams [][]byte
	closed    bool

	// ReadBufferSize holds the value set by SetReadBuffer.
	ReadBufferSize int
	// ReadError is returned on the next ReadFromUDP call if set.
	ReadError error
}

// NewMockUDPSocket creates a MockUDPSocket preloaded with the given datagrams.
func NewMockUDPSocket(datagrams ...[]byte) *MockUDPSocket {
	m := &MockUDPSocket{}
	m.datagrams = append(m.datagrams, datagrams...)
	return m
}

// Enqueue appends a datagram to be returned by a later ReadFromUDP.
func (m *MockUDPSocket) Enqueue(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datagrams = append(m.datagrams, data)
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	}
	if len(m.datagrams) == 0 {
		// Simulate deadline expiry when nothing is queued.
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	data := m.datagrams[0]
	m.datagrams = m.datagrams[1:]
	n := copy(b, data)
	return n, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2115}, nil
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadBufferSize = bytes
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2115}
}

// Pending returns the number of queued datagrams.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.datagrams)
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
