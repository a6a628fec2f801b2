// Package network owns the raw UDP socket the sensor streams into and the
// cancellation-aware receive primitive the ingestion loop is built on.
package network

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/timeutil"
)

// ReceiveBufferSize is the per-datagram working buffer size. Compact
// telegrams can span multiple datagrams; individual datagrams never exceed
// this.
const ReceiveBufferSize = 64 * 1024

// pollInterval is the deadline slice used to keep blocking receives
// responsive to ForceStop. Cancellation latency is bounded by this value.
const defaultPollInterval = 100 * time.Millisecond

// Receiver reads sensor datagrams from a UDP socket. Receive supports both
// bounded-timeout and blocking waits; ForceStop cooperatively cancels one
// pending wait without disturbing the socket, so the loop can observe its
// running flag and exit cleanly.
type Receiver struct {
	socket       UDPSocket
	clock        timeutil.Clock
	pollInterval time.Duration
	stopRequest  atomic.Bool
}

// NewReceiver wraps an already-open socket. Used directly by tests; Open is
// the production entry point.
func NewReceiver(socket UDPSocket, clock timeutil.Clock) *Receiver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Receiver{
		socket:       socket,
		clock:        clock,
		pollInterval: defaultPollInterval,
	}
}

// Open binds a UDP socket on the given port and wraps it in a Receiver.
// An empty host binds all interfaces, which is how the sensor's unicast
// stream is normally received.
func Open(host string, port int, rcvBuf int) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}
	socket := NewRealUDPSocket(conn)
	if rcvBuf > 0 {
		if err := socket.SetReadBuffer(rcvBuf); err != nil {
			// Non-fatal; the kernel default still works, just drops sooner.
			monitoring.Logf("Warning: failed to set UDP receive buffer to %d: %v", rcvBuf, err)
		}
	}
	return NewReceiver(socket, timeutil.RealClock{}), nil
}

// Receive waits for one datagram and copies it into buf, returning the byte
// count. With timeout >= 0 it returns (0, nil) once the timeout expires with
// nothing received. With timeout < 0 it blocks until a datagram arrives or
// ForceStop cancels the wait, in which case it returns (0, nil).
//
// The wait is implemented by slicing the socket deadline at pollInterval so a
// concurrent ForceStop is observed promptly even mid-wait.
func (r *Receiver) Receive(buf []byte, timeout time.Duration) (int, error) {
	start := r.clock.Now()
	for {
		if r.stopRequest.CompareAndSwap(true, false) {
			// Consume exactly one cancellation request.
			return 0, nil
		}

		slice := r.pollInterval
		if timeout >= 0 {
			remaining := timeout - r.clock.Since(start)
			if remaining <= 0 {
				return 0, nil
			}
			if remaining < slice {
				slice = remaining
			}
		}
		if err := r.socket.SetReadDeadline(r.clock.Now().Add(slice)); err != nil {
			return 0, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, _, err := r.socket.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

// ForceStop cancels one pending (or the next) Receive. Safe to call
// concurrently with an in-flight receive; the socket remains usable.
func (r *Receiver) ForceStop() {
	r.stopRequest.Store(true)
}

// Close releases the socket.
func (r *Receiver) Close() error {
	return r.socket.Close()
}

// LocalAddr returns the bound address, mainly for logging.
func (r *Receiver) LocalAddr() net.Addr {
	return r.socket.LocalAddr()
}
