// Package sopas sequences the control-channel commands that start and stop
// the sensor's UDP stream. The driver only depends on the Client interface;
// the telegram grammar lives behind it.
package sopas

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Client is the control-channel collaborator contract. Calls may block up to
// the configured timeouts and are sequenced by the connection lifecycle
// controller; they are not safe for concurrent use.
type Client interface {
	// Connect opens the control channel to the sensor.
	Connect(host string, port int) error

	// Authorize raises the access level required for the streaming commands.
	Authorize() error

	// StartStream configures the scan data target (driver host/port), wire
	// format, and IMU stream, then starts measurement.
	StartStream(host string, port int, formatID int, imuEnabled bool, imuPort int) error

	// StopStream disables the scan data stream (and the IMU stream when it
	// was enabled).
	StopStream(imuEnabled bool) error

	// Connected reports whether the channel is open and has not failed.
	Connected() bool

	// Close tears the channel down.
	Close() error
}

// Telegram delimiters. CoLa-A wraps commands in STX/ETX; CoLa-B uses the
// four-byte start sequence, a big-endian length, and an XOR checksum.
const (
	colaSTX = 0x02
	colaETX = 0x03
)

var colaBStart = []byte{0x02, 0x02, 0x02, 0x02}

const defaultDialTimeout = 5 * time.Second

// ColaClient implements Client over TCP using either CoLa-A (ASCII) or
// CoLa-B (binary) telegram framing, selected at construction.
type ColaClient struct {
	binary      bool
	readTimeout time.Duration
	dialTimeout time.Duration

	conn      net.Conn
	reader    *bufio.Reader
	connected atomic.Bool
}

// NewColaClient creates a control-channel client. binary selects CoLa-B
// framing; readTimeout bounds each response read.
func NewColaClient(binary bool, readTimeout time.Duration) *ColaClient {
	return &ColaClient{
		binary:      binary,
		readTimeout: readTimeout,
		dialTimeout: defaultDialTimeout,
	}
}

// Connect dials the sensor's control port.
func (c *ColaClient) Connect(host string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), c.dialTimeout)
	if err != nil {
		return fmt.Errorf("sopas connect to %s:%d failed: %w", host, port, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected.Store(true)
	return nil
}

// Connected reports whether the channel is usable.
func (c *ColaClient) Connected() bool {
	return c.connected.Load()
}

// Close shuts the channel down.
func (c *ColaClient) Close() error {
	c.connected.Store(false)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Authorize sends the access-mode command unlocking the streaming settings.
func (c *ColaClient) Authorize() error {
	return c.request("sMN SetAccessMode 3 F4724744", "sAN SetAccessMode")
}

// StartStream sends the documented start sequence: scan data format and
// preformatting, Ethernet output target, optional IMU target, stream enable,
// measurement start, and run.
func (c *ColaClient) StartStream(host string, port int, formatID int, imuEnabled bool, imuPort int) error {
	octets, err := ipOctets(host)
	if err != nil {
		return err
	}

	seq := []struct{ cmd, expect string }{
		{fmt.Sprintf("sWN ScanDataFormat %d", formatID), "sWA ScanDataFormat"},
		{"sWN ScanDataPreformatting 1", "sWA ScanDataPreformatting"},
		{fmt.Sprintf("sWN ScanDataEthSettings 1 %d %d %d %d %d", octets[0], octets[1], octets[2], octets[3], port), "sWA ScanDataEthSettings"},
	}
	if imuEnabled {
		seq = append(seq,
			struct{ cmd, expect string }{fmt.Sprintf("sWN ImuDataEthSettings 1 %d %d %d %d %d", octets[0], octets[1], octets[2], octets[3], imuPort), "sWA ImuDataEthSettings"},
			struct{ cmd, expect string }{"sWN ImuDataEnable 1", "sWA ImuDataEnable"},
		)
	}
	seq = append(seq,
		struct{ cmd, expect string }{"sWN ScanDataEnable 1", "sWA ScanDataEnable"},
		struct{ cmd, expect string }{"sMN LMCstartmeas", "sAN LMCstartmeas"},
		struct{ cmd, expect string }{"sMN Run", "sAN Run"},
	)

	for _, s := range seq {
		if err := c.request(s.cmd, s.expect); err != nil {
			return err
		}
	}
	return nil
}

// StopStream disables the scan data stream and, when enabled, the IMU stream.
func (c *ColaClient) StopStream(imuEnabled bool) error {
	if err := c.request("sWN ScanDataEnable 0", "sWA ScanDataEnable"); err != nil {
		return err
	}
	if imuEnabled {
		if err := c.request("sWN ImuDataEnable 0", "sWA ImuDataEnable"); err != nil {
			return err
		}
	}
	return nil
}

// request sends one command telegram and verifies the response contains the
// expected acknowledgement. Any transport error marks the channel failed.
func (c *ColaClient) request(cmd, expect string) error {
	if !c.connected.Load() || c.conn == nil {
		return fmt.Errorf("sopas request %q on closed channel", cmd)
	}

	if err := c.send(cmd); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("sopas send %q failed: %w", cmd, err)
	}
	resp, err := c.readTelegram()
	if err != nil {
		c.connected.Store(false)
		return fmt.Errorf("sopas response to %q failed: %w", cmd, err)
	}
	if !bytes.Contains(resp, []byte(expect)) {
		return fmt.Errorf("sopas unexpected response to %q: %q (want %q)", cmd, resp, expect)
	}
	return nil
}

func (c *ColaClient) send(cmd string) error {
	payload := []byte(cmd)
	var telegram []byte
	if c.binary {
		telegram = make([]byte, 0, len(colaBStart)+4+len(payload)+1)
		telegram = append(telegram, colaBStart...)
		telegram = binary.BigEndian.AppendUint32(telegram, uint32(len(payload)))
		telegram = append(telegram, payload...)
		telegram = append(telegram, xorChecksum(payload))
	} else {
		telegram = make([]byte, 0, len(payload)+2)
		telegram = append(telegram, colaSTX)
		telegram = append(telegram, payload...)
		telegram = append(telegram, colaETX)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(telegram)
	return err
}

// readTelegram reads one response payload, stripping the framing.
func (c *ColaClient) readTelegram() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, err
	}

	if c.binary {
		header := make([]byte, len(colaBStart)+4)
		if _, err := io.ReadFull(c.reader, header); err != nil {
			return nil, err
		}
		if !bytes.Equal(header[:len(colaBStart)], colaBStart) {
			return nil, fmt.Errorf("bad CoLa-B start sequence % x", header[:len(colaBStart)])
		}
		length := binary.BigEndian.Uint32(header[len(colaBStart):])
		if length > 1<<16 {
			return nil, fmt.Errorf("implausible CoLa-B telegram length %d", length)
		}
		body := make([]byte, int(length)+1) // payload + checksum
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		payload := body[:length]
		if cs := xorChecksum(payload); cs != body[length] {
			return nil, fmt.Errorf("CoLa-B checksum mismatch (got 0x%02x want 0x%02x)", body[length], cs)
		}
		return payload, nil
	}

	// CoLa-A: STX ... ETX
	if _, err := c.reader.ReadBytes(colaSTX); err != nil {
		return nil, err
	}
	payload, err := c.reader.ReadBytes(colaETX)
	if err != nil {
		return nil, err
	}
	return payload[:len(payload)-1], nil
}

func xorChecksum(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs ^= b
	}
	return cs
}

func ipOctets(host string) ([4]byte, error) {
	var octets [4]byte
	ip := net.ParseIP(host)
	if ip != nil {
		ip = ip.To4()
	}
	if ip == nil {
		// The driver hostname may be a name rather than a literal.
		addrs, err := net.LookupIP(host)
		if err != nil {
			return octets, fmt.Errorf("cannot resolve driver host %q: %w", host, err)
		}
		for _, a := range addrs {
			if v4 := a.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return octets, fmt.Errorf("driver host %q has no IPv4 address", host)
		}
	}
	copy(octets[:], ip)
	return octets, nil
}
