// Package demux resynchronizes the sensor's datagram stream into validated
// telegram payloads. It detects the resync marker, determines payload length
// per the configured wire encoding (self-declared for msgpack, probed for
// compact), accumulates fragmented compact telegrams across datagrams, and
// verifies the trailing CRC32 before anything reaches the segment decoder.
//
// No per-datagram failure escapes this package: bad framing, oversized
// probes, CRC mismatches, and decode errors all end in the datagram being
// dropped and the ingestion loop moving on.
package demux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/multiscan"
	"github.com/banshee-data/multiscan.driver/internal/timeutil"
)

// Wire framing constants shared by both encodings.
const (
	// ResyncMarkerLen is the length of the datagram-level start marker.
	ResyncMarkerLen = 4

	// LengthFieldSize is the size of the msgpack payload-length field.
	LengthFieldSize = 4

	// CRCSize is the size of the trailing CRC32 field.
	CRCSize = 4

	// MsgpackHeaderSize is marker + payload length; the msgpack payload
	// starts immediately after it.
	MsgpackHeaderSize = ResyncMarkerLen + LengthFieldSize

	// MaxProbeBytes caps how large a compact telegram the probe loop will
	// accumulate. A required size beyond this indicates a corrupt length
	// field rather than a genuinely fragmented telegram.
	MaxProbeBytes = 1024 * 1024

	// chunkBufferSize matches the receiver's per-datagram buffer.
	chunkBufferSize = 64 * 1024
)

// ResyncMarker is the fixed byte pattern starting every telegram.
var ResyncMarker = []byte{0x02, 0x02, 0x02, 0x02}

// Encoding selects the wire format of the scan data stream. It is fixed by
// configuration; the demultiplexer never auto-detects.
type Encoding int

const (
	EncodingCompact Encoding = iota
	EncodingMsgpack
)

// FormatID returns the scan data format identifier used by the control
// channel start-stream command (1 = msgpack, 2 = compact).
func (e Encoding) FormatID() int {
	if e == EncodingMsgpack {
		return 1
	}
	return 2
}

func (e Encoding) String() string {
	if e == EncodingMsgpack {
		return "msgpack"
	}
	return "compact"
}

// NeedMoreDataError is returned by Decoder.Probe when the working buffer does
// not yet hold a complete telegram. Required is the total payload byte count
// the probe could determine so far (excluding the trailing CRC).
type NeedMoreDataError struct {
	Required uint32
}

func (e *NeedMoreDataError) Error() string {
	return fmt.Sprintf("incomplete telegram: %d payload bytes required", e.Required)
}

// Decoder is the segment decoder collaborator. Implementations own the
// byte-level telegram grammar; the demultiplexer treats them as opaque.
type Decoder interface {
	// Probe inspects a (possibly partial) telegram and returns the payload
	// length when the framing is complete. A *NeedMoreDataError reports how
	// many payload bytes are required in total.
	Probe(data []byte) (payloadLen uint32, err error)

	// Decode parses a validated telegram into a Segment. Failures are
	// non-fatal; the demultiplexer drops the telegram and continues.
	Decode(data []byte, receivedAt time.Time) (*multiscan.Segment, error)
}

// ChunkSource supplies additional raw datagrams while a fragmented compact
// telegram is being accumulated. Satisfied by *network.Receiver.
type ChunkSource interface {
	Receive(buf []byte, timeout time.Duration) (int, error)
}

// Stats counts demultiplexer outcomes. All fields are owned by the ingestion
// goroutine; read them from there.
type Stats struct {
	Telegrams      uint64 // framed and CRC-valid messages
	Segments       uint64 // successfully decoded segments
	DroppedShort   uint64 // datagram at or under the minimum message size
	DroppedResync  uint64 // datagram without the resync marker
	CRCErrors      uint64
	DecodeErrors   uint64
	ProbeAbandoned uint64 // probe cap exceeded or accumulation timed out
}

// Demux drives framing, accumulation, and CRC validation for one connection.
// It is owned by the ingestion goroutine and is not safe for concurrent use.
type Demux struct {
	encoding Encoding
	decoder  Decoder // nil runs in validate-only mode (framing + CRC, no decode)
	source   ChunkSource
	clock    timeutil.Clock
	running  func() bool

	work  []byte
	chunk []byte
	stats Stats
}

// New creates a Demux. decoder may be nil to validate telegrams without
// decoding them (the stats-only mode used when no decoder is wired in; for
// the compact encoding this validates the marker only, since the telegram
// length cannot be discovered without a probe). running bounds the compact
// accumulation loop; nil means always running.
func New(encoding Encoding, decoder Decoder, source ChunkSource, clock timeutil.Clock, running func() bool) *Demux {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if running == nil {
		running = func() bool { return true }
	}
	return &Demux{
		encoding: encoding,
		decoder:  decoder,
		source:   source,
		clock:    clock,
		running:  running,
		work:     make([]byte, 0, chunkBufferSize),
		chunk:    make([]byte, chunkBufferSize),
	}
}

// Stats returns a copy of the counters.
func (d *Demux) Stats() Stats {
	return d.stats
}

// Extract consumes one received datagram and returns the decoded segment, if
// any. The second return reports whether a telegram passed framing and CRC
// validation (it is true with a nil segment in validate-only mode).
//
// timeout is the current receive timeout of the ingestion loop and bounds
// compact chunk accumulation; negative means no accumulation deadline.
func (d *Demux) Extract(datagram []byte, receivedAt time.Time, timeout time.Duration) (*multiscan.Segment, bool) {
	if len(datagram) <= ResyncMarkerLen+8 {
		d.stats.DroppedShort++
		return nil, false
	}
	if !bytes.HasPrefix(datagram, ResyncMarker) {
		d.stats.DroppedResync++
		return nil, false
	}

	// The datagram is copied into the reusable working buffer because
	// compact accumulation appends further datagrams behind it.
	d.work = append(d.work[:0], datagram...)

	var payloadLen uint32
	var payloadOffset, messageLen int

	switch d.encoding {
	case EncodingMsgpack:
		// Self-declaring: 4-byte little-endian payload length after the
		// marker; payload follows the header; CRC covers the payload only.
		payloadLen = binary.LittleEndian.Uint32(d.work[ResyncMarkerLen:MsgpackHeaderSize])
		payloadOffset = MsgpackHeaderSize
		messageLen = int(payloadLen) + MsgpackHeaderSize + CRCSize

	case EncodingCompact:
		// Length discovered incrementally by probing; CRC covers the whole
		// message including the header.
		var ok bool
		payloadLen, ok = d.probeCompact(timeout)
		if !ok {
			return nil, false
		}
		payloadOffset = 0
		messageLen = int(payloadLen) + CRCSize
	}

	bytesValid := len(d.work)
	if messageLen < bytesValid {
		bytesValid = messageLen
	}
	if bytesValid < payloadOffset+CRCSize+1 {
		d.stats.DroppedShort++
		return nil, false
	}

	storedCRC := binary.LittleEndian.Uint32(d.work[bytesValid-CRCSize : bytesValid])
	computedCRC := crc32.ChecksumIEEE(d.work[payloadOffset : bytesValid-CRCSize])
	if storedCRC != computedCRC {
		d.stats.CRCErrors++
		monitoring.Debugf("demux: CRC check failed (stored=0x%08x computed=0x%08x len=%d)", storedCRC, computedCRC, bytesValid)
		return nil, false
	}
	d.stats.Telegrams++

	if d.decoder == nil {
		return nil, true
	}

	segment, err := d.decoder.Decode(d.work[:bytesValid], receivedAt)
	if err != nil {
		d.stats.DecodeErrors++
		monitoring.Logf("demux: %s decode failed: %v", d.encoding, err)
		return nil, false
	}
	d.stats.Segments++
	return segment, true
}

// probeCompact runs the compact probe/accumulate loop on the working buffer.
// It returns the payload length once the probe succeeds, or false when the
// telegram was abandoned (probe cap, accumulation timeout, shutdown, or a
// hard probe error).
func (d *Demux) probeCompact(timeout time.Duration) (uint32, bool) {
	if d.decoder == nil {
		// Cannot discover the telegram length without a probe; count the
		// datagram as a telegram sighting and move on.
		d.stats.Telegrams++
		return 0, false
	}

	start := d.clock.Now()
	for d.running() {
		payloadLen, err := d.decoder.Probe(d.work)
		if err == nil {
			return payloadLen, true
		}

		var need *NeedMoreDataError
		if !errors.As(err, &need) {
			monitoring.Logf("demux: compact probe failed: %v", err)
			d.stats.ProbeAbandoned++
			return 0, false
		}
		if need.Required > MaxProbeBytes {
			// A required size this large means the length field is garbage.
			// Re-probe once purely for the diagnostic, then discard.
			_, reErr := d.decoder.Probe(d.work)
			monitoring.Logf("demux: abandoning telegram, %d bytes required exceeds %d byte cap (re-probe: %v)",
				need.Required, MaxProbeBytes, reErr)
			d.stats.ProbeAbandoned++
			return 0, false
		}

		if int(need.Required)+CRCSize <= len(d.work) {
			// The probe asked for bytes it already has; treat as corrupt
			// rather than spinning.
			monitoring.Logf("demux: compact probe stalled at %d bytes (%d required)", len(d.work), need.Required)
			d.stats.ProbeAbandoned++
			return 0, false
		}

		// Accumulate datagrams until the probe has payload + CRC to work with.
		for len(d.work) < int(need.Required)+CRCSize {
			if !d.running() {
				return 0, false
			}
			if timeout >= 0 && d.clock.Since(start) >= timeout {
				monitoring.Debugf("demux: compact accumulation timed out after %v (%d/%d bytes)",
					timeout, len(d.work), need.Required)
				d.stats.ProbeAbandoned++
				return 0, false
			}
			n, err := d.source.Receive(d.chunk, timeout)
			if err != nil {
				monitoring.Logf("demux: chunk receive failed: %v", err)
				d.stats.ProbeAbandoned++
				return 0, false
			}
			if n == 0 {
				continue
			}
			d.work = append(d.work, d.chunk[:n]...)
		}
		// Re-probe immediately: a telegram completed right at the deadline is
		// still a complete telegram. The deadline only gates further receives.
	}
	return 0, false
}
