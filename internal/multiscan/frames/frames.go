// Package frames accumulates decoded segments into complete revolutions.
//
// Twelve bounded slots, one per angular segment index, absorb segments in
// any arrival order. A presence mask records which indices have been seen
// since the last frame; when all twelve bits are set the front element of
// every slot is serialized into one fixed-stride point buffer and emitted.
package frames

import (
	"math"
	"time"

	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/multiscan"
)

// completeMask has one bit per segment index; the frame is complete when the
// presence mask reaches this value.
const completeMask = (1 << multiscan.SegmentsPerFrame) - 1

// Frame is one assembled revolution: a single row of fixed-stride
// little-endian point records plus the metadata needed to interpret it.
type Frame struct {
	Data       []byte
	Stamp      time.Time // minimum capture time across the twelve segments
	Stride     int
	PointCount int
	Fields     []multiscan.Field
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	// Layout selects the serialized point-field layout.
	Layout multiscan.Layout

	// MaxSegmentBuffering bounds each slot's depth (default 3). Bursty or
	// duplicate delivery truncates the oldest entries.
	MaxSegmentBuffering int

	// FrameCallback receives each completed frame, synchronously from the
	// ingestion goroutine. It must return promptly.
	FrameCallback func(*Frame)

	// ImuCallback receives inertial samples the moment their segment is
	// decoded, independent of frame assembly. stamp is the segment capture
	// time.
	ImuCallback func(sample multiscan.ImuSample, stamp time.Time)
}

// segmentSlot is a bounded queue for one segment index: newest at the front,
// truncated from the back when it outgrows the configured depth.
type segmentSlot struct {
	segments []*multiscan.Segment
}

func (s *segmentSlot) pushFront(seg *multiscan.Segment, maxDepth int) {
	s.segments = append(s.segments, nil)
	copy(s.segments[1:], s.segments)
	s.segments[0] = seg
	if len(s.segments) > maxDepth {
		for i := maxDepth; i < len(s.segments); i++ {
			s.segments[i] = nil
		}
		s.segments = s.segments[:maxDepth]
	}
}

func (s *segmentSlot) front() *multiscan.Segment {
	if len(s.segments) == 0 {
		return nil
	}
	return s.segments[0]
}

func (s *segmentSlot) clear() {
	for i := range s.segments {
		s.segments[i] = nil
	}
	s.segments = s.segments[:0]
}

func (s *segmentSlot) depth() int { return len(s.segments) }

// Assembler owns the twelve segment slots and the presence mask. It is used
// exclusively by the ingestion goroutine; no locking.
type Assembler struct {
	layout   multiscan.Layout
	maxDepth int
	frameCb  func(*Frame)
	imuCb    func(multiscan.ImuSample, time.Time)

	slots        [multiscan.SegmentsPerFrame]segmentSlot
	presenceMask uint16
	frameCount   uint64
}

// NewAssembler creates an Assembler with the provided configuration.
func NewAssembler(config AssemblerConfig) *Assembler {
	maxDepth := config.MaxSegmentBuffering
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Assembler{
		layout:   config.Layout,
		maxDepth: maxDepth,
		frameCb:  config.FrameCallback,
		imuCb:    config.ImuCallback,
	}
}

// AddSegment absorbs one decoded segment. A valid IMU sample is forwarded
// immediately and never buffered. A segment with at least one point group is
// queued at the front of its slot; the presence bit is set unconditionally,
// recording "segment seen this cycle" even when a burst truncated the queue.
// Completion of the presence mask triggers frame assembly.
func (a *Assembler) AddSegment(seg *multiscan.Segment) {
	if seg == nil {
		return
	}

	if seg.Imu.Valid && a.imuCb != nil {
		a.imuCb(seg.Imu, seg.Timestamp())
	}

	if len(seg.Groups) == 0 {
		return
	}
	idx := seg.Index
	if idx < 0 || idx >= multiscan.SegmentsPerFrame {
		monitoring.Logf("frames: discarding segment with out-of-range index %d", idx)
		return
	}

	a.slots[idx].pushFront(seg, a.maxDepth)
	a.presenceMask |= 1 << uint(idx)

	if a.presenceMask == completeMask {
		a.buildFrame()
	}
}

// PresenceMask exposes the current mask for tests and diagnostics.
func (a *Assembler) PresenceMask() uint16 { return a.presenceMask }

// SlotDepth returns the queue depth of one slot.
func (a *Assembler) SlotDepth(index int) int { return a.slots[index].depth() }

// FrameCount returns how many frames have been emitted.
func (a *Assembler) FrameCount() uint64 { return a.frameCount }

// Reset clears all slots and the presence mask without emitting anything,
// used when a connection is torn down mid-revolution.
func (a *Assembler) Reset() {
	for i := range a.slots {
		a.slots[i].clear()
	}
	a.presenceMask = 0
}

// buildFrame serializes the front element of every slot into one pre-sized
// buffer, stamps the frame with the minimum per-slot capture time, emits it,
// and hard-cuts all accumulator state.
func (a *Assembler) buildFrame() {
	stride := a.layout.Stride()
	data := make([]byte, 0, multiscan.NominalPointsPerFrame*stride)

	var earliest uint64 = math.MaxUint64
	for i := range a.slots {
		seg := a.slots[i].front()
		if seg == nil {
			// Presence records "touched since reset", not occupancy.
			continue
		}
		if ts := seg.TimestampNanos(); ts < earliest {
			earliest = ts
		}
		for gi := range seg.Groups {
			group := &seg.Groups[gi]
			for li := range group.Scanlines {
				line := &group.Scanlines[li]
				for pi := range line.Points {
					data = a.layout.AppendPoint(data, &line.Points[pi])
				}
			}
		}
	}

	frame := &Frame{
		Data:       data,
		Stamp:      time.Unix(int64(earliest/1_000_000_000), int64(earliest%1_000_000_000)),
		Stride:     stride,
		PointCount: len(data) / stride,
		Fields:     a.layout.Fields(),
	}

	// Hard cut: queued history beyond each slot's front element is discarded.
	for i := range a.slots {
		a.slots[i].clear()
	}
	a.presenceMask = 0
	a.frameCount++

	if a.frameCb != nil {
		a.frameCb(frame)
	}
}
