// Package driver runs the connection lifecycle of the multiScan sensor: the
// control-channel handshake, the UDP ingestion loop, dropout handling, and
// restart with backoff, all on one dedicated goroutine.
package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/monitoring"
	"github.com/banshee-data/multiscan.driver/internal/multiscan"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/demux"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/frames"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/network"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/sopas"
	"github.com/banshee-data/multiscan.driver/internal/timeutil"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateStreaming
	StateStoppingGracefully
	StateBackoffWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateStoppingGracefully:
		return "stopping"
	case StateBackoffWait:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Receiver is what the ingestion loop needs from the UDP layer. Satisfied by
// *network.Receiver.
type Receiver interface {
	Receive(buf []byte, timeout time.Duration) (int, error)
	ForceStop()
	Close() error
}

// Options wires a Driver. Config is required; everything else has a working
// default. The injection points exist so tests can run the full lifecycle
// against fakes.
type Options struct {
	Config *config.Config

	// Clock defaults to the real clock.
	Clock timeutil.Clock

	// Decoder parses validated telegrams into segments. nil runs the
	// ingestion loop in validate-only mode (framing + CRC statistics).
	Decoder demux.Decoder

	// FrameCallback receives assembled frames synchronously from the
	// ingestion goroutine.
	FrameCallback func(*frames.Frame)

	// ImuCallback receives inertial samples the moment they are decoded.
	ImuCallback func(sample multiscan.ImuSample, stamp time.Time)

	// OpenReceiver opens the UDP receiver; defaults to binding the
	// configured port on all interfaces.
	OpenReceiver func() (Receiver, error)

	// NewControl creates a control-channel client per connection attempt;
	// defaults to the CoLa TCP client.
	NewControl func() sopas.Client
}

// Driver owns the ingestion goroutine and its lifecycle state machine.
// Start is idempotent; Shutdown cancels any in-flight receive, short-circuits
// backoff waits, and joins the goroutine.
type Driver struct {
	cfg      *config.Config
	clock    timeutil.Clock
	decoder  demux.Decoder
	frameCb  func(*frames.Frame)
	imuCb    func(multiscan.ImuSample, time.Time)
	openRecv func() (Receiver, error)
	newCtl   func() sopas.Client

	encoding demux.Encoding
	layout   multiscan.Layout

	running atomic.Bool
	state   atomic.Int32
	stopCh  chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	receiver Receiver // in-flight receiver, for ForceStop during shutdown
}

// New validates the options and builds a Driver.
func New(opts Options) (*Driver, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("driver requires a configuration")
	}

	spec, err := multiscan.ParseLayoutSpec(cfg.GetPointFieldLayout())
	if err != nil {
		return nil, err
	}
	layout, err := multiscan.NewLayout(spec)
	if err != nil {
		return nil, err
	}

	encoding := demux.EncodingCompact
	if cfg.GetUseMsgpack() {
		encoding = demux.EncodingMsgpack
	}

	d := &Driver{
		cfg:      cfg,
		clock:    opts.Clock,
		decoder:  opts.Decoder,
		frameCb:  opts.FrameCallback,
		imuCb:    opts.ImuCallback,
		openRecv: opts.OpenReceiver,
		newCtl:   opts.NewControl,
		encoding: encoding,
		layout:   layout,
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.openRecv == nil {
		d.openRecv = func() (Receiver, error) {
			return network.Open("", cfg.GetUDPPort(), cfg.GetReceiveBufferSize())
		}
	}
	if d.newCtl == nil {
		d.newCtl = func() sopas.Client {
			return sopas.NewColaClient(cfg.GetUseColaBinary(), cfg.GetSopasReadTimeout())
		}
	}
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Layout returns the resolved point-field layout.
func (d *Driver) Layout() multiscan.Layout {
	return d.layout
}

// Start launches the ingestion goroutine. Calling Start while the driver is
// already running is a no-op. The mutex orders the channel handoff against a
// concurrent Shutdown.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	go d.run()
}

// Shutdown requests termination, cancels any pending receive, and waits for
// the ingestion goroutine to exit. Safe to call when not running.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	if !d.running.CompareAndSwap(true, false) {
		d.mu.Unlock()
		return
	}
	close(d.stopCh)
	if d.receiver != nil {
		d.receiver.ForceStop()
	}
	done := d.done
	d.mu.Unlock()
	<-done
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

func (d *Driver) setReceiver(rx Receiver) {
	d.mu.Lock()
	d.receiver = rx
	d.mu.Unlock()
}

// run is the outer lifecycle loop: handshake, stream, graceful stop, backoff,
// repeat until shutdown.
func (d *Driver) run() {
	defer close(d.done)
	for d.running.Load() {
		d.connectAndStream()
		if !d.running.Load() {
			break
		}
		d.setState(StateBackoffWait)
		d.interruptibleSleep(d.cfg.GetErrorRestartTimeout())
	}
	d.setState(StateDisconnected)
}

// connectAndStream performs one full connection cycle.
func (d *Driver) connectAndStream() {
	session := uuid.NewString()[:8]
	d.setState(StateHandshaking)
	monitoring.Logf("multiscan: [%s] connecting: sensor=%s driver=%s udp=%d sopas=%d format=%s",
		session, d.cfg.GetSensorHostname(), d.cfg.GetDriverHostname(),
		d.cfg.GetUDPPort(), d.cfg.GetSopasPort(), d.encoding)

	rx, err := d.openRecv()
	if err != nil {
		monitoring.Logf("multiscan: [%s] failed to open UDP receiver: %v", session, err)
		return
	}
	defer rx.Close()
	d.setReceiver(rx)
	defer d.setReceiver(nil)

	ctl := d.newCtl()
	defer ctl.Close()
	if err := ctl.Connect(d.cfg.GetSensorHostname(), d.cfg.GetSopasPort()); err != nil {
		monitoring.Logf("multiscan: [%s] control channel unreachable: %v", session, err)
		return
	}

	started := false
	if err := ctl.Authorize(); err != nil {
		monitoring.Logf("multiscan: [%s] authorization failed: %v", session, err)
	} else if err := ctl.StartStream(d.cfg.GetDriverHostname(), d.cfg.GetUDPPort(),
		d.encoding.FormatID(), d.cfg.GetImuEnable(), d.cfg.GetImuUDPPort()); err != nil {
		monitoring.Logf("multiscan: [%s] start-stream failed: %v", session, err)
	} else {
		started = true
	}

	if started {
		monitoring.Logf("multiscan: [%s] streaming", session)
		d.setState(StateStreaming)
		if err := d.stream(rx, ctl); err != nil {
			monitoring.Logf("multiscan: [%s] ingestion loop fault: %v", session, err)
		}
	}

	d.setState(StateStoppingGracefully)
	if ctl.Connected() {
		if err := ctl.Authorize(); err != nil {
			monitoring.Logf("multiscan: [%s] stop authorization failed: %v", session, err)
		} else if err := ctl.StopStream(d.cfg.GetImuEnable()); err != nil {
			monitoring.Logf("multiscan: [%s] stop-stream failed: %v", session, err)
		}
	} else if started {
		monitoring.Logf("multiscan: [%s] control channel lost - restarting", session)
	}
}

// stream runs the ingestion loop until shutdown, control-channel loss, or a
// receiver error. Panics are recovered into an error so a decode fault can
// never kill the lifecycle goroutine.
func (d *Driver) stream(rx Receiver, ctl sopas.Client) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in ingestion loop: %v", r)
		}
	}()

	dmx := demux.New(d.encoding, d.decoder, rx, d.clock, d.running.Load)
	asm := frames.NewAssembler(frames.AssemblerConfig{
		Layout:              d.layout,
		MaxSegmentBuffering: d.cfg.GetMaxSegmentBuffering(),
		FrameCallback:       d.frameCb,
		ImuCallback:         d.imuCb,
	})
	defer asm.Reset()

	buf := make([]byte, network.ReceiveBufferSize)
	shortTimeout := d.cfg.GetUDPReceiveTimeout()
	dropout := d.cfg.GetUDPDropoutResetThresh()
	timeout := shortTimeout
	lastRecv := d.clock.Now()

	for d.running.Load() && ctl.Connected() {
		n, err := rx.Receive(buf, timeout)
		if err != nil {
			return fmt.Errorf("udp receive failed: %w", err)
		}
		if n > 0 {
			if seg, ok := dmx.Extract(buf[:n], d.clock.Now(), timeout); ok && seg != nil {
				asm.AddSegment(seg)
			}
			// Zero-byte receives never touch the dropout clock.
			lastRecv = d.clock.Now()
		}

		if d.clock.Since(lastRecv) > dropout {
			// Nothing for a while: wait unbounded, relying on new data or
			// ForceStop to return.
			timeout = -1
		} else {
			timeout = shortTimeout
		}
	}

	s := dmx.Stats()
	monitoring.Logf("multiscan: stream ended: telegrams=%d segments=%d frames=%d crc_errors=%d decode_errors=%d probe_abandoned=%d dropped=%d",
		s.Telegrams, s.Segments, asm.FrameCount(), s.CRCErrors, s.DecodeErrors,
		s.ProbeAbandoned, s.DroppedShort+s.DroppedResync)
	return nil
}

// interruptibleSleep waits for d or until shutdown, whichever comes first.
func (d *Driver) interruptibleSleep(dur time.Duration) {
	timer := d.clock.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-d.stopCh:
	}
}
