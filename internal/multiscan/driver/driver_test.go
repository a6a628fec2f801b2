package driver

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/multiscan.driver/internal/config"
	"github.com/banshee-data/multiscan.driver/internal/multiscan/sopas"
	"github.com/banshee-data/multiscan.driver/internal/timeutil"
)

// fakeControl records the control-channel calls the lifecycle makes.
type fakeControl struct {
	connectErr error
	authErr    error
	startErr   error

	connected atomic.Bool
	mu        sync.Mutex
	calls     []string
}

func (c *fakeControl) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeControl) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeControl) Connect(host string, port int) error {
	c.record("connect")
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected.Store(true)
	return nil
}

func (c *fakeControl) Authorize() error {
	c.record("authorize")
	return c.authErr
}

func (c *fakeControl) StartStream(host string, port, formatID int, imuEnabled bool, imuPort int) error {
	c.record("start-stream")
	return c.startErr
}

func (c *fakeControl) StopStream(imuEnabled bool) error {
	c.record("stop-stream")
	return nil
}

func (c *fakeControl) Connected() bool { return c.connected.Load() }

func (c *fakeControl) Close() error {
	c.connected.Store(false)
	return nil
}

// fakeReceiver scripts the ingestion loop's receive calls and records the
// timeout used for each one.
type fakeReceiver struct {
	// recv is called per Receive with the 0-based call number; it returns
	// the datagram to deliver (nil means a zero-byte receive).
	recv func(call int) []byte

	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.Mutex
	calls    int
	timeouts []time.Duration
	blocking bool
}

func newFakeReceiver(recv func(call int) []byte) *fakeReceiver {
	return &fakeReceiver{recv: recv, stopCh: make(chan struct{})}
}

func (r *fakeReceiver) Receive(buf []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	call := r.calls
	r.calls++
	r.timeouts = append(r.timeouts, timeout)
	blocking := r.blocking
	r.mu.Unlock()

	if blocking {
		<-r.stopCh
		return 0, nil
	}
	if r.recv == nil {
		return 0, nil
	}
	data := r.recv(call)
	return copy(buf, data), nil
}

func (r *fakeReceiver) ForceStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *fakeReceiver) Close() error { return nil }

func (r *fakeReceiver) recordedTimeouts() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timeouts...)
}

func TestNew_RejectsBadLayout(t *testing.T) {
	layout := "everything"
	cfg := config.Empty()
	cfg.PointFieldLayout = &layout

	_, err := New(Options{Config: cfg})
	require.Error(t, err)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStart_Idempotent(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	opened := make(chan struct{}, 4)
	var openCalls atomic.Int32

	d, err := New(Options{
		Config: config.Empty(),
		Clock:  clock,
		OpenReceiver: func() (Receiver, error) {
			openCalls.Add(1)
			opened <- struct{}{}
			return nil, errors.New("bind failed")
		},
		NewControl: func() sopas.Client { return &fakeControl{} },
	})
	require.NoError(t, err)

	d.Start()
	d.Start() // second call must be a no-op

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("lifecycle goroutine never attempted to open the receiver")
	}
	// After the open failure the loop parks in the mock-clock backoff wait,
	// so a duplicate goroutine would show up as a second open attempt.
	d.Shutdown()
	assert.Equal(t, int32(1), openCalls.Load())
	assert.Equal(t, StateDisconnected, d.State())
}

func TestStartShutdown_ConcurrentlySafe(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	d, err := New(Options{
		Config: config.Empty(),
		Clock:  clock,
		OpenReceiver: func() (Receiver, error) {
			return nil, errors.New("bind failed")
		},
		NewControl: func() sopas.Client { return &fakeControl{} },
	})
	require.NoError(t, err)

	// A Shutdown racing a Start must never observe the running flag set with
	// the lifecycle channels still unassigned.
	for i := 0; i < 100; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Start()
		}()
		go func() {
			defer wg.Done()
			d.Shutdown()
		}()
		wg.Wait()
		d.Shutdown() // settle: stopped either way before the next round
	}
	assert.Equal(t, StateDisconnected, d.State())
}

func TestShutdown_SafeWhenNeverStarted(t *testing.T) {
	d, err := New(Options{Config: config.Empty()})
	require.NoError(t, err)
	d.Shutdown() // must not panic or hang
}

func TestShutdown_UnblocksPendingReceive(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rx := newFakeReceiver(nil)
	rx.blocking = true
	ctl := &fakeControl{}
	streaming := make(chan struct{}, 1)

	d, err := New(Options{
		Config: config.Empty(),
		Clock:  clock,
		OpenReceiver: func() (Receiver, error) {
			streaming <- struct{}{}
			return rx, nil
		},
		NewControl: func() sopas.Client { return ctl },
	})
	require.NoError(t, err)

	d.Start()
	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatal("driver never opened the receiver")
	}

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not join the ingestion goroutine")
	}
	assert.Equal(t, StateDisconnected, d.State())
}

func TestGracefulStop_SendsStopStream(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rx := newFakeReceiver(nil)
	rx.blocking = true
	ctl := &fakeControl{}
	streaming := make(chan struct{}, 1)

	d, err := New(Options{
		Config: config.Empty(),
		Clock:  clock,
		OpenReceiver: func() (Receiver, error) {
			streaming <- struct{}{}
			return rx, nil
		},
		NewControl: func() sopas.Client { return ctl },
	})
	require.NoError(t, err)

	d.Start()
	<-streaming
	d.Shutdown()

	calls := ctl.callLog()
	// connect, authorize, start-stream while starting; authorize, stop-stream
	// on the way down.
	require.GreaterOrEqual(t, len(calls), 5)
	assert.Equal(t, []string{"connect", "authorize", "start-stream"}, calls[:3])
	assert.Equal(t, "stop-stream", calls[len(calls)-1])
}

func TestAdaptiveTimeout_SwitchesToBlockingAfterDropout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctl := &fakeControl{}

	// Call 0: silence, clock jumps past the 2s dropout threshold.
	// Call 1: must be a blocking wait; data arrives.
	// Call 2: must be back on the short timeout; control drops, loop exits.
	rx := newFakeReceiver(nil)
	rx.recv = func(call int) []byte {
		switch call {
		case 0:
			clock.Advance(3 * time.Second)
			return nil
		case 1:
			return []byte{0xFF, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
		default:
			ctl.connected.Store(false)
			return nil
		}
	}

	d, err := New(Options{
		Config:       config.Empty(),
		Clock:        clock,
		OpenReceiver: func() (Receiver, error) { return rx, nil },
		NewControl:   func() sopas.Client { return ctl },
	})
	require.NoError(t, err)

	d.Start()
	deadline := time.After(2 * time.Second)
	for {
		r := rx.recordedTimeouts()
		if len(r) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("ingestion loop made only %d receive calls", len(r))
		case <-time.After(time.Millisecond):
		}
	}
	d.Shutdown()

	r := rx.recordedTimeouts()
	assert.Equal(t, time.Second, r[0], "starts on the short configured timeout")
	assert.Equal(t, time.Duration(-1), r[1], "dropout switches to a blocking wait")
	assert.Equal(t, time.Second, r[2], "fresh data returns to the short timeout")
}

func TestControlLoss_Restarts(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var ctlCount atomic.Int32
	attempt := make(chan struct{}, 4)

	d, err := New(Options{
		Config: config.Empty(),
		Clock:  clock,
		OpenReceiver: func() (Receiver, error) {
			// Quiet stream: every receive is an empty poll.
			rx := newFakeReceiver(func(int) []byte {
				time.Sleep(100 * time.Microsecond)
				return nil
			})
			return rx, nil
		},
		NewControl: func() sopas.Client {
			ctlCount.Add(1)
			select {
			case attempt <- struct{}{}:
			default:
			}
			ctl := &fakeControl{}
			// The control channel dies as soon as streaming starts, forcing
			// a restart cycle.
			go func() {
				time.Sleep(10 * time.Millisecond)
				ctl.connected.Store(false)
			}()
			return ctl
		},
	})
	require.NoError(t, err)

	d.Start()
	<-attempt // first connection
	// Fire the backoff timer so the loop starts a second attempt.
	for ctlCount.Load() < 2 {
		clock.Advance(5 * time.Second)
		select {
		case <-attempt:
		case <-time.After(10 * time.Millisecond):
		}
	}
	d.Shutdown()
	assert.GreaterOrEqual(t, ctlCount.Load(), int32(2))
}

func TestZeroByteReceive_DoesNotResetDropoutClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctl := &fakeControl{}

	// Every call is a zero-byte receive advancing the clock by 1s. If zero
	// reads reset the dropout clock the loop would stay on the short timeout
	// forever; instead call 3 must already be blocking.
	rx := newFakeReceiver(nil)
	rx.recv = func(call int) []byte {
		if call >= 3 {
			ctl.connected.Store(false)
			return nil
		}
		clock.Advance(time.Second)
		return nil
	}

	d, err := New(Options{
		Config:       config.Empty(),
		Clock:        clock,
		OpenReceiver: func() (Receiver, error) { return rx, nil },
		NewControl:   func() sopas.Client { return ctl },
	})
	require.NoError(t, err)

	d.Start()
	deadline := time.After(2 * time.Second)
	for len(rx.recordedTimeouts()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("ingestion loop made only %d receive calls", len(rx.recordedTimeouts()))
		case <-time.After(time.Millisecond):
		}
	}
	d.Shutdown()

	r := rx.recordedTimeouts()
	assert.Equal(t, time.Second, r[0])
	assert.Equal(t, time.Second, r[1])
	assert.Equal(t, time.Second, r[2], "2s elapsed, threshold not yet exceeded")
	assert.Equal(t, time.Duration(-1), r[3], "3s of silence crosses the 2s threshold")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopping", StateStoppingGracefully.String())
	assert.Equal(t, "backoff", StateBackoffWait.String())
}
