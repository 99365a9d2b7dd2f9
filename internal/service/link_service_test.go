package service

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"link-service/internal/bus"
	"link-service/internal/config"
	"link-service/internal/metrics"
	"link-service/internal/model"
	"link-service/internal/ping"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeLink is an in-memory transport with the timing of a real one
type fakeLink struct {
	mu       sync.Mutex
	rx       [][]byte
	readErr  error
	tx       bytes.Buffer
	maxWrite int
	timeouts int
	writeErr error
	gate     chan struct{}
	closeErr error
	closed   bool
	medium   model.Medium
	// respond plays the vehicle: its reply to a write is queued for reading
	respond func(tx []byte) []byte
}

func (f *fakeLink) ComRead(buf []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, net.ErrClosed
	}
	if len(f.rx) > 0 {
		n := copy(buf, f.rx[0])
		f.rx = f.rx[1:]
		f.mu.Unlock()
		return n, nil
	}
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)
	return 0, nil
}

func (f *fakeLink) ComWrite(buf []byte) (int, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, net.ErrClosed
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.timeouts > 0 {
		f.timeouts--
		return 0, os.ErrDeadlineExceeded
	}
	n := len(buf)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.tx.Write(buf[:n])
	if f.respond != nil {
		if reply := f.respond(buf[:n]); reply != nil {
			f.rx = append(f.rx, reply)
		}
	}
	return n, nil
}

func (f *fakeLink) Medium() model.Medium {
	if f.medium == "" {
		return model.MediumUDP
	}
	return f.medium
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeLink) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx.String()
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig() *config.Config {
	return &config.Config{
		Link: config.LinkConfig{
			PingPeriod:      100,
			StatusPeriod:    60000,
			UDP:             true,
			UDPPort:         4242,
			UDPUplinkPort:   4243,
			RemoteAddr:      "127.0.0.1",
			ProtocolVersion: "2.0",
			SenderID:        "gcs",
		},
		Ping: config.PingConfig{
			Alpha:        1,
			PongPattern:  `^(\S+) PONG(.*)$`,
			ReadBuffer:   64,
			TxQueueSize:  4,
			BusQueueSize: 8,
		},
	}
}

type harness struct {
	svc     *LinkService
	link    *fakeLink
	bus     *bus.Bus
	clock   *clock.Mock
	tracker *ping.Tracker
}

func newHarness(t *testing.T, cfg *config.Config, link *fakeLink, opts ...Option) *harness {
	t.Helper()

	clk := clock.NewMock()
	b := bus.New(zap.NewNop(), cfg.Ping.BusQueueSize)
	tr := ping.NewTrackerWithClock(cfg.Ping.Alpha, clk)

	opts = append([]Option{WithClock(clk)}, opts...)
	svc := NewLinkService(cfg, link, b, tr, metrics.New(model.MediumUDP), zap.NewNop(), opts...)

	t.Cleanup(func() {
		if link.gate != nil {
			select {
			case <-link.gate:
			default:
				close(link.gate)
			}
		}
		svc.Stop()
		b.Close()
	})

	return &harness{svc: svc, link: link, bus: b, clock: clk, tracker: tr}
}

// groundStation answers nothing but records every ping seen on the bus
func (h *harness) groundStation(t *testing.T) <-chan []string {
	t.Helper()
	pings := make(chan []string, 16)
	_, err := h.bus.Bind(`^(\S+) PING$`, func(_ string, args []string) {
		pings <- args
	}, "ground")
	require.NoError(t, err)
	return pings
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func waitEvent(t *testing.T, ch <-chan model.LinkEvent, want model.EventType) model.LinkEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed")
			if ev.EventType == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return model.LinkEvent{}
		}
	}
}

func TestLinkService_ReceivesAndForwardsDownlink(t *testing.T) {
	link := &fakeLink{rx: [][]byte{[]byte("abc"), []byte("defg")}}

	var mu sync.Mutex
	var got []byte
	h := newHarness(t, testConfig(), link, WithRxHandler(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data...)
	}))

	require.NoError(t, h.svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return h.svc.Status().RxBytes == 7
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, "abcdefg", string(got))
	mu.Unlock()

	require.NoError(t, h.svc.Stop())
	assert.True(t, link.isClosed())
}

func TestLinkService_SendCompletesShortWritesAndTimeouts(t *testing.T) {
	link := &fakeLink{maxWrite: 2, timeouts: 3}
	h := newHarness(t, testConfig(), link)
	require.NoError(t, h.svc.Start(context.Background()))

	payload := []byte("hello world")
	require.NoError(t, h.svc.Send(payload))
	// The caller's buffer is copied on Send
	copy(payload, "XXXXXXXXXXX")

	assert.Eventually(t, func() bool {
		return link.written() == "hello world"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return h.svc.Status().TxBytes == 11
	}, waitFor, tick)
	assert.Zero(t, h.svc.Status().TxErrors)
}

func TestLinkService_SendRequiresRunningService(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeLink{})

	assert.ErrorIs(t, h.svc.Send([]byte{1}), ErrNotRunning)
	assert.ErrorIs(t, h.svc.Healthy(), ErrNotRunning)

	require.NoError(t, h.svc.Start(context.Background()))
	assert.NoError(t, h.svc.Healthy())
	assert.NoError(t, h.svc.Send(nil))

	require.NoError(t, h.svc.Stop())
	assert.ErrorIs(t, h.svc.Send([]byte{1}), ErrNotRunning)
}

func TestLinkService_SendQueueFull(t *testing.T) {
	link := &fakeLink{gate: make(chan struct{})}
	h := newHarness(t, testConfig(), link)
	require.NoError(t, h.svc.Start(context.Background()))

	// One frame may be held by the blocked writer, four fit in the queue
	var full int
	for i := 0; i < 10; i++ {
		if err := h.svc.Send([]byte{byte(i)}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 5)

	close(link.gate)
	assert.Eventually(t, func() bool {
		return len(link.written()) >= 4
	}, waitFor, tick)
}

func TestLinkService_PingRoundTripOverBus(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeLink{})
	pings := h.groundStation(t)
	events, cancel := h.svc.SubscribeEvents()
	defer cancel()

	require.NoError(t, h.svc.Start(context.Background()))

	h.clock.Add(100 * time.Millisecond)
	assert.Equal(t, []string{"gcs"}, receive(t, pings))

	h.clock.Add(30 * time.Millisecond)
	assert.Equal(t, 1, h.bus.Publish("ground PONG"))

	waitEvent(t, events, model.EventPingReceived)
	status := h.svc.Status()
	assert.InDelta(t, 0.030, status.PingTime, 1e-9)
	assert.InDelta(t, 0.030, status.PingTimeEMA, 1e-9)
	assert.Zero(t, status.PingsLost)
}

func TestLinkService_PongFromVehicleCompletesPing(t *testing.T) {
	link := &fakeLink{respond: func(tx []byte) []byte {
		if bytes.Equal(tx, []byte("gcs PING\n")) {
			return []byte("ac1 PONG\n")
		}
		return nil
	}}
	h := newHarness(t, testConfig(), link)
	events, cancel := h.svc.SubscribeEvents()
	defer cancel()

	require.NoError(t, h.svc.Start(context.Background()))

	for i := 0; i < 3; i++ {
		h.clock.Add(100 * time.Millisecond)
		waitEvent(t, events, model.EventPingReceived)
	}

	assert.Equal(t, "gcs PING\ngcs PING\ngcs PING\n", link.written())
	status := h.svc.Status()
	assert.Zero(t, status.PingsLost)
	assert.Zero(t, status.PingTime)
	assert.Equal(t, uint64(len("ac1 PONG\n")*3), status.RxBytes)
}

func TestLinkService_RelaysDownlinkMessagesToBus(t *testing.T) {
	link := &fakeLink{
		medium: model.MediumSerial,
		rx:     [][]byte{[]byte("ac1 GPS 43.4"), []byte("6 1.2\r\nac1 ALT"), []byte(" 120\n")},
	}
	h := newHarness(t, testConfig(), link)

	got := make(chan string, 4)
	_, err := h.bus.Bind(`^ac1 (.*)$`, func(_ string, args []string) {
		got <- args[0]
	}, "listener")
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(context.Background()))

	assert.Equal(t, "GPS 43.46 1.2", receive(t, got))
	assert.Equal(t, "ALT 120", receive(t, got))
}

func TestLinkService_UnsolicitedPongIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeLink{})
	require.NoError(t, h.svc.Start(context.Background()))

	h.clock.Add(50 * time.Millisecond)
	h.bus.Publish("ground PONG")

	// Give the bus a chance to deliver
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.svc.Status().PingTime)
}

func TestLinkService_UnansweredPingCountedLost(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeLink{})
	pings := h.groundStation(t)
	events, cancel := h.svc.SubscribeEvents()
	defer cancel()

	require.NoError(t, h.svc.Start(context.Background()))

	h.clock.Add(100 * time.Millisecond)
	receive(t, pings)

	h.clock.Add(100 * time.Millisecond)
	receive(t, pings)

	waitEvent(t, events, model.EventPingLost)
	status := h.svc.Status()
	assert.Equal(t, uint64(1), status.PingsLost)
	assert.InDelta(t, 0.100, status.PingTime, 1e-9)
}

func TestLinkService_StatusReportsAndStateTransitions(t *testing.T) {
	cfg := testConfig()
	cfg.Link.PingPeriod = 60000
	cfg.Link.StatusPeriod = 1000

	link := &fakeLink{rx: [][]byte{[]byte("abcd")}}
	h := newHarness(t, cfg, link)

	reports := make(chan []string, 4)
	_, err := h.bus.Bind(`^(\S+) LINK_REPORT (\S+) (\S+)`, func(_ string, args []string) {
		reports <- args
	}, "monitor")
	require.NoError(t, err)

	statuses, cancelStatus := h.svc.SubscribeStatus()
	defer cancelStatus()
	events, cancelEvents := h.svc.SubscribeEvents()
	defer cancelEvents()

	require.NoError(t, h.svc.Start(context.Background()))
	assert.Equal(t, model.LinkStateConnecting, h.svc.Status().State)

	require.Eventually(t, func() bool {
		return h.svc.Status().RxBytes == 4
	}, waitFor, tick)

	h.clock.Add(time.Second)
	waitEvent(t, events, model.EventLinkUp)

	status := receive(t, statuses)
	assert.Equal(t, model.LinkStateUp, status.State)
	assert.Equal(t, "gcs", status.SenderID)
	assert.InDelta(t, 4.0, status.RxRate, 1e-9)
	assert.Equal(t, "1s", status.Uptime)
	assert.Equal(t, []string{"gcs", "UDP", "UP"}, receive(t, reports))

	// A silent period takes the link down
	h.clock.Add(time.Second)
	waitEvent(t, events, model.EventLinkDown)

	status = receive(t, statuses)
	assert.Equal(t, model.LinkStateDown, status.State)
	assert.Zero(t, status.RxRate)
	assert.Equal(t, []string{"gcs", "UDP", "DOWN"}, receive(t, reports))
}

func TestLinkService_TerminalReadErrorMarksLinkDown(t *testing.T) {
	link := &fakeLink{readErr: syscall.EIO}
	h := newHarness(t, testConfig(), link)
	events, cancel := h.svc.SubscribeEvents()
	defer cancel()

	require.NoError(t, h.svc.Start(context.Background()))

	ev := waitEvent(t, events, model.EventLinkDown)
	assert.Equal(t, syscall.EIO.Error(), ev.Error)

	status := h.svc.Status()
	assert.Equal(t, model.LinkStateDown, status.State)
	assert.Equal(t, uint64(1), status.RxErrors)
	assert.ErrorIs(t, h.svc.Healthy(), ErrLinkDown)
	assert.ErrorIs(t, h.svc.Send([]byte{1}), ErrLinkDown)
}

func TestLinkService_RefusedDatagramKeepsLinkAlive(t *testing.T) {
	link := &fakeLink{readErr: syscall.ECONNREFUSED}
	h := newHarness(t, testConfig(), link)
	require.NoError(t, h.svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.svc.Status().RxErrors >= 1
	}, waitFor, tick)

	// The vehicle starts listening
	link.mu.Lock()
	link.readErr = nil
	link.rx = append(link.rx, []byte("hello"))
	link.mu.Unlock()

	assert.Eventually(t, func() bool {
		return h.svc.Status().RxBytes == 5
	}, waitFor, tick)
	assert.NoError(t, h.svc.Healthy())
	assert.NoError(t, h.svc.Send([]byte("up")))
	assert.Eventually(t, func() bool {
		return link.written() == "up"
	}, waitFor, tick)
	assert.NotEqual(t, model.LinkStateDown, h.svc.Status().State)
}

func TestLinkService_TerminalWriteErrorMarksLinkDown(t *testing.T) {
	link := &fakeLink{writeErr: syscall.EPIPE}
	h := newHarness(t, testConfig(), link)
	require.NoError(t, h.svc.Start(context.Background()))

	require.NoError(t, h.svc.Send([]byte("x")))

	assert.Eventually(t, func() bool {
		return h.svc.Status().State == model.LinkStateDown
	}, waitFor, tick)
	assert.Equal(t, uint64(1), h.svc.Status().TxErrors)
}

func TestLinkService_StartStopLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeLink{})
	statuses, _ := h.svc.SubscribeStatus()

	before := ping.Bindings()
	require.NoError(t, h.svc.Start(context.Background()))
	assert.Equal(t, before+1, ping.Bindings())
	assert.Equal(t, 1, h.bus.Len())
	assert.ErrorIs(t, h.svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, h.svc.Stop())
	require.NoError(t, h.svc.Stop())
	assert.Equal(t, before, ping.Bindings())
	assert.Equal(t, 0, h.bus.Len())
	assert.Equal(t, model.LinkStateStopped, h.svc.Status().State)

	_, ok := <-statuses
	assert.False(t, ok, "subscribers are released on stop")
}

func TestLinkService_CancelledContextStopsLoops(t *testing.T) {
	link := &fakeLink{}
	h := newHarness(t, testConfig(), link)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.svc.Start(ctx))
	cancel()

	done := make(chan struct{}, 1)
	go func() {
		h.svc.wg.Wait()
		done <- struct{}{}
	}()
	receive(t, done)
}

func TestLinkService_StopReportsCloseError(t *testing.T) {
	closeErr := errors.New("close failed")
	h := newHarness(t, testConfig(), &fakeLink{closeErr: closeErr})
	require.NoError(t, h.svc.Start(context.Background()))

	assert.ErrorIs(t, h.svc.Stop(), closeErr)
}

func TestLinkService_BindFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Ping.PongPattern = `(`
	h := newHarness(t, cfg, &fakeLink{})

	err := h.svc.Start(context.Background())
	assert.Error(t, err)
	assert.ErrorIs(t, h.svc.Send([]byte{1}), ErrNotRunning)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name     string
		prev     model.LinkState
		received bool
		down     bool
		want     model.LinkState
	}{
		{"first bytes", model.LinkStateConnecting, true, false, model.LinkStateUp},
		{"still waiting", model.LinkStateConnecting, false, false, model.LinkStateConnecting},
		{"silent period", model.LinkStateUp, false, false, model.LinkStateDown},
		{"recovered", model.LinkStateDown, true, false, model.LinkStateUp},
		{"terminal error wins", model.LinkStateUp, true, true, model.LinkStateDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextState(tt.prev, tt.received, tt.down))
		})
	}
}

func TestFormatLinkReport(t *testing.T) {
	msg := formatLinkReport(model.LinkStatus{
		Medium:      model.MediumSerial,
		State:       model.LinkStateUp,
		SenderID:    "gcs",
		PingTime:    0.0125,
		PingTimeEMA: 0.01,
		PingsLost:   2,
		RxBytes:     300,
		TxBytes:     20,
		RxRate:      150,
		TxRate:      10,
	})
	assert.Equal(t, "gcs LINK_REPORT SERIAL UP 300 20 150.0 10.0 12.500 10.000 2", msg)
}
