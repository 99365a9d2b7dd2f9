// internal/service/link_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"link-service/internal/config"
	"link-service/internal/metrics"
	"link-service/internal/model"
	"link-service/internal/ping"
	"link-service/internal/protocol"
	"link-service/internal/utils"
	pkgbus "link-service/pkg/bus"
)

var (
	// ErrNotRunning is returned by Send before Start or after Stop
	ErrNotRunning = errors.New("link service is not running")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("link service already started")
	// ErrLinkDown is returned by Send once the transport reported a terminal error
	ErrLinkDown = errors.New("link is down")
	// ErrQueueFull is returned by Send when the uplink queue has no room
	ErrQueueFull = errors.New("uplink queue is full")
)

// Link is the byte transport driven by the service; *protocol.LinkComm satisfies it
type Link interface {
	ComRead(buf []byte) (int, error)
	ComWrite(buf []byte) (int, error)
	Medium() model.Medium
	Close() error
}

// RxHandler receives downlink bytes; data is only valid during the call
type RxHandler func(data []byte)

// Option configures a LinkService
type Option func(*LinkService)

// WithClock replaces the wall clock driving the ping and status loops
func WithClock(clk clock.Clock) Option {
	return func(s *LinkService) {
		s.clock = clk
	}
}

// WithRxHandler sets the consumer of downlink bytes
func WithRxHandler(h RxHandler) Option {
	return func(s *LinkService) {
		s.onRx = h
	}
}

// LinkService supervises a link: it pumps bytes in both directions, relays
// downlink messages to the bus, pings the vehicle and periodically reports
// link health.
type LinkService struct {
	cfg     *config.Config
	link    Link
	bus     pkgbus.MessageBus
	tracker *ping.Tracker
	metrics *metrics.Metrics
	logger  *utils.LinkLogger
	clock   clock.Clock
	onRx    RxHandler

	txQueue    chan *bytebufferpool.ByteBuffer
	pingHandle ping.Handle
	downlink   *downlinkSplitter

	started      atomic.Bool
	running      atomic.Bool
	linkDown     atomic.Bool
	awaitingPong atomic.Bool

	rxBytes   atomic.Uint64
	txBytes   atomic.Uint64
	rxErrors  atomic.Uint64
	txErrors  atomic.Uint64
	pingsLost atomic.Uint64

	mu         sync.RWMutex
	state      model.LinkState
	lastError  string
	startedAt  time.Time
	lastReport time.Time
	lastRx     uint64
	lastTx     uint64
	rxRate     float64
	txRate     float64

	statusSubs *broadcaster[model.LinkStatus]
	eventSubs  *broadcaster[model.LinkEvent]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLinkService creates a link supervisor. The service owns link and closes
// it on Stop.
func NewLinkService(
	cfg *config.Config,
	link Link,
	bus pkgbus.MessageBus,
	tracker *ping.Tracker,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *LinkService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &LinkService{
		cfg:        cfg,
		link:       link,
		bus:        bus,
		tracker:    tracker,
		metrics:    m,
		logger:     utils.NewLinkLogger(logger, link.Medium(), cfg.Link.SenderID),
		clock:      clock.New(),
		txQueue:    make(chan *bytebufferpool.ByteBuffer, cfg.Ping.TxQueueSize),
		downlink:   newDownlinkSplitter(link.Medium(), maxBusMessage),
		state:      model.LinkStateConnecting,
		statusSubs: newBroadcaster[model.LinkStatus](8),
		eventSubs:  newBroadcaster[model.LinkEvent](32),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start binds the pong handler and launches the link loops. The service runs
// until ctx is cancelled or Stop is called.
func (s *LinkService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	handle, err := s.tracker.BindPing(s.bus, s.onPong, s.cfg.Ping.PongPattern)
	if err != nil {
		s.logger.LogConnection("bind_pong", false, err)
		return fmt.Errorf("failed to bind pong handler: %w", err)
	}
	s.pingHandle = handle

	now := s.clock.Now()
	s.mu.Lock()
	s.startedAt = now
	s.lastReport = now
	s.state = model.LinkStateConnecting
	s.mu.Unlock()

	s.tracker.Reset()

	// Tickers are created here so the first period starts at Start
	pingTicker := s.clock.Ticker(s.cfg.Link.PingInterval())
	statusTicker := s.clock.Ticker(s.cfg.Link.StatusInterval())

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(4)
	go s.rxLoop(ctx)
	go s.txLoop(ctx)
	go s.every(ctx, pingTicker, s.sendPing)
	go s.every(ctx, statusTicker, s.reportStatus)

	s.logger.LogConnection("start", true, nil)
	return nil
}

// Stop halts the loops, revokes the pong binding and closes the link
func (s *LinkService) Stop() error {
	var err error

	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.running.Store(false)

		if s.pingHandle != "" {
			err = multierr.Append(err, ping.Unbind(s.pingHandle))
		}
		err = multierr.Append(err, s.link.Close())

		s.setState(model.LinkStateStopped)
		s.metrics.SetLinkUp(false)
		s.statusSubs.close()
		s.eventSubs.close()

		s.logger.LogConnection("stop", err == nil, err)
	})

	return err
}

// Send queues data for the uplink. The bytes are copied; data may be reused
// as soon as Send returns.
func (s *LinkService) Send(data []byte) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if s.linkDown.Load() {
		return ErrLinkDown
	}
	if len(data) == 0 {
		return nil
	}
	return s.enqueue(data)
}

func (s *LinkService) enqueue(data []byte) error {
	bb := bytebufferpool.Get()
	_, _ = bb.Write(data)

	select {
	case s.txQueue <- bb:
		return nil
	default:
		bytebufferpool.Put(bb)
		return ErrQueueFull
	}
}

// Status returns the current link status. Rates cover the last status period.
func (s *LinkService) Status() model.LinkStatus {
	return s.buildStatus(s.clock.Now())
}

// Healthy reports an error when the link cannot carry traffic
func (s *LinkService) Healthy() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if s.linkDown.Load() {
		return ErrLinkDown
	}
	return nil
}

// SubscribeStatus streams every periodic status report until cancel is called
func (s *LinkService) SubscribeStatus() (<-chan model.LinkStatus, func()) {
	return s.statusSubs.subscribe()
}

// SubscribeEvents streams link events until cancel is called
func (s *LinkService) SubscribeEvents() (<-chan model.LinkEvent, func()) {
	return s.eventSubs.subscribe()
}

func (s *LinkService) every(ctx context.Context, ticker *clock.Ticker, fn func()) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *LinkService) rxLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.Ping.ReadBuffer)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.link.ComRead(buf)
		if n > 0 {
			s.rxBytes.Add(uint64(n))
			s.metrics.AddRx(n)
			if s.onRx != nil {
				s.onRx(buf[:n])
			}
			s.downlink.feed(buf[:n], s.publishDownlink)
		}
		if err == nil || protocol.IsTimeout(err) {
			continue
		}
		if protocol.IsLinkDown(err) {
			if ctx.Err() == nil {
				s.markDown("rx", err)
			}
			return
		}

		s.rxErrors.Inc()
		s.metrics.TransportError("rx")
		s.recordError(err)
		s.logger.LogTransportError("rx", false, err)
	}
}

func (s *LinkService) txLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.drainQueue()
			return
		case bb := <-s.txQueue:
			err := s.writeAll(ctx, bb.B)
			bytebufferpool.Put(bb)
			if err != nil && protocol.IsLinkDown(err) {
				if ctx.Err() == nil {
					s.markDown("tx", err)
				}
				s.drainQueue()
				return
			}
		}
	}
}

// writeAll loops over short writes and timeouts until data is sent, a hard
// error occurs or ctx ends. Bytes already sent are not resent.
func (s *LinkService) writeAll(ctx context.Context, data []byte) error {
	for off := 0; off < len(data); {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.link.ComWrite(data[off:])
		if n > 0 {
			off += n
			s.txBytes.Add(uint64(n))
			s.metrics.AddTx(n)
		}
		if err == nil || protocol.IsTimeout(err) {
			continue
		}

		if !protocol.IsLinkDown(err) {
			s.txErrors.Inc()
			s.metrics.TransportError("tx")
			s.recordError(err)
			s.logger.LogTransportError("tx", false, err)
		}
		return err
	}
	return nil
}

func (s *LinkService) drainQueue() {
	for {
		select {
		case bb := <-s.txQueue:
			bytebufferpool.Put(bb)
		default:
			return
		}
	}
}

// sendPing starts a new round trip. A ping still outstanding is counted as
// lost and its elapsed time recorded as the sample.
func (s *LinkService) sendPing() {
	if s.awaitingPong.Swap(false) {
		sample := s.tracker.Update()
		s.pingsLost.Inc()
		s.metrics.PingLost()
		s.metrics.ObservePing(sample)
		s.logger.Warn("Ping lost", zap.Float64("elapsed", sample.PingTime))
		s.eventSubs.publish(model.NewLinkEvent(model.EventPingLost, "WARNING"))
	} else {
		s.tracker.Reset()
	}
	s.awaitingPong.Store(true)

	msg := fmt.Sprintf("%s PING", s.cfg.Link.SenderID)
	if !s.linkDown.Load() {
		if err := s.enqueue([]byte(msg + "\n")); err != nil {
			s.logger.Debug("Ping not queued", zap.Error(err))
		}
	}
	s.bus.Publish(msg)
}

// publishDownlink puts a message received from the vehicle on the bus, where
// the pong binding and any other listener pick it up
func (s *LinkService) publishDownlink(msg string) {
	s.bus.Publish(msg)
}

// onPong completes the outstanding round trip; unsolicited pongs are ignored
func (s *LinkService) onPong(t *ping.Tracker, args []string) {
	if !s.awaitingPong.CompareAndSwap(true, false) {
		return
	}
	t.CallbackPing(args)

	sample := t.Snapshot()
	s.metrics.ObservePing(sample)
	s.logger.Debug("Pong received",
		zap.Strings("args", args),
		zap.Float64("ping_time", sample.PingTime),
		zap.Float64("ping_time_ema", sample.PingTimeEMA),
	)
	s.eventSubs.publish(model.NewLinkEvent(model.EventPingReceived, "INFO"))
}

func (s *LinkService) reportStatus() {
	now := s.clock.Now()
	rx, tx := s.rxBytes.Load(), s.txBytes.Load()

	s.mu.Lock()
	if elapsed := now.Sub(s.lastReport).Seconds(); elapsed > 0 {
		s.rxRate = float64(rx-s.lastRx) / elapsed
		s.txRate = float64(tx-s.lastTx) / elapsed
	}
	received := rx > s.lastRx
	s.lastRx, s.lastTx, s.lastReport = rx, tx, now
	prev := s.state
	next := nextState(prev, received, s.linkDown.Load())
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.emitTransition(next)
	}

	status := s.buildStatus(now)
	s.logger.LogStatus(status)
	s.metrics.ObservePing(ping.Sample{PingTime: status.PingTime, PingTimeEMA: status.PingTimeEMA})
	s.metrics.SetLinkUp(status.IsUp())
	s.bus.Publish(formatLinkReport(status))
	s.statusSubs.publish(status)

	ev := model.NewLinkEvent(model.EventStatusReport, "INFO")
	ev.Status = &status
	s.eventSubs.publish(ev)
}

// nextState derives the link state at a status tick. The link is up while
// downlink bytes keep arriving; a terminal transport error is final.
func nextState(prev model.LinkState, received, down bool) model.LinkState {
	switch {
	case down:
		return model.LinkStateDown
	case received:
		return model.LinkStateUp
	case prev == model.LinkStateUp:
		return model.LinkStateDown
	default:
		return prev
	}
}

func (s *LinkService) markDown(direction string, err error) {
	if !s.linkDown.CompareAndSwap(false, true) {
		return
	}

	if direction == "rx" {
		s.rxErrors.Inc()
	} else {
		s.txErrors.Inc()
	}
	s.metrics.TransportError(direction)
	s.recordError(err)
	s.logger.LogTransportError(direction, false, err)

	if prev := s.setState(model.LinkStateDown); prev != model.LinkStateDown {
		s.emitTransition(model.LinkStateDown)
	}
}

func (s *LinkService) emitTransition(next model.LinkState) {
	switch next {
	case model.LinkStateUp:
		s.logger.LogConnection("link_up", true, nil)
		s.metrics.SetLinkUp(true)
		s.eventSubs.publish(model.NewLinkEvent(model.EventLinkUp, "INFO"))
	case model.LinkStateDown:
		s.mu.RLock()
		lastError := s.lastError
		s.mu.RUnlock()

		s.logger.LogConnection("link_down", false, nil)
		s.metrics.SetLinkUp(false)
		ev := model.NewLinkEvent(model.EventLinkDown, "ERROR")
		ev.Error = lastError
		s.eventSubs.publish(ev)
	}
}

func (s *LinkService) setState(next model.LinkState) model.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = next
	return prev
}

func (s *LinkService) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func (s *LinkService) buildStatus(now time.Time) model.LinkStatus {
	sample := s.tracker.Snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := model.LinkStatus{
		Medium:      s.link.Medium(),
		State:       s.state,
		SenderID:    s.cfg.Link.SenderID,
		PingTime:    sample.PingTime,
		PingTimeEMA: sample.PingTimeEMA,
		PingsLost:   s.pingsLost.Load(),
		RxBytes:     s.rxBytes.Load(),
		TxBytes:     s.txBytes.Load(),
		RxRate:      s.rxRate,
		TxRate:      s.txRate,
		RxErrors:    s.rxErrors.Load(),
		TxErrors:    s.txErrors.Load(),
		LastError:   s.lastError,
		Timestamp:   now,
	}
	if !s.startedAt.IsZero() {
		status.Uptime = now.Sub(s.startedAt).Truncate(time.Millisecond).String()
	}
	return status
}

// formatLinkReport renders a status as a bus message:
// <sender> LINK_REPORT <medium> <state> <rx_bytes> <tx_bytes> <rx_rate> <tx_rate> <ping_ms> <ping_ema_ms> <pings_lost>
func formatLinkReport(st model.LinkStatus) string {
	return fmt.Sprintf("%s LINK_REPORT %s %s %d %d %.1f %.1f %.3f %.3f %d",
		st.SenderID,
		st.Medium,
		st.State,
		st.RxBytes,
		st.TxBytes,
		st.RxRate,
		st.TxRate,
		st.PingTime*1000,
		st.PingTimeEMA*1000,
		st.PingsLost,
	)
}
