// Package ping measures link round-trip latency.
//
// A Tracker records the instant of the last reset. A completed round trip,
// signalled either by the bus (CallbackPing) or by the owning loop (Update),
// samples the elapsed time, restarts the timer and folds the sample into an
// exponential moving average. Every mutation happens under one mutex so
// readers always see a raw sample paired with the average computed from it.
package ping

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sample is a consistent view of the tracker state
type Sample struct {
	// PingTime is the last round trip [s]
	PingTime float64 `json:"ping_time"`
	// PingTimeEMA is the smoothed round trip [s]
	PingTimeEMA float64 `json:"ping_time_ema"`
	Alpha       float64 `json:"alpha"`
}

// Tracker holds ping timing state
type Tracker struct {
	mu          sync.Mutex
	clock       clock.Clock
	pingInstant time.Time
	pingTime    float64
	alpha       float64
	pingTimeEMA float64
}

// NewTracker creates a tracker smoothing with alpha, expected within [0,1]
func NewTracker(alpha float64) *Tracker {
	return NewTrackerWithClock(alpha, clock.New())
}

// NewTrackerWithClock creates a tracker reading time from clk
func NewTrackerWithClock(alpha float64, clk clock.Clock) *Tracker {
	return &Tracker{
		clock:       clk,
		pingInstant: clk.Now(),
		alpha:       alpha,
	}
}

// Reset restarts the timer, marking the start of a round trip
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingInstant = t.clock.Now()
}

// CallbackPing completes a round trip on behalf of the bus. Arguments are
// the captured fields of the matching message and are not interpreted here.
func (t *Tracker) CallbackPing(_ []string) {
	t.Update()
}

// Update completes a round trip without a bus event, e.g. to record a ping
// that never returned. It returns the state after the update.
func (t *Tracker) Update() Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	elapsed := now.Sub(t.pingInstant).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	t.pingTime = elapsed
	t.pingTimeEMA = t.alpha*elapsed + (1-t.alpha)*t.pingTimeEMA
	t.pingInstant = now

	return t.snapshotLocked()
}

// Elapsed returns the time since the last reset or completed round trip
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Since(t.pingInstant)
}

// PingTime returns the last round trip [s]
func (t *Tracker) PingTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingTime
}

// PingTimeEMA returns the smoothed round trip [s]
func (t *Tracker) PingTimeEMA() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingTimeEMA
}

// Alpha returns the smoothing factor
func (t *Tracker) Alpha() float64 {
	return t.alpha
}

// Snapshot returns the raw and smoothed values as one consistent pair
func (t *Tracker) Snapshot() Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Sample {
	return Sample{
		PingTime:    t.pingTime,
		PingTimeEMA: t.pingTimeEMA,
		Alpha:       t.alpha,
	}
}
