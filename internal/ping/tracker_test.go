package ping

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const tolerance = 1e-9

type TrackerTestSuite struct {
	suite.Suite
	clock *clock.Mock
}

func (s *TrackerTestSuite) SetupTest() {
	s.clock = clock.NewMock()
}

func (s *TrackerTestSuite) TestEMAScenario() {
	tr := NewTrackerWithClock(0.2, s.clock)

	tr.Reset()
	s.clock.Add(10 * time.Millisecond)
	got := tr.Update()

	s.InDelta(0.010, got.PingTime, tolerance)
	s.InDelta(0.002, got.PingTimeEMA, tolerance)
}

func (s *TrackerTestSuite) TestUpdateBlendsWithPreviousEstimate() {
	tr := NewTrackerWithClock(0.5, s.clock)

	s.clock.Add(100 * time.Millisecond)
	first := tr.Update()
	s.InDelta(0.05, first.PingTimeEMA, tolerance)

	s.clock.Add(20 * time.Millisecond)
	second := tr.Update()
	s.InDelta(0.020, second.PingTime, tolerance)
	s.InDelta(0.5*0.020+0.5*0.05, second.PingTimeEMA, tolerance)
}

func (s *TrackerTestSuite) TestCallbackPingUsesSameRecurrence() {
	viaUpdate := NewTrackerWithClock(0.3, s.clock)
	viaCallback := NewTrackerWithClock(0.3, s.clock)

	for _, step := range []time.Duration{40 * time.Millisecond, 5 * time.Millisecond, 70 * time.Millisecond} {
		viaUpdate.Reset()
		viaCallback.Reset()
		s.clock.Add(step)
		viaUpdate.Update()
		viaCallback.CallbackPing([]string{"ac1", " 42"})
	}

	s.Equal(viaUpdate.Snapshot(), viaCallback.Snapshot())
	s.InDelta(0.070, viaCallback.PingTime(), tolerance)
}

func (s *TrackerTestSuite) TestAlphaZeroKeepsInitialEstimate() {
	tr := NewTrackerWithClock(0, s.clock)

	for i := 0; i < 5; i++ {
		s.clock.Add(time.Duration(i+1) * 37 * time.Millisecond)
		tr.Update()
		s.Equal(0.0, tr.PingTimeEMA())
	}
	s.Greater(tr.PingTime(), 0.0)
}

func (s *TrackerTestSuite) TestAlphaOneTracksRawSample() {
	tr := NewTrackerWithClock(1, s.clock)

	for _, step := range []time.Duration{3 * time.Millisecond, 250 * time.Millisecond, time.Second} {
		s.clock.Add(step)
		got := tr.Update()
		s.InDelta(step.Seconds(), got.PingTime, tolerance)
		s.Equal(got.PingTime, got.PingTimeEMA)
	}
}

func (s *TrackerTestSuite) TestUpdateRestartsTimer() {
	tr := NewTrackerWithClock(0.1, s.clock)

	s.clock.Add(500 * time.Millisecond)
	tr.Update()
	s.Equal(time.Duration(0), tr.Elapsed())

	s.clock.Add(30 * time.Millisecond)
	s.Equal(30*time.Millisecond, tr.Elapsed())
}

func (s *TrackerTestSuite) TestResetDiscardsElapsed() {
	tr := NewTrackerWithClock(1, s.clock)

	s.clock.Add(time.Second)
	tr.Reset()
	s.clock.Add(15 * time.Millisecond)

	s.InDelta(0.015, tr.Update().PingTime, tolerance)
}

func TestTrackerTestSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}

func TestTracker_ResetThenUpdateIsNearZero(t *testing.T) {
	tr := NewTracker(0.2)
	previous := tr.PingTimeEMA()

	tr.Reset()
	got := tr.Update()

	assert.GreaterOrEqual(t, got.PingTime, 0.0)
	assert.Less(t, got.PingTime, 0.05)
	assert.InDelta(t, 0.2*got.PingTime+0.8*previous, got.PingTimeEMA, tolerance)
	assert.Equal(t, 0.2, tr.Alpha())
}

func TestTracker_ConcurrentAccessStaysConsistent(t *testing.T) {
	// With alpha=1 every serial ordering leaves EMA equal to the raw sample,
	// so any torn raw/EMA pair would show up in a snapshot.
	tr := NewTracker(1)

	const workers = 8
	const iterations = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				switch (w + i) % 4 {
				case 0:
					tr.Reset()
				case 1:
					tr.Update()
				case 2:
					tr.CallbackPing(nil)
				default:
					snap := tr.Snapshot()
					if snap.PingTime != snap.PingTimeEMA {
						t.Errorf("torn snapshot: %+v", snap)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	snap := tr.Snapshot()
	require.Equal(t, snap.PingTime, snap.PingTimeEMA)
	assert.GreaterOrEqual(t, snap.PingTime, 0.0)
}
