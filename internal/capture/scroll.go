package capture

import (
	"sync"
	"time"
)

// ScrollTracker derives velocity and acceleration from raw scroll offset
// samples. A bounded rolling window of recent velocities smooths the
// acceleration estimate.
type ScrollTracker struct {
	sink        Sink
	componentID string
	window      int
	now         func() time.Time

	mu         sync.Mutex
	lastTime   time.Time
	lastOffset float64
	velocities []float64
}

// NewScrollTracker creates a tracker emitting into sink. window bounds the
// velocity history used for acceleration smoothing; values below 2 fall
// back to the default of 5.
func NewScrollTracker(sink Sink, componentID string, window int) *ScrollTracker {
	if window < 2 {
		window = 5
	}
	return &ScrollTracker{
		sink:        sink,
		componentID: componentID,
		window:      window,
		now:         time.Now,
	}
}

// Observe processes one scroll position sample. A SCROLL signal is emitted
// for every sample with a positive time delta since the previous one; the
// first sample only seeds the tracker state.
func (t *ScrollTracker) Observe(offset float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.lastTime.IsZero() {
		dt := now.Sub(t.lastTime).Seconds()
		if dt > 0 {
			delta := offset - t.lastOffset
			velocity := abs(delta) / dt // units/s

			t.velocities = append(t.velocities, velocity)
			if len(t.velocities) > t.window {
				t.velocities = t.velocities[1:]
			}

			accel := 0.0
			if len(t.velocities) >= 2 {
				prev := t.velocities[len(t.velocities)-2]
				accel = (velocity - prev) / dt
			}

			t.sink.Scroll(delta, velocity, accel, t.componentID)
		}
	}

	t.lastTime = now
	t.lastOffset = offset
}

// Wrap returns a scroll callback that feeds the tracker and then runs
// next. The wrapped surface's own behavior is preserved unconditionally.
func (t *ScrollTracker) Wrap(next func(offset float64)) func(offset float64) {
	return func(offset float64) {
		t.Observe(offset)
		if next != nil {
			next(offset)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
