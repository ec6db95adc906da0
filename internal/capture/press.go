package capture

import (
	"sync"
	"time"
)

// PressTracker classifies press gestures: a release held past the
// long-press threshold emits LONG_PRESS with the measured duration,
// anything shorter emits TAP.
type PressTracker struct {
	sink        Sink
	componentID string
	threshold   time.Duration
	now         func() time.Time

	mu   sync.Mutex
	down time.Time
}

// NewPressTracker creates a tracker emitting into sink. threshold is the
// minimum hold for a long press (default 500ms).
func NewPressTracker(sink Sink, componentID string, threshold time.Duration) *PressTracker {
	if threshold <= 0 {
		threshold = 500 * time.Millisecond
	}
	return &PressTracker{
		sink:        sink,
		componentID: componentID,
		threshold:   threshold,
		now:         time.Now,
	}
}

// Down records the press-down instant.
func (t *PressTracker) Down() {
	t.mu.Lock()
	t.down = t.now()
	t.mu.Unlock()
}

// Up classifies the release. A release with no recorded press-down counts
// as a plain tap.
func (t *PressTracker) Up() {
	t.mu.Lock()
	down := t.down
	t.down = time.Time{}
	t.mu.Unlock()

	if !down.IsZero() {
		if held := t.now().Sub(down); held >= t.threshold {
			t.sink.LongPress(held, t.componentID)
			return
		}
	}
	t.sink.Tap(t.componentID)
}

// Wrap returns a release callback that classifies the press and then runs
// next, unconditionally.
func (t *PressTracker) Wrap(next func()) func() {
	return func() {
		t.Up()
		if next != nil {
			next()
		}
	}
}
