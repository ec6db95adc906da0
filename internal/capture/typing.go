package capture

import (
	"sync"
	"time"
)

// TypingTracker derives typing signals from text-change callbacks: input
// length, backspace detection (new length shorter than the previous), a
// bounded window of inter-keystroke intervals, and an inferred thinking
// pause when a quiet window elapses with no further keystroke.
//
// The quiet-window timer is re-armed on every keystroke: arming cancels
// the previous timer rather than letting timers overlap. When it fires,
// the tracker emits ThinkingPause and leaves the "is typing" state.
type TypingTracker struct {
	sink        Sink
	componentID string
	quietWindow time.Duration
	window      int
	now         func() time.Time

	mu         sync.Mutex
	lastChange time.Time
	lastLen    int
	intervals  []time.Duration
	quietTimer *time.Timer
	typing     bool
	closed     bool
}

// NewTypingTracker creates a tracker emitting into sink. quietWindow is
// the keystroke silence that counts as a thinking pause (default 1.5s);
// window bounds the interval history (default 10).
func NewTypingTracker(sink Sink, componentID string, quietWindow time.Duration, window int) *TypingTracker {
	if quietWindow <= 0 {
		quietWindow = 1500 * time.Millisecond
	}
	if window < 2 {
		window = 10
	}
	return &TypingTracker{
		sink:        sink,
		componentID: componentID,
		quietWindow: quietWindow,
		window:      window,
		now:         time.Now,
	}
}

// ObserveText processes one text-change sample.
func (t *TypingTracker) ObserveText(text string) {
	t.observe(len([]rune(text)), "")
}

// ObserveKey processes one keystroke with an explicit key code and the
// resulting input length.
func (t *TypingTracker) ObserveKey(keyCode string, inputLen int) {
	t.observe(inputLen, keyCode)
}

func (t *TypingTracker) observe(inputLen int, keyCode string) {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return
	}

	now := t.now()
	backspace := inputLen < t.lastLen

	if !t.lastChange.IsZero() {
		interval := now.Sub(t.lastChange)
		t.intervals = append(t.intervals, interval)
		if len(t.intervals) > t.window {
			t.intervals = t.intervals[1:]
		}
	}

	t.lastChange = now
	t.lastLen = inputLen
	t.typing = true

	// Re-arm the quiet-window timer: cancel, then schedule.
	if t.quietTimer != nil {
		t.quietTimer.Stop()
	}
	t.quietTimer = time.AfterFunc(t.quietWindow, t.quietElapsed)

	t.mu.Unlock()

	t.sink.Typing(inputLen, backspace, keyCode, t.componentID)
}

// quietElapsed fires when the quiet window passes without a keystroke.
func (t *TypingTracker) quietElapsed() {
	t.mu.Lock()
	if t.closed || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	gap := t.now().Sub(t.lastChange)
	t.mu.Unlock()

	t.sink.ThinkingPause(gap, t.componentID)
}

// Typing reports whether the tracker is inside an active typing burst.
func (t *TypingTracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Intervals returns a copy of the recent inter-keystroke intervals.
func (t *TypingTracker) Intervals() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.intervals...)
}

// Wrap returns a text-change callback that feeds the tracker and then
// runs next, unconditionally.
func (t *TypingTracker) Wrap(next func(text string)) func(text string) {
	return func(text string) {
		t.ObserveText(text)
		if next != nil {
			next(text)
		}
	}
}

// Close cancels the pending quiet-window timer and stops emission. Called
// on screen teardown so no timer outlives its session.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.typing = false
	if t.quietTimer != nil {
		t.quietTimer.Stop()
		t.quietTimer = nil
	}
}
