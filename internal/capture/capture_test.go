package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every emitted signal for inspection.
type recordingSink struct {
	mu         sync.Mutex
	scrolls    []scrollSignal
	taps       []string
	longPress  []time.Duration
	typings    []typeSignal
	pauses     []time.Duration
	pauseComps []string
}

type scrollSignal struct {
	delta, velocity, accel float64
	componentID            string
}

type typeSignal struct {
	inputLen    int
	backspace   bool
	keyCode     string
	componentID string
}

func (s *recordingSink) Scroll(delta, velocity, accel float64, componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls = append(s.scrolls, scrollSignal{delta, velocity, accel, componentID})
}

func (s *recordingSink) Tap(componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = append(s.taps, componentID)
}

func (s *recordingSink) LongPress(duration time.Duration, componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.longPress = append(s.longPress, duration)
}

func (s *recordingSink) Typing(inputLen int, backspace bool, keyCode, componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typings = append(s.typings, typeSignal{inputLen, backspace, keyCode, componentID})
}

func (s *recordingSink) ThinkingPause(gap time.Duration, componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, gap)
	s.pauseComps = append(s.pauseComps, componentID)
}

func (s *recordingSink) pauseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pauses)
}

// fakeClock steps time manually for deterministic kinematics.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestScrollFirstSampleSeedsOnly(t *testing.T) {
	sink := &recordingSink{}
	tr := NewScrollTracker(sink, "feed", 5)
	tr.now = newFakeClock().now

	tr.Observe(100)
	assert.Empty(t, sink.scrolls, "a single sample has no velocity to report")
}

func TestScrollKinematics(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewScrollTracker(sink, "feed", 5)
	tr.now = clock.now

	tr.Observe(0)
	clock.advance(100 * time.Millisecond)
	tr.Observe(50) // 50 units in 0.1s → 500 units/s
	clock.advance(100 * time.Millisecond)
	tr.Observe(150) // 100 units in 0.1s → 1000 units/s

	require.Len(t, sink.scrolls, 2)

	first := sink.scrolls[0]
	assert.InDelta(t, 50, first.delta, 1e-9)
	assert.InDelta(t, 500, first.velocity, 1e-9)
	assert.Equal(t, "feed", first.componentID)

	second := sink.scrolls[1]
	assert.InDelta(t, 100, second.delta, 1e-9)
	assert.InDelta(t, 1000, second.velocity, 1e-9)
	// Δv = 500 units/s over 0.1s.
	assert.InDelta(t, 5000, second.accel, 1e-9)
}

func TestScrollUpwardVelocityPositive(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewScrollTracker(sink, "feed", 5)
	tr.now = clock.now

	tr.Observe(500)
	clock.advance(100 * time.Millisecond)
	tr.Observe(400) // scrolling back up

	require.Len(t, sink.scrolls, 1)
	assert.InDelta(t, -100, sink.scrolls[0].delta, 1e-9)
	assert.InDelta(t, 1000, sink.scrolls[0].velocity, 1e-9, "speed is direction-free")
}

func TestScrollZeroTimeDeltaDropped(t *testing.T) {
	sink := &recordingSink{}
	tr := NewScrollTracker(sink, "feed", 5)
	tr.now = newFakeClock().now

	tr.Observe(0)
	tr.Observe(100) // same instant
	assert.Empty(t, sink.scrolls)
}

func TestScrollWrapAlwaysRunsCallback(t *testing.T) {
	sink := &recordingSink{}
	tr := NewScrollTracker(sink, "feed", 5)

	var got []float64
	wrapped := tr.Wrap(func(offset float64) { got = append(got, offset) })
	wrapped(10)
	wrapped(20)

	assert.Equal(t, []float64{10, 20}, got)
}

func TestTypingBackspaceDetection(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewTypingTracker(sink, "message-input", time.Hour, 10)
	tr.now = clock.now
	defer tr.Close()

	tr.ObserveText("he")
	clock.advance(120 * time.Millisecond)
	tr.ObserveText("hel")
	clock.advance(120 * time.Millisecond)
	tr.ObserveText("he") // deletion

	require.Len(t, sink.typings, 3)
	assert.False(t, sink.typings[1].backspace)
	assert.True(t, sink.typings[2].backspace)
	assert.Equal(t, 2, sink.typings[2].inputLen)
}

func TestTypingCountsRunes(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTypingTracker(sink, "message-input", time.Hour, 10)
	defer tr.Close()

	tr.ObserveText("héllo")

	require.Len(t, sink.typings, 1)
	assert.Equal(t, 5, sink.typings[0].inputLen)
}

func TestTypingIntervalWindowBounded(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewTypingTracker(sink, "message-input", time.Hour, 3)
	tr.now = clock.now
	defer tr.Close()

	text := ""
	for i := 0; i < 10; i++ {
		text += "a"
		tr.ObserveText(text)
		clock.advance(100 * time.Millisecond)
	}

	assert.Len(t, tr.Intervals(), 3)
}

func TestThinkingPauseAfterQuietWindow(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTypingTracker(sink, "message-input", 30*time.Millisecond, 10)
	defer tr.Close()

	tr.ObserveText("h")
	require.True(t, tr.Typing())

	require.Eventually(t, func() bool { return sink.pauseCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.False(t, tr.Typing(), "the pause ends the typing burst")
	assert.Equal(t, "message-input", sink.pauseComps[0])
}

func TestKeystrokeReArmsQuietTimer(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTypingTracker(sink, "message-input", 250*time.Millisecond, 10)
	defer tr.Close()

	// Keep typing faster than the quiet window: no pause may fire.
	text := ""
	for i := 0; i < 5; i++ {
		text += "a"
		tr.ObserveText(text)
		time.Sleep(30 * time.Millisecond)
	}
	assert.Zero(t, sink.pauseCount())

	require.Eventually(t, func() bool { return sink.pauseCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestCloseCancelsQuietTimer(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTypingTracker(sink, "message-input", 30*time.Millisecond, 10)

	tr.ObserveText("h")
	tr.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, sink.pauseCount(), "no timer may outlive Close")

	tr.ObserveText("hi")
	assert.Len(t, sink.typings, 1, "a closed tracker stops emitting")
}

func TestPressClassification(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewPressTracker(sink, "profile-card", 500*time.Millisecond)
	tr.now = clock.now

	tr.Down()
	clock.advance(100 * time.Millisecond)
	tr.Up()
	require.Len(t, sink.taps, 1)
	assert.Empty(t, sink.longPress)

	tr.Down()
	clock.advance(700 * time.Millisecond)
	tr.Up()
	require.Len(t, sink.longPress, 1)
	assert.Equal(t, 700*time.Millisecond, sink.longPress[0])
}

func TestPressExactThresholdIsLong(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock()
	tr := NewPressTracker(sink, "profile-card", 500*time.Millisecond)
	tr.now = clock.now

	tr.Down()
	clock.advance(500 * time.Millisecond)
	tr.Up()

	assert.Len(t, sink.longPress, 1)
	assert.Empty(t, sink.taps)
}

func TestReleaseWithoutDownIsTap(t *testing.T) {
	sink := &recordingSink{}
	tr := NewPressTracker(sink, "profile-card", 500*time.Millisecond)

	tr.Up()
	assert.Len(t, sink.taps, 1)
}

func TestPressWrapRunsCallback(t *testing.T) {
	sink := &recordingSink{}
	tr := NewPressTracker(sink, "profile-card", 500*time.Millisecond)

	ran := false
	tr.Wrap(func() { ran = true })()
	assert.True(t, ran)
	assert.Len(t, sink.taps, 1)
}
