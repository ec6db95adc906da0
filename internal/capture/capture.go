// Package capture instruments raw UI callbacks — scroll position samples,
// text changes, press down/up — and derives normalized interaction signals:
// velocity and acceleration from scroll offsets, inter-keystroke intervals
// and backspaces from text changes, tap versus long-press from hold
// duration, and inferred thinking pauses from keystroke silence.
//
// Trackers never fail and never block: they forward derived signals to a
// Sink and always run the wrapped surface's own callback, whether or not
// telemetry succeeded downstream.
package capture

import "time"

// Sink receives normalized interaction signals. The engine's collector
// implements Sink, gating on consent and fanning out to the durable queue
// and the scorer; trackers stay ignorant of both.
type Sink interface {
	Scroll(delta, velocity, accel float64, componentID string)
	Tap(componentID string)
	LongPress(duration time.Duration, componentID string)
	Typing(inputLen int, backspace bool, keyCode, componentID string)
	// ThinkingPause reports that a quiet window elapsed with no further
	// keystroke: the user stopped typing for gap and is presumed thinking.
	ThinkingPause(gap time.Duration, componentID string)
}
