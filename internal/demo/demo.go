// Package demo drives synthetic user behavior through the full capture
// pipeline so the engine can be exercised end-to-end without a real app:
// scroll bursts with plausible kinematics, typing with occasional
// backspaces and thinking pauses, taps, long presses, and alternating
// conversation messages. The generated stream flows through the same
// trackers, consent gate, queue, and scorer a real integration would use.
package demo

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/lovesync/pulse/internal/capture"
	"github.com/lovesync/pulse/internal/collector"
	"github.com/lovesync/pulse/internal/config"
	"github.com/lovesync/pulse/internal/realtime"
)

// Runner simulates one user working through chat and browse screens.
// When Realtime is set, each simulated session subscribes to the server's
// score stream for its duration.
type Runner struct {
	Collector *collector.Collector
	Cfg       config.CaptureConfig
	Logger    *log.Logger
	Realtime  *realtime.Client
	Interval  time.Duration // time between simulated activity bursts

	messageSeq int // monotonically increasing message ids
}

// New creates a demo runner with a sensible default interval.
func New(c *collector.Collector, cfg config.CaptureConfig, logger *log.Logger) *Runner {
	return &Runner{
		Collector: c,
		Cfg:       cfg,
		Logger:    logger,
		Interval:  15 * time.Second,
	}
}

// Run starts the simulation: one burst immediately, then one per interval
// until ctx is cancelled. Each burst runs a session on a random screen and
// logs the resulting interest score.
func (r *Runner) Run(ctx context.Context) {
	r.Logger.Printf("demo mode active — simulating user interaction")

	if !sleepOrCancel(ctx, 2*time.Second) {
		return
	}
	r.runBurst(ctx)

	t := time.NewTicker(r.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.runBurst(ctx)
		}
	}
}

// runBurst simulates one focused-screen period: session start, a mix of
// scrolling, typing, presses, and messages, then session end.
func (r *Runner) runBurst(ctx context.Context) {
	screens := []string{"ChatScreen", "BrowseScreen", "ProfileScreen"}
	screen := screens[rand.IntN(len(screens))]

	id, err := r.Collector.StartSession(ctx, screen)
	if err != nil {
		r.Logger.Printf("demo: starting session: %v", err)
		return
	}
	r.Logger.Printf("demo: session %s on %s", id, screen)

	if r.Realtime != nil {
		if err := r.Realtime.Connect(ctx, id, r.Collector.OnRemoteScore); err != nil {
			r.Logger.Printf("demo: score stream unavailable, using local score: %v", err)
		}
		defer r.Realtime.Close()
	}

	r.simulateScrolling(ctx)
	if screen == "ChatScreen" {
		r.simulateConversation(ctx)
	}
	r.simulatePresses(ctx)

	if score, ok := r.Collector.Score(); ok {
		r.Logger.Printf("demo: interest score %.1f (confidence %.2f)", score.Score, score.Confidence)
	}
	if n, err := r.Collector.QueueSize(); err == nil {
		r.Logger.Printf("demo: %d events queued", n)
	}

	r.Collector.EndSession(ctx)
}

// simulateScrolling feeds offset samples through a ScrollTracker so the
// derived velocity and acceleration come from the real kinematics path.
func (r *Runner) simulateScrolling(ctx context.Context) {
	tracker := capture.NewScrollTracker(r.Collector, "feed", r.Cfg.VelocityWindow)

	offset := 0.0
	for i := 0; i < 8; i++ {
		if !sleepOrCancel(ctx, time.Duration(30+rand.IntN(90))*time.Millisecond) {
			return
		}
		offset += 40 + rand.Float64()*260 // flicks of varying energy
		tracker.Observe(offset)
	}
}

// simulateConversation types a message through a TypingTracker, sends it,
// and records a reply, alternating sides so reciprocity has signal.
func (r *Runner) simulateConversation(ctx context.Context) {
	quiet := time.Duration(r.Cfg.QuietWindowMS) * time.Millisecond
	tracker := capture.NewTypingTracker(r.Collector, "message-input", quiet, r.Cfg.KeystrokeWindow)
	defer tracker.Close()

	text := ""
	words := []string{"hey", "that", "sounds", "really", "fun", "when", "are", "you", "free"}
	for _, w := range words[:3+rand.IntN(len(words)-3)] {
		for _, ch := range w {
			if !sleepOrCancel(ctx, time.Duration(60+rand.IntN(180))*time.Millisecond) {
				return
			}
			text += string(ch)
			tracker.ObserveText(text)
		}
		// Occasional correction.
		if rand.IntN(5) == 0 {
			text = text[:len(text)-1]
			tracker.ObserveText(text)
		}
		text += " "
		tracker.ObserveText(text)
	}

	r.messageSeq++
	r.Collector.RecordMessage(fmt.Sprintf("demo-msg-%d", r.messageSeq), true, len(text))

	if !sleepOrCancel(ctx, time.Duration(300+rand.IntN(900))*time.Millisecond) {
		return
	}
	r.messageSeq++
	r.Collector.RecordMessage(fmt.Sprintf("demo-msg-%d", r.messageSeq), false, 20+rand.IntN(80))
}

// simulatePresses runs a few taps and the occasional long press through a
// PressTracker.
func (r *Runner) simulatePresses(ctx context.Context) {
	threshold := time.Duration(r.Cfg.LongPressMS) * time.Millisecond
	tracker := capture.NewPressTracker(r.Collector, "profile-card", threshold)

	for i := 0; i < 3; i++ {
		if !sleepOrCancel(ctx, time.Duration(150+rand.IntN(400))*time.Millisecond) {
			return
		}
		tracker.Down()
		hold := time.Duration(40+rand.IntN(120)) * time.Millisecond
		if rand.IntN(4) == 0 {
			hold = threshold + time.Duration(rand.IntN(400))*time.Millisecond
		}
		if !sleepOrCancel(ctx, hold) {
			return
		}
		tracker.Up()
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
