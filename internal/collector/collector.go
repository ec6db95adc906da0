// Package collector is the engine's front door. It implements
// capture.Sink, gating every signal on the user's consent settings,
// stamping it with the active session and hashed identity, persisting it
// to the durable queue, and feeding the local interest scorer. It also
// owns the periodic loop that flushes the queue, prunes old records, and
// expires idle sessions.
package collector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lovesync/pulse/internal/capture"
	"github.com/lovesync/pulse/internal/config"
	"github.com/lovesync/pulse/internal/consent"
	"github.com/lovesync/pulse/internal/identity"
	"github.com/lovesync/pulse/internal/queue"
	"github.com/lovesync/pulse/internal/realtime"
	"github.com/lovesync/pulse/internal/score"
	"github.com/lovesync/pulse/internal/session"
	"github.com/lovesync/pulse/internal/telemetry"
	"github.com/lovesync/pulse/internal/upload"
)

// Options carries the Collector's collaborators. Realtime is optional;
// when nil the local heuristic is the only score source.
type Options struct {
	Logger   *log.Logger
	Cfg      config.Config
	Gate     *consent.Gate
	Identity *identity.Provider
	Queue    queue.Store
	Sessions *session.Manager
	Uploader *upload.Client
	Realtime *realtime.Client
}

// Collector fans captured signals out to storage and scoring. All methods
// are safe for concurrent use. Logging methods never return errors: a
// denied or failed signal is dropped (and at most logged), never surfaced
// to the interacting user.
type Collector struct {
	log      *log.Logger
	cfg      config.Config
	gate     *consent.Gate
	identity *identity.Provider
	queue    queue.Store
	sessions *session.Manager
	uploader *upload.Client
	realtime *realtime.Client

	mu          sync.Mutex
	initialized bool
	scorer      *score.Tracker
	lastEvent   time.Time
	remote      *telemetry.InterestScore
	cancel      context.CancelFunc
	done        chan struct{}

	now func() time.Time
}

var _ capture.Sink = (*Collector)(nil)

// New creates a Collector. Call Initialize before logging events.
func New(opts Options) *Collector {
	return &Collector{
		log:      opts.Logger,
		cfg:      opts.Cfg,
		gate:     opts.Gate,
		identity: opts.Identity,
		queue:    opts.Queue,
		sessions: opts.Sessions,
		uploader: opts.Uploader,
		realtime: opts.Realtime,
		now:      time.Now,
	}
}

// Initialize opens the queue backend and starts the periodic maintenance
// loop: after a short startup grace it flushes pending events, prunes
// uploaded records past retention, and expires idle sessions on every
// sync interval. Idempotent; a second call is a no-op.
func (c *Collector) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.queue.Initialize(); err != nil {
		return fmt.Errorf("collector: initializing queue: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	go func() {
		defer close(done)
		c.maintenanceLoop(loopCtx)
	}()

	c.initialized = true
	return nil
}

func (c *Collector) maintenanceLoop(ctx context.Context) {
	grace := time.Duration(c.cfg.Sync.GraceSeconds) * time.Second
	if !sleepOrCancel(ctx, grace) {
		return
	}

	interval := time.Duration(c.cfg.Sync.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

func (c *Collector) maintain(ctx context.Context) {
	res := c.uploader.UploadPending(ctx)
	if res.Sent > 0 || res.Failed > 0 {
		c.log.Printf("collector: sync cycle sent=%d failed=%d", res.Sent, res.Failed)
	}

	retention := time.Duration(c.cfg.Storage.RetentionDays) * 24 * time.Hour
	if err := c.queue.ClearOld(retention); err != nil {
		c.log.Printf("collector: pruning uploaded events: %v", err)
	}

	c.sessions.CheckTimeout()
	if err := c.sessions.ClearOld(retention); err != nil {
		c.log.Printf("collector: pruning old sessions: %v", err)
	}
}

// StartSession begins a session on screen, emits the focus event, and
// resets the scorer. Remote session registration is best effort: its
// failure is logged and the local session proceeds. Returns the session
// id, or session.ErrConsentDenied when consent is absent or revoked.
func (c *Collector) StartSession(ctx context.Context, screen string) (string, error) {
	id, err := c.sessions.Start(screen)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	halfLife := time.Duration(c.cfg.Scoring.HalfLifeMinutes) * time.Minute
	c.scorer = score.NewTracker(id, halfLife)
	c.remote = nil
	c.lastEvent = time.Time{}
	c.mu.Unlock()

	if hash, err := c.identity.UserHash(); err == nil {
		if _, err := c.uploader.CreateSession(ctx, hash, screen, c.identity.DeviceInfo()); err != nil {
			c.log.Printf("collector: remote session registration failed, continuing locally: %v", err)
		}
	}

	c.logEvent(telemetry.EventFocusChange, "", map[string]any{"state": "focus"}, nil)
	return id, nil
}

// EndSession emits the blur event, closes the session, and triggers an
// immediate flush so a backgrounded app loses nothing to the next tick.
func (c *Collector) EndSession(ctx context.Context) {
	if _, ok := c.sessions.Current(); !ok {
		return
	}
	c.logEvent(telemetry.EventFocusChange, "", map[string]any{"state": "blur"}, nil)
	c.sessions.End()

	res := c.uploader.UploadPending(ctx)
	if res.Failed > 0 {
		c.log.Printf("collector: final flush left %d events pending", res.Failed)
	}
}

// LogScroll records a scroll sample with its derived kinematics.
func (c *Collector) LogScroll(delta, velocity, accel float64, componentID string) {
	if !c.gate.Enabled(consent.CategoryScroll) {
		return
	}
	c.logEvent(telemetry.EventScroll, componentID, nil, func(e *telemetry.Event) {
		e.Delta = telemetry.Float(delta)
		e.Velocity = telemetry.Float(velocity)
		e.Accel = telemetry.Float(accel)
	})
	c.withScorer(func(s *score.Tracker) { s.RecordScroll(velocity, c.now()) })
}

// LogTap records a tap, synthesizing a preceding hesitation pause when the
// gap since the last event exceeds the pause threshold.
func (c *Collector) LogTap(componentID string) {
	if !c.gate.Enabled(consent.CategoryTap) {
		return
	}
	c.checkForPause(componentID)
	c.logEvent(telemetry.EventTap, componentID, nil, nil)
}

// LogLongPress records a press held past the long-press threshold.
func (c *Collector) LogLongPress(duration time.Duration, componentID string) {
	if !c.gate.Enabled(consent.CategoryTap) {
		return
	}
	c.logEvent(telemetry.EventLongPress, componentID, nil, func(e *telemetry.Event) {
		e.DurationMS = telemetry.Int64(duration.Milliseconds())
	})
}

// LogType records one text change, synthesizing a hesitation pause when
// the keystroke gap exceeds the pause threshold.
func (c *Collector) LogType(inputLen int, backspace bool, keyCode, componentID string) {
	if !c.gate.Enabled(consent.CategoryTyping) {
		return
	}
	c.checkForPause(componentID)
	c.logEvent(telemetry.EventTyping, componentID, nil, func(e *telemetry.Event) {
		e.InputLen = telemetry.Int(inputLen)
		backspaces := 0
		if backspace {
			backspaces = 1
		}
		e.Backspaces = telemetry.Int(backspaces)
		e.KeyCode = keyCode
	})
	c.withScorer(func(s *score.Tracker) { s.RecordKeystroke(c.now()) })
}

// LogFocusChange records an app or screen focus transition; state is
// "focus" or "blur".
func (c *Collector) LogFocusChange(state, componentID string) {
	if !c.gate.Valid() {
		return
	}
	c.logEvent(telemetry.EventFocusChange, componentID, map[string]any{"state": state}, nil)
}

// LogPause records an explicit pause of the given duration.
func (c *Collector) LogPause(duration time.Duration, componentID string) {
	if !c.gate.Valid() {
		return
	}
	c.logEvent(telemetry.EventPause, componentID, nil, func(e *telemetry.Event) {
		e.DurationMS = telemetry.Int64(duration.Milliseconds())
	})
}

// TrackCustom records an application-defined event kind (e.g.
// "MESSAGE_SENT") with arbitrary metadata through the same pipeline.
func (c *Collector) TrackCustom(kind string, componentID string, meta map[string]any) {
	if !c.gate.Valid() {
		return
	}
	c.logEvent(telemetry.EventType(kind), componentID, meta, nil)
}

// RecordMessage feeds a conversation message to the scorer, de-duplicated
// by id: delivery retries of the same message never inflate the score. A
// newly sent own message also produces a MESSAGE_SENT event.
func (c *Collector) RecordMessage(id string, mine bool, length int) {
	c.withScorer(func(s *score.Tracker) { s.RecordMessage(id, mine, length, c.now()) })
	if mine {
		c.TrackCustom("MESSAGE_SENT", "", map[string]any{"length": length})
	}
}

// Scroll implements capture.Sink.
func (c *Collector) Scroll(delta, velocity, accel float64, componentID string) {
	c.LogScroll(delta, velocity, accel, componentID)
}

// Tap implements capture.Sink.
func (c *Collector) Tap(componentID string) {
	c.LogTap(componentID)
}

// LongPress implements capture.Sink.
func (c *Collector) LongPress(duration time.Duration, componentID string) {
	c.LogLongPress(duration, componentID)
}

// Typing implements capture.Sink.
func (c *Collector) Typing(inputLen int, backspace bool, keyCode, componentID string) {
	c.LogType(inputLen, backspace, keyCode, componentID)
}

// ThinkingPause implements capture.Sink. Thinking pauses feed the scorer's
// tempo signal only; they are not persisted as events.
func (c *Collector) ThinkingPause(gap time.Duration, componentID string) {
	c.withScorer(func(s *score.Tracker) { s.RecordThinkingPause() })
}

// OnRemoteScore accepts a server-pushed score. Wire it as the realtime
// client's callback; while the stream is connected the remote score wins
// over the local heuristic.
func (c *Collector) OnRemoteScore(s telemetry.InterestScore) {
	c.mu.Lock()
	c.remote = &s
	c.mu.Unlock()
}

// Score returns the freshest available interest score: the last remote
// push while the realtime stream is up, otherwise the local heuristic.
func (c *Collector) Score() (telemetry.InterestScore, bool) {
	c.mu.Lock()
	scorer := c.scorer
	remote := c.remote
	c.mu.Unlock()

	if remote != nil && c.realtime != nil && c.realtime.Connected() {
		return *remote, true
	}
	if scorer == nil {
		return telemetry.InterestScore{}, false
	}
	return scorer.Compute(), true
}

// QueueSize reports how many events await upload.
func (c *Collector) QueueSize() (int, error) {
	return c.queue.Count()
}

// Close stops the maintenance loop, ends any active session with a final
// flush, and releases the queue backend.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.initialized = false
	c.mu.Unlock()

	c.EndSession(ctx)
	if cancel != nil {
		cancel()
		<-done
	}
	return c.queue.Close()
}

// logEvent builds an event stamped with the current session, enqueues it,
// and touches the session's activity clock. Events logged outside a
// session are dropped.
func (c *Collector) logEvent(etype telemetry.EventType, componentID string, meta map[string]any, fill func(*telemetry.Event)) {
	info, ok := c.sessions.Current()
	if !ok {
		return
	}
	ev := telemetry.Event{
		TS:          telemetry.NowMS(),
		SessionID:   info.SessionID,
		UserHash:    info.UserHash,
		Screen:      info.Screen,
		ComponentID: componentID,
		Type:        etype,
		Meta:        meta,
	}
	if fill != nil {
		fill(&ev)
	}
	if err := c.queue.Enqueue(ev); err != nil {
		c.log.Printf("collector: enqueueing %s event: %v", etype, err)
		return
	}
	c.sessions.Touch()

	c.mu.Lock()
	c.lastEvent = c.now()
	c.mu.Unlock()
}

// checkForPause synthesizes a PAUSE event when the gap since the previous
// event exceeds the hesitation threshold. Runs before taps and keystrokes,
// the interactions where hesitation is meaningful.
func (c *Collector) checkForPause(componentID string) {
	threshold := time.Duration(c.cfg.Capture.PauseThresholdMS) * time.Millisecond

	c.mu.Lock()
	last := c.lastEvent
	c.mu.Unlock()
	if last.IsZero() {
		return
	}
	gap := c.now().Sub(last)
	if gap <= threshold {
		return
	}
	c.logEvent(telemetry.EventPause, componentID, nil, func(e *telemetry.Event) {
		e.DurationMS = telemetry.Int64(gap.Milliseconds())
	})
}

func (c *Collector) withScorer(fn func(*score.Tracker)) {
	c.mu.Lock()
	scorer := c.scorer
	c.mu.Unlock()
	if scorer != nil {
		fn(scorer)
	}
}

// sleepOrCancel waits for d unless ctx is cancelled first; reports whether
// the full duration elapsed.
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
