// Package score computes the client-side engagement heuristic: a 0–100
// score with a confidence value, derived from activity rate, reciprocity,
// reply latency, typing tempo, participation balance, and scroll behavior.
// It is always available offline; a server-pushed score supersedes it for
// display whenever the realtime channel is delivering.
package score

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lovesync/pulse/internal/telemetry"
)

// Fixed component weights, summing to 1.0.
const (
	weightActivity  = 0.20
	weightReciproc  = 0.20
	weightContent   = 0.10
	weightLatency   = 0.15
	weightTempo     = 0.15
	weightBalance   = 0.10
	weightEngagemnt = 0.10
)

const (
	// activityCap is the interactions-per-minute rate treated as maximal.
	activityCap = 10.0
	// contentLengthCap is the mean message length treated as maximal.
	contentLengthCap = 200.0
	// latencyClamp bounds the median reply latency contribution.
	latencyClamp = 120 * time.Second
	// replyCoverageWindow is the reply deadline counted toward confidence.
	replyCoverageWindow = 60 * time.Second
	// velocityCap is the mean scroll velocity (units/s) treated as
	// skimming rather than reading.
	velocityCap = 3000.0
	// hesitationVelocity is the scroll velocity below which a sample
	// counts as a reading hesitation.
	hesitationVelocity = 200.0
	// pausePenalty is subtracted from the typing-tempo component per
	// detected thinking pause.
	pausePenalty = 0.05

	confidenceFloor = 0.3
	// evidenceCap is the interaction count at which the evidence-volume
	// contribution to confidence saturates.
	evidenceCap = 20.0

	messageWindow   = 10 // reciprocity looks at the last N messages
	intervalWindow  = 10
	velocityHistory = 20
)

// neutral is the midpoint a component defaults to when it has too little
// data to say anything.
const neutral = 0.5

// message is one conversation entry tracked for reciprocity and latency.
// Entries are upserted by id so an optimistic local message and its
// server-confirmed echo collapse into one sample instead of double-counting.
type message struct {
	id     string
	mine   bool
	length int
	at     time.Time
}

// Tracker accumulates interaction evidence for one session and computes
// the heuristic on demand. All methods are safe for concurrent use.
type Tracker struct {
	sessionID string
	halfLife  time.Duration
	now       func() time.Time

	mu             sync.Mutex
	createdAt      time.Time
	lastActivity   time.Time
	messages       []message
	intervals      []float64 // inter-keystroke intervals, ms
	lastKeystroke  time.Time
	thinkingPauses int
	velocities     []float64 // recent scroll velocities, units/s
	interactions   int       // every recorded signal
	firstSample    time.Time
}

// NewTracker creates an empty tracker for a session. halfLife controls the
// inactivity decay (default 10 minutes).
func NewTracker(sessionID string, halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = 10 * time.Minute
	}
	now := time.Now()
	return &Tracker{
		sessionID: sessionID,
		halfLife:  halfLife,
		now:       time.Now,
		createdAt: now,
	}
}

// RecordMessage upserts one conversation message. mine marks messages sent
// by the local user; length is the content-length proxy (characters — the
// content itself is never captured). Repeating an id updates the existing
// sample in place.
func (t *Tracker) RecordMessage(id string, mine bool, length int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].id == id {
			t.messages[i].mine = mine
			t.messages[i].length = length
			t.messages[i].at = at
			return
		}
	}

	t.messages = append(t.messages, message{id: id, mine: mine, length: length, at: at})
	t.touch(at)
}

// RecordKeystroke feeds one keystroke instant. Consecutive keystrokes form
// the inter-keystroke interval window behind the typing-tempo component.
func (t *Tracker) RecordKeystroke(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastKeystroke.IsZero() {
		interval := at.Sub(t.lastKeystroke)
		if interval > 0 {
			t.intervals = append(t.intervals, float64(interval.Milliseconds()))
			if len(t.intervals) > intervalWindow {
				t.intervals = t.intervals[1:]
			}
		}
	}
	t.lastKeystroke = at
	t.touch(at)
}

// RecordThinkingPause counts one detected typing pause, penalizing the
// tempo-consistency component.
func (t *Tracker) RecordThinkingPause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinkingPauses++
}

// RecordScroll feeds one scroll velocity sample for the reading-engagement
// component.
func (t *Tracker) RecordScroll(velocity float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.velocities = append(t.velocities, velocity)
	if len(t.velocities) > velocityHistory {
		t.velocities = t.velocities[1:]
	}
	t.touch(at)
}

// touch registers evidence at a given instant. Caller holds t.mu.
func (t *Tracker) touch(at time.Time) {
	t.interactions++
	if t.firstSample.IsZero() || at.Before(t.firstSample) {
		t.firstSample = at
	}
	if at.After(t.lastActivity) {
		t.lastActivity = at
	}
}

// Compute derives the current InterestScore. The combined weighted value
// is scaled to 0–100 and multiplied by an exponential inactivity decay;
// confidence grows with evidence volume, reply coverage, and balance, and
// never leaves [0.3, 1.0].
func (t *Tracker) Compute() telemetry.InterestScore {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	combined := weightActivity*t.activityScore(now) +
		weightReciproc*t.reciprocityScore() +
		weightContent*t.contentLengthScore() +
		weightLatency*t.replyLatencyScore() +
		weightTempo*t.typingTempoScore() +
		weightBalance*t.balanceScore() +
		weightEngagemnt*t.readingScore()

	raw := combined * 100 * t.decay(now)

	return telemetry.InterestScore{
		Score:      clamp(raw, 0, 100),
		Confidence: t.confidence(),
		Timestamp:  now.UnixMilli(),
		SessionID:  t.sessionID,
	}
}

// decay is the exponential inactivity factor: 1.0 at the moment of the
// last activity, halving every halfLife thereafter.
func (t *Tracker) decay(now time.Time) float64 {
	last := t.lastActivity
	if last.IsZero() {
		last = t.createdAt
	}
	idle := now.Sub(last)
	if idle <= 0 {
		return 1.0
	}
	return math.Exp2(-idle.Seconds() / t.halfLife.Seconds())
}

// activityScore is the capped interactions-per-minute rate. No evidence
// scores zero: silence is not engagement.
func (t *Tracker) activityScore(now time.Time) float64 {
	if t.interactions == 0 {
		return 0
	}
	span := now.Sub(t.firstSample)
	if span < time.Minute {
		span = time.Minute
	}
	rate := float64(t.interactions) / span.Minutes()
	return clamp01(rate / activityCap)
}

// reciprocityScore is the alternation ratio across the last messageWindow
// messages: 1.0 for perfect turn-taking, 0.0 for a monologue. Fewer than
// two messages defaults to the neutral midpoint.
func (t *Tracker) reciprocityScore() float64 {
	msgs := t.recentMessages()
	if len(msgs) < 2 {
		return neutral
	}
	alternations := 0
	for i := 1; i < len(msgs); i++ {
		if msgs[i].mine != msgs[i-1].mine {
			alternations++
		}
	}
	return float64(alternations) / float64(len(msgs)-1)
}

// contentLengthScore is the capped mean message length.
func (t *Tracker) contentLengthScore() float64 {
	if len(t.messages) == 0 {
		return neutral
	}
	total := 0
	for _, m := range t.messages {
		total += m.length
	}
	mean := float64(total) / float64(len(t.messages))
	return clamp01(mean / contentLengthCap)
}

// replyLatencyScore is 1 − clamp(medianLatency/120s), where a latency is
// the gap between consecutive messages from different parties. No
// cross-party pair defaults to the neutral midpoint.
func (t *Tracker) replyLatencyScore() float64 {
	latencies := t.replyLatencies()
	if len(latencies) == 0 {
		return neutral
	}
	med := median(latencies)
	return 1 - clamp01(med/latencyClamp.Seconds())
}

// typingTempoScore is 1 − coefficient_of_variation of the inter-keystroke
// intervals, penalized per detected thinking pause. Fewer than two
// intervals defaults to the neutral midpoint.
func (t *Tracker) typingTempoScore() float64 {
	if len(t.intervals) < 2 {
		return neutral
	}
	mean := 0.0
	for _, v := range t.intervals {
		mean += v
	}
	mean /= float64(len(t.intervals))
	if mean <= 0 {
		return neutral
	}
	variance := 0.0
	for _, v := range t.intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(t.intervals))
	cv := math.Sqrt(variance) / mean

	tempo := clamp01(1 - cv)
	tempo -= pausePenalty * float64(t.thinkingPauses)
	return clamp01(tempo)
}

// balanceScore is 1 − 2·|myShare − 0.5|: 1.0 for an even split, 0.0 for a
// one-sided conversation.
func (t *Tracker) balanceScore() float64 {
	if len(t.messages) == 0 {
		return neutral
	}
	mine := 0
	for _, m := range t.messages {
		if m.mine {
			mine++
		}
	}
	share := float64(mine) / float64(len(t.messages))
	return 1 - 2*math.Abs(share-0.5)
}

// readingScore is the scroll-derived reading-engagement proxy: slow
// scrolling and hesitation read as attention, fast flicking as skimming.
func (t *Tracker) readingScore() float64 {
	if len(t.velocities) == 0 {
		return neutral
	}
	mean := 0.0
	hesitations := 0
	for _, v := range t.velocities {
		mean += v
		if v < hesitationVelocity {
			hesitations++
		}
	}
	mean /= float64(len(t.velocities))

	slow := 1 - clamp01(mean/velocityCap)
	hesitation := float64(hesitations) / float64(len(t.velocities))
	return clamp01(0.5*slow + 0.5*hesitation)
}

// confidence grows with evidence volume (capped contribution), reply
// coverage within the reply window, and participation balance. Floored at
// 0.3 so a consumer always has a usable value, capped at 1.0.
func (t *Tracker) confidence() float64 {
	if t.interactions == 0 {
		return confidenceFloor
	}
	evidence := clamp01(float64(t.interactions)/evidenceCap)*0.5 +
		t.replyCoverage()*0.3 +
		t.balanceScore()*0.2

	return clamp(confidenceFloor+(1-confidenceFloor)*evidence, confidenceFloor, 1.0)
}

// replyCoverage is the fraction of the other party's messages answered
// within the reply window. No incoming messages yields zero coverage.
func (t *Tracker) replyCoverage() float64 {
	msgs := t.sortedMessages()
	incoming, covered := 0, 0
	for i, m := range msgs {
		if m.mine {
			continue
		}
		incoming++
		for j := i + 1; j < len(msgs); j++ {
			if !msgs[j].mine {
				continue
			}
			if msgs[j].at.Sub(m.at) <= replyCoverageWindow {
				covered++
			}
			break
		}
	}
	if incoming == 0 {
		return 0
	}
	return float64(covered) / float64(incoming)
}

// replyLatencies returns the gaps (seconds) between consecutive messages
// from different parties, time-ordered.
func (t *Tracker) replyLatencies() []float64 {
	msgs := t.sortedMessages()
	var latencies []float64
	for i := 1; i < len(msgs); i++ {
		if msgs[i].mine != msgs[i-1].mine {
			latencies = append(latencies, msgs[i].at.Sub(msgs[i-1].at).Seconds())
		}
	}
	return latencies
}

// recentMessages returns the last messageWindow messages, time-ordered.
func (t *Tracker) recentMessages() []message {
	msgs := t.sortedMessages()
	if len(msgs) > messageWindow {
		msgs = msgs[len(msgs)-messageWindow:]
	}
	return msgs
}

// sortedMessages returns a time-ordered copy of the message samples.
func (t *Tracker) sortedMessages() []message {
	msgs := append([]message(nil), t.messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].at.Before(msgs[j].at) })
	return msgs
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
