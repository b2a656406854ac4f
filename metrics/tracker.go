package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"kbcoder/logger"
)

// Outcome is how a streaming session ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // transport signalled end of stream
	OutcomeStopped   Outcome = "stopped"   // a fragment matched a stop token
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// SessionMetrics describes one finished streaming session
type SessionMetrics struct {
	ID            string
	Backend       string
	Outcome       Outcome
	Fragments     int
	InsertedChars int
	Additions     int
	Deletions     int
	StartedAt     time.Time
	Lifespan      time.Duration
}

// Summary aggregates every finished session
type Summary struct {
	Sessions      int
	Outcomes      map[Outcome]int
	Fragments     int
	InsertedChars int
	Additions     int
	Deletions     int
	TotalLifespan time.Duration
}

// Tracker records session metrics locally
type Tracker struct {
	mu      sync.Mutex
	active  map[string]time.Time
	summary Summary
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		active:  make(map[string]time.Time),
		summary: Summary{Outcomes: make(map[Outcome]int)},
	}
}

// GenerateID returns a new random session ID
func GenerateID() string {
	return uuid.NewString()
}

// Start marks a session as running
func (t *Tracker) Start(id string) time.Time {
	now := time.Now()
	t.mu.Lock()
	t.active[id] = now
	t.mu.Unlock()
	logger.Debug("metrics: session %s started", id)
	return now
}

// Active returns the number of sessions started but not finished
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Finish records a finished session. StartedAt and Lifespan are filled from
// Start when left zero.
func (t *Tracker) Finish(m SessionMetrics) SessionMetrics {
	t.mu.Lock()
	if started, ok := t.active[m.ID]; ok {
		if m.StartedAt.IsZero() {
			m.StartedAt = started
		}
		delete(t.active, m.ID)
	}
	if m.Lifespan == 0 && !m.StartedAt.IsZero() {
		m.Lifespan = time.Since(m.StartedAt)
	}

	s := &t.summary
	s.Sessions++
	s.Outcomes[m.Outcome]++
	s.Fragments += m.Fragments
	s.InsertedChars += m.InsertedChars
	s.Additions += m.Additions
	s.Deletions += m.Deletions
	s.TotalLifespan += m.Lifespan
	t.mu.Unlock()

	logger.Info("metrics: session %s %s (backend=%s fragments=%d chars=%d +%d -%d lifespan=%v)",
		m.ID, m.Outcome, m.Backend, m.Fragments, m.InsertedChars, m.Additions, m.Deletions, m.Lifespan)
	return m
}

// Summary returns a copy of the aggregated stats
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.summary
	out.Outcomes = make(map[Outcome]int, len(t.summary.Outcomes))
	for k, v := range t.summary.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}

// CountChanges returns the number of added and deleted lines between before and after
func CountChanges(before, after string) (additions, deletions int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	if s[len(s)-1] != '\n' {
		n++
	}
	return n
}
