// Package ledger holds the authoritative score and lives counters of a run.
//
// A Ledger is owned by the run, not by a session. A session acquires it for
// the duration of one attempt. Penalties are written through as they happen,
// and the outcome delta is committed exactly once when the session reaches a
// final result. A session abandoned mid-attempt releases the ledger without an
// outcome; only the penalties it already reported remain.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrLedgerBusy is returned when another session holds the ledger.
	ErrLedgerBusy = errors.New("ledger: held by another session")

	// ErrNotHeld is returned by Commit when the session never acquired the
	// ledger.
	ErrNotHeld = errors.New("ledger: not held by session")
)

// Snapshot is a copy of the ledger counters.
type Snapshot struct {
	Score          int
	LivesRemaining int
	LivesTotal     int
	// Judge is the judge focus in [0, 1].
	Judge float64
}

// Delta is a proposed change to a Snapshot.
type Delta struct {
	Score int
	Lives int
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool { return d.Score == 0 && d.Lives == 0 }

// Add returns the component-wise sum of d and o.
func (d Delta) Add(o Delta) Delta {
	return Delta{Score: d.Score + o.Score, Lives: d.Lives + o.Lives}
}

// Clamp returns s with every counter inside its valid range: LivesTotal >= 1,
// LivesRemaining within [0, LivesTotal], Score >= 0 and Judge within [0, 1].
func (s Snapshot) Clamp() Snapshot {
	s.LivesTotal = max(s.LivesTotal, 1)
	s.LivesRemaining = min(max(s.LivesRemaining, 0), s.LivesTotal)
	s.Score = max(s.Score, 0)
	s.Judge = min(max(s.Judge, 0), 1)
	return s
}

// Apply returns s with d applied and the result clamped.
func (s Snapshot) Apply(d Delta) Snapshot {
	s.Score += d.Score
	s.LivesRemaining += d.Lives
	return s.Clamp()
}

// Exhausted reports whether no lives remain.
func (s Snapshot) Exhausted() bool { return s.LivesRemaining <= 0 }

// Counters reports whether s and o agree on score and lives. Judge focus is
// client presentation state and not compared.
func (s Snapshot) Counters(o Snapshot) bool {
	return s.Score == o.Score && s.LivesRemaining == o.LivesRemaining && s.LivesTotal == o.LivesTotal
}

func (s Snapshot) String() string {
	return fmt.Sprintf("score=%d lives=%d/%d judge=%.2f", s.Score, s.LivesRemaining, s.LivesTotal, s.Judge)
}

// Ledger is the mutable, authoritative counter set of one run. All methods
// are safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	snap      Snapshot
	owner     string
	committed map[string]Snapshot
	penalized map[penaltyKey]Snapshot
}

type penaltyKey struct {
	session string
	ordinal int64
}

// New returns a Ledger seeded with the clamped snapshot s.
func New(s Snapshot) *Ledger {
	return &Ledger{
		snap:      s.Clamp(),
		committed: make(map[string]Snapshot),
		penalized: make(map[penaltyKey]Snapshot),
	}
}

// Snapshot returns the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// Acquire makes sessionID the exclusive writer. Re-acquiring by the current
// owner is a no-op.
func (l *Ledger) Acquire(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != sessionID {
		return fmt.Errorf("%w: %s", ErrLedgerBusy, l.owner)
	}
	l.owner = sessionID
	return nil
}

// Release drops sessionID's ownership. Releasing a ledger held by someone
// else is a no-op.
func (l *Ledger) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == sessionID {
		l.owner = ""
	}
}

// Owner returns the id of the session holding the ledger, or "".
func (l *Ledger) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Commit applies the outcome deltas in order, clamping after each, and
// returns the resulting snapshot. It is idempotent per sessionID: a repeated commit
// returns the snapshot produced by the first one and applied=false.
func (l *Ledger) Commit(sessionID string, deltas ...Delta) (snap Snapshot, applied bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.committed[sessionID]; ok {
		return s, false, nil
	}
	if err := l.checkOwner(sessionID); err != nil {
		return l.snap, false, err
	}

	s := l.snap
	for _, d := range deltas {
		s = s.Apply(d)
	}
	l.snap = s
	l.committed[sessionID] = s
	return s, true, nil
}

// Committed returns the snapshot sessionID's commit produced, if any.
func (l *Ledger) Committed(sessionID string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.committed[sessionID]
	return s, ok
}

// Penalize applies d immediately on behalf of the owning session. The
// ordinal identifies the penalty within the session: applying the same
// (sessionID, ordinal) again returns the first result with applied=false.
func (l *Ledger) Penalize(sessionID string, ordinal int64, d Delta) (snap Snapshot, applied bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := penaltyKey{session: sessionID, ordinal: ordinal}
	if s, ok := l.penalized[key]; ok {
		return s, false, nil
	}
	if err := l.checkOwner(sessionID); err != nil {
		return l.snap, false, err
	}
	if _, done := l.committed[sessionID]; done {
		return l.snap, false, fmt.Errorf("ledger: session %s already committed its outcome", sessionID)
	}
	l.snap = l.snap.Apply(d)
	l.penalized[key] = l.snap
	return l.snap, true, nil
}

func (l *Ledger) checkOwner(sessionID string) error {
	switch l.owner {
	case sessionID:
		return nil
	case "":
		return fmt.Errorf("%w: %s", ErrNotHeld, sessionID)
	default:
		return fmt.Errorf("%w: %s", ErrLedgerBusy, l.owner)
	}
}

// SetJudge updates the judge focus. It does not count as a mutation of the
// game counters and is allowed while a session holds the ledger.
func (l *Ledger) SetJudge(j float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Judge = min(max(j, 0), 1)
}
