// Package timemgr decides how long a search session may keep iterating.
//
// A Manager is a pure strategy object: it never reads a clock. The session
// handler measures wall time and feeds elapsed durations in through Update.
package timemgr

import (
	"math"
	"time"

	"github.com/park285/cheese-search-worker/internal/engine"
)

const (
	DefaultBudgetFactor = 0.04

	// Unbounded never expires under IsTimeUp.
	Unbounded = time.Duration(math.MaxInt64)

	defaultBranching = 2.0
	minBranching     = 1.5
	maxBranching     = 8.0
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the monotonic wall clock.
func SystemClock() Clock { return systemClock{} }

// IsTimeUp reports whether the time since lastUpdate has reached timeLeft.
func IsTimeUp(now, lastUpdate time.Time, timeLeft time.Duration) bool {
	return now.Sub(lastUpdate) >= timeLeft
}

type Manager struct {
	allotted time.Duration
	spent    time.Duration
	adaptive bool

	depth      uint8
	depthNodes uint32
	depthMark  time.Duration
}

// NewBudget allots factor of the remaining game budget to this move, never
// less than increment, and shrinks the allotment as iterations complete.
func NewBudget(initial time.Duration, factor float64, increment time.Duration) *Manager {
	if initial < 0 {
		initial = 0
	}
	if factor < 0 {
		factor = 0
	}
	allotted := time.Duration(float64(initial) * factor)
	if allotted < increment {
		allotted = increment
	}
	return &Manager{allotted: allotted, adaptive: true}
}

// NewFixed allots exactly think for the whole search.
func NewFixed(think time.Duration) *Manager {
	if think < 0 {
		think = 0
	}
	return &Manager{allotted: think}
}

// Allotted is the time this move may spend in total.
func (m *Manager) Allotted() time.Duration { return m.allotted }

// Initial is the time left before the first result arrives. Budget mode
// always lets the first iteration finish so the caller gets a move.
func (m *Manager) Initial() time.Duration {
	if m.adaptive {
		return Unbounded
	}
	return m.allotted
}

// Update records elapsed wall time since the previous update and returns
// the time the search may still spend. The result is never negative.
func (m *Manager) Update(result engine.Result, elapsed time.Duration) time.Duration {
	if elapsed > 0 {
		if elapsed > math.MaxInt64-m.spent {
			m.spent = math.MaxInt64
		} else {
			m.spent += elapsed
		}
	}
	remaining := m.allotted - m.spent
	if remaining < 0 {
		remaining = 0
	}
	if !m.adaptive || result.Depth <= m.depth {
		return remaining
	}

	iteration := m.spent - m.depthMark
	branching := defaultBranching
	if m.depthNodes > 0 && result.Nodes > m.depthNodes {
		branching = clampFloat(float64(result.Nodes)/float64(m.depthNodes), minBranching, maxBranching)
	}
	m.depth = result.Depth
	m.depthNodes = result.Nodes
	m.depthMark = m.spent

	// the next depth would not finish inside the allotment
	if float64(iteration)*branching > float64(remaining) {
		return 0
	}
	return remaining
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
