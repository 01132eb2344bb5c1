package challenge

import (
	"sync"
	"time"
)

// State is a fetch session's position in the clearance lifecycle
type State int

const (
	StateUnknown    State = iota // No page inspected yet
	StateChallenged              // Last inspected page was a challenge page
	StateClearing                // Automated clearance in progress
	StateCleared                 // Terminal for the session
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateChallenged:
		return "CHALLENGED"
	case StateClearing:
		return "CLEARING"
	case StateCleared:
		return "CLEARED"
	}
	return "INVALID"
}

// Session tracks challenge state for one fetch session. A new fetch session
// starts with a new Session.
type Session struct {
	mu             sync.Mutex
	state          State
	attemptsMade   int
	lastDetectedAt time.Time
}

// NewSession returns a session in StateUnknown.
func NewSession() *Session {
	return &Session{}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cleared reports whether the session has passed the gate.
func (s *Session) Cleared() bool {
	return s.State() == StateCleared
}

// AttemptsMade returns the number of automated clearance attempts so far.
func (s *Session) AttemptsMade() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsMade
}

// LastDetectedAt returns when a challenge page was last seen, zero if never.
func (s *Session) LastDetectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDetectedAt
}

func (s *Session) set(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateChallenged {
		s.lastDetectedAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) beginAttempt() {
	s.mu.Lock()
	s.state = StateClearing
	s.attemptsMade++
	s.mu.Unlock()
}
