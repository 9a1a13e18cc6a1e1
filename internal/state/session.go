package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tier is the authentication level of the current session.
type Tier string

const (
	TierNone     Tier = "unauthenticated"
	TierStandard Tier = "standard"
	TierEnhanced Tier = "enhanced"
)

var tierRank = map[Tier]int{
	TierNone:     0,
	TierStandard: 1,
	TierEnhanced: 2,
}

// Rank orders tiers; unknown tiers rank as unauthenticated.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Satisfies reports whether t is at least min.
func (t Tier) Satisfies(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// ParseTier maps a user-supplied name to a Tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	_, ok := tierRank[t]
	return t, ok
}

// SessionState is an immutable snapshot of the session.
type SessionState struct {
	Status          Tier      `json:"status"`
	SessionID       string    `json:"session_id,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	Epoch           uint64    `json:"epoch"`
}

// Authenticated reports whether the snapshot carries a live session.
func (s SessionState) Authenticated() bool {
	return s.Status.Rank() > 0
}

// Session is the single writer of SessionState. Every transition back to
// unauthenticated increments Epoch.
type Session struct {
	mu sync.Mutex
	st SessionState
}

// NewSession returns an unauthenticated session.
func NewSession() *Session {
	return &Session{st: SessionState{Status: TierNone}}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Epoch returns the current epoch.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Epoch
}

// Grant moves the session to tier if no reset happened since epoch was read.
// It returns false when an expiry, logout or lockout won the race.
func (s *Session) Grant(tier Tier, epoch uint64, now time.Time) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Epoch != epoch {
		return s.st, false
	}
	id := s.st.SessionID
	if !s.st.Authenticated() {
		id = uuid.NewString()
	}
	s.st = SessionState{
		Status:          tier,
		SessionID:       id,
		LastActivity:    now,
		AuthenticatedAt: now,
		Epoch:           s.st.Epoch,
	}
	return s.st, true
}

// Touch records activity on an authenticated session.
func (s *Session) Touch(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.Authenticated() {
		return false
	}
	if now.After(s.st.LastActivity) {
		s.st.LastActivity = now
	}
	return true
}

// Idle reports whether an authenticated session has been inactive longer
// than timeout.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked(now, timeout)
}

func (s *Session) idleLocked(now time.Time, timeout time.Duration) bool {
	return s.st.Authenticated() && now.Sub(s.st.LastActivity) > timeout
}

// ExpireIfIdle resets an idle session and returns the state it replaced.
func (s *Session) ExpireIfIdle(now time.Time, timeout time.Duration) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idleLocked(now, timeout) {
		return SessionState{}, false
	}
	return s.resetLocked(now), true
}

// Reset forces the session to unauthenticated and returns the prior state.
// The epoch advances even if the session was already unauthenticated so
// that in-flight authentications lose.
func (s *Session) Reset(now time.Time) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(now)
}

func (s *Session) resetLocked(now time.Time) SessionState {
	prev := s.st
	s.st = SessionState{
		Status:       TierNone,
		LastActivity: now,
		Epoch:        prev.Epoch + 1,
	}
	return prev
}
