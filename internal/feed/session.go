package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter bounds how long cached per-card timestamps survive between activations.
const DefaultStaleAfter = 30 * time.Minute

// Change is one entry of the change window. Payload keeps the full card state
// document so the apply callback sees fields this package does not read.
type Change struct {
	CardID    string          `json:"cardId"`
	UpdatedAt string          `json:"updatedAt"`
	Payload   json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the identifying fields and retains the raw document.
func (c *Change) UnmarshalJSON(data []byte) error {
	type changeFields Change
	var decoded changeFields
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = Change(decoded)
	c.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// Timestamp parses UpdatedAt. ok is false for unparseable values.
func (c Change) Timestamp() (time.Time, bool) {
	parsed, err := time.Parse(time.RFC3339Nano, c.UpdatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// SessionConfig configures a poller session. Seed restores timestamps cached by
// an earlier session on the same device.
type SessionConfig struct {
	StaleAfter time.Duration
	Seed       map[string]time.Time
}

// Session is one poller's private bookkeeping: the session start, the cards it
// has seen and the last timestamp it applied per card.
type Session struct {
	mu            sync.Mutex
	id            string
	staleAfter    time.Duration
	startedAt     time.Time
	activated     bool
	known         map[string]struct{}
	lastProcessed map[string]time.Time
}

// NewSession constructs an inactive session.
func NewSession(cfg SessionConfig) *Session {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	session := &Session{
		id:            newSessionID(),
		staleAfter:    staleAfter,
		known:         make(map[string]struct{}, len(cfg.Seed)),
		lastProcessed: make(map[string]time.Time, len(cfg.Seed)),
	}
	for cardID, processedAt := range cfg.Seed {
		session.known[cardID] = struct{}{}
		session.lastProcessed[cardID] = processedAt
	}
	return session
}

func newSessionID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Activate fixes the session start and drops cached timestamps older than the
// staleness threshold. Later calls are no-ops.
func (s *Session) Activate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activated {
		return
	}
	s.activated = true
	// Card timestamps carry millisecond precision; a finer start would hide
	// writes made later within the same millisecond.
	s.startedAt = now.UTC().Truncate(time.Millisecond)
	cutoff := now.Add(-s.staleAfter)
	for cardID, processedAt := range s.lastProcessed {
		if processedAt.Before(cutoff) {
			delete(s.lastProcessed, cardID)
			delete(s.known, cardID)
		}
	}
}

// StartedAt reports the activation time, zero before Activate.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// ShouldApply reports whether the change is at or after the session start and
// either new to this session or newer than what it last applied for the card.
// Unparseable timestamps are applied.
func (s *Session) ShouldApply(change Change) bool {
	timestamp, ok := change.Timestamp()
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timestamp.Before(s.startedAt) {
		return false
	}
	if _, known := s.known[change.CardID]; !known {
		return true
	}
	processedAt, recorded := s.lastProcessed[change.CardID]
	return !recorded || timestamp.After(processedAt)
}

// MarkProcessed records a change the callback accepted. Changes with an
// unparseable timestamp mark the card known without recording a time.
func (s *Session) MarkProcessed(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[change.CardID] = struct{}{}
	timestamp, ok := change.Timestamp()
	if !ok {
		return
	}
	if previous, recorded := s.lastProcessed[change.CardID]; !recorded || timestamp.After(previous) {
		s.lastProcessed[change.CardID] = timestamp
	}
}

// Snapshot copies the per-card timestamps for caching across sessions.
func (s *Session) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]time.Time, len(s.lastProcessed))
	for cardID, processedAt := range s.lastProcessed {
		copied[cardID] = processedAt
	}
	return copied
}
