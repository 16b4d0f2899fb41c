// Package session holds the live, capacity-bounded turn window and the
// cumulative accounting for one conversation.
package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	// DefaultCapacity bounds the live window when the caller does not
	// configure one.
	DefaultCapacity = 50
)

// Turn is one message in a conversation. Immutable once created, except
// that an estimated token count may later be corrected to an actual value
// through CorrectLastUserTokens.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"createdAt"`
}

// Evictor receives the span of oldest turns that overflowed the window.
// start is the absolute index of the first turn in the span, counted over
// every turn ever added to the session. An error does not stop eviction:
// the span is removed from the live window regardless, which means its
// content is lost when summarization and storage both failed.
type Evictor interface {
	Evict(span []Turn, start int) error
}

// Stats is a point-in-time accounting snapshot.
type Stats struct {
	SessionID    string
	Agent        string
	MessageCount int
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	ErrorCount   int
	Evictions    int
	Elapsed      time.Duration
}

// Record is the persistable form of a session: the resident window plus
// cumulative counters and identity. Turns still in the window round-trip
// losslessly; evicted turns live only in the durable summary store.
type Record struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent"`
	StartedAt    time.Time `json:"startedAt"`
	Turns        []Turn    `json:"turns"`
	EvictedTurns int       `json:"evictedTurns"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	ErrorCount   int       `json:"errorCount"`
}

// Session owns the sliding window. All state is mutated only through its
// methods; the mutex makes each operation atomic, matching the one-turn-
// at-a-time processing model.
type Session struct {
	mu        sync.Mutex
	id        string
	agent     string
	startedAt time.Time
	capacity  int
	evictor   Evictor

	turns        []Turn
	evictedTurns int
	evictions    int

	inputTokens  int64
	outputTokens int64
	cost         float64
	errorCount   int
}

// New creates an empty session. capacity <= 0 falls back to DefaultCapacity.
// evictor may be nil, in which case overflow turns are dropped with a log
// line only (used by tests and degraded startup).
func New(agent string, capacity int, evictor Evictor) *Session {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Session{
		id:        uuid.NewString(),
		agent:     agent,
		startedAt: time.Now().UTC(),
		capacity:  capacity,
		evictor:   evictor,
	}
}

// Restore rebuilds a session from a persisted record. When the record
// holds more turns than the capacity allows (the capacity was lowered
// between runs), the overflow is evicted as a single multi-turn span.
func Restore(rec Record, capacity int, evictor Evictor) *Session {
	s := New(rec.Agent, capacity, evictor)
	s.id = rec.ID
	if !rec.StartedAt.IsZero() {
		s.startedAt = rec.StartedAt
	}
	s.turns = append(s.turns, rec.Turns...)
	s.evictedTurns = rec.EvictedTurns
	s.inputTokens = rec.InputTokens
	s.outputTokens = rec.OutputTokens
	s.cost = rec.Cost
	s.errorCount = rec.ErrorCount

	s.mu.Lock()
	s.evictOverflow()
	s.mu.Unlock()
	return s
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Agent() string { return s.agent }

// AddUser appends a user turn. tokens is usually an estimate; see
// CorrectLastUserTokens.
func (s *Session) AddUser(text string, tokens int) Turn {
	return s.add(RoleUser, text, tokens)
}

// AddAssistant appends an assistant turn.
func (s *Session) AddAssistant(text string, tokens int) Turn {
	return s.add(RoleAssistant, text, tokens)
}

// AddSystem appends an injected system-context turn.
func (s *Session) AddSystem(text string, tokens int) Turn {
	return s.add(RoleSystem, text, tokens)
}

func (s *Session) add(role, text string, tokens int) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Turn{Role: role, Text: text, Tokens: tokens, CreatedAt: time.Now().UTC()}
	s.turns = append(s.turns, t)
	if role == RoleAssistant {
		s.outputTokens += int64(tokens)
	} else {
		s.inputTokens += int64(tokens)
	}
	s.evictOverflow()
	return t
}

// evictOverflow enforces len(turns) <= capacity. Caller holds mu. In the
// single-append pattern the overflow is exactly one turn; Restore can
// produce a larger span.
func (s *Session) evictOverflow() {
	overflow := len(s.turns) - s.capacity
	if overflow <= 0 {
		return
	}

	span := make([]Turn, overflow)
	copy(span, s.turns[:overflow])

	if s.evictor != nil {
		if err := s.evictor.Evict(span, s.evictedTurns); err != nil {
			log.Printf("[window] evict span of %d starting at %d: %v", len(span), s.evictedTurns, err)
		}
	} else {
		log.Printf("[window] no evictor configured, dropping span of %d", len(span))
	}

	s.turns = append(s.turns[:0], s.turns[overflow:]...)
	s.evictedTurns += overflow
	s.evictions++
}

// Clear empties the live window. Cumulative counters, session id and agent
// label are untouched.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// CorrectLastUserTokens replaces the estimated token count on the most
// recent user turn with the actual value reported by the backend, adjusting
// the cumulative input counter by the delta. The counter never goes below
// zero. Returns false when no user turn is resident.
func (s *Session) CorrectLastUserTokens(actual int) bool {
	if actual < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role != RoleUser {
			continue
		}
		delta := int64(actual - s.turns[i].Tokens)
		s.turns[i].Tokens = actual
		s.inputTokens += delta
		if s.inputTokens < 0 {
			s.inputTokens = 0
		}
		return true
	}
	return false
}

// AddCost accumulates backend spend attributed to this session.
func (s *Session) AddCost(v float64) {
	if v <= 0 {
		return
	}
	s.mu.Lock()
	s.cost += v
	s.mu.Unlock()
}

// RecordError counts a failed backend call against the session.
func (s *Session) RecordError() {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}

// Turns returns a copy of the live window, oldest first.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastUser returns the most recent user turn and its position within the
// live window.
func (s *Session) LastUser() (Turn, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == RoleUser {
			return s.turns[i], i, true
		}
	}
	return Turn{}, -1, false
}

// Stats returns the accounting snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:    s.id,
		Agent:        s.agent,
		MessageCount: len(s.turns),
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Cost:         s.cost,
		ErrorCount:   s.errorCount,
		Evictions:    s.evictions,
		Elapsed:      time.Since(s.startedAt),
	}
}

// Snapshot returns the persistable record of the session.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return Record{
		ID:           s.id,
		Agent:        s.agent,
		StartedAt:    s.startedAt,
		Turns:        turns,
		EvictedTurns: s.evictedTurns,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Cost:         s.cost,
		ErrorCount:   s.errorCount,
	}
}
