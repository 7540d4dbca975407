// Package session holds the per-call conversation state.
//
// A [Context] is created by the pipeline orchestrator when a call starts and
// mutated only by that call's turn controller, through [Context.Append] at
// turn boundaries. Every other component reads an immutable [Snapshot].
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
)

var (
	// ErrEmptyTurnID is returned by Append for a record without a turn id.
	ErrEmptyTurnID = errors.New("session: turn id must not be empty")

	// ErrDuplicateTurn is returned by Append when the turn is already in the
	// history. Past turns are never edited.
	ErrDuplicateTurn = errors.New("session: turn already recorded")
)

// Providers names the backend chosen for each adapter contract. It is fixed
// for the lifetime of a call.
type Providers struct {
	STT   string `json:"stt"`
	LLM   string `json:"llm"`
	TTS   string `json:"tts"`
	VAD   string `json:"vad"`
	Voice string `json:"voice"`
}

// TurnRecord is one completed exchange.
type TurnRecord struct {
	TurnID        string
	UserText      string
	AssistantText string
	StartedAt     time.Time
	EndedAt       time.Time
}

// Context is the conversation state of one call. It is safe for concurrent
// use.
type Context struct {
	// ID identifies this session; CallID is the transport's call identifier.
	ID        string
	CallID    string
	CreatedAt time.Time
	Providers Providers

	mu      sync.RWMutex
	history []TurnRecord
	seen    map[string]struct{}
}

// New creates a Context for callID.
func New(callID string, providers Providers) *Context {
	return &Context{
		ID:        uuid.NewString(),
		CallID:    callID,
		CreatedAt: time.Now(),
		Providers: providers,
		seen:      make(map[string]struct{}),
	}
}

// Append adds a completed turn to the history.
func (c *Context) Append(rec TurnRecord) error {
	if rec.TurnID == "" {
		return ErrEmptyTurnID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[rec.TurnID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, rec.TurnID)
	}
	c.seen[rec.TurnID] = struct{}{}
	c.history = append(c.history, rec)
	return nil
}

// Len returns the number of recorded turns.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

// Snapshot returns a read-only copy of the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:        c.ID,
		CallID:    c.CallID,
		CreatedAt: c.CreatedAt,
		Providers: c.Providers,
		History:   append([]TurnRecord(nil), c.history...),
	}
}

// Snapshot is an immutable view of a Context at one point in time.
type Snapshot struct {
	ID        string
	CallID    string
	CreatedAt time.Time
	Providers Providers
	History   []TurnRecord
}

// Messages renders the history as alternating user and assistant messages,
// oldest first. When budget is positive, the oldest turns are left out until
// the estimated token count fits; a turn is never split.
func (s Snapshot) Messages(budget int) []llm.Message {
	start := 0
	if budget > 0 {
		used := 0
		start = len(s.History)
		for i := len(s.History) - 1; i >= 0; i-- {
			cost := llm.EstimateTokens(turnMessages(s.History[i]))
			if used+cost > budget {
				break
			}
			used += cost
			start = i
		}
	}
	out := make([]llm.Message, 0, 2*(len(s.History)-start))
	for _, rec := range s.History[start:] {
		out = append(out, turnMessages(rec)...)
	}
	return out
}

func turnMessages(rec TurnRecord) []llm.Message {
	msgs := make([]llm.Message, 0, 2)
	if rec.UserText != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: rec.UserText})
	}
	if rec.AssistantText != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: rec.AssistantText})
	}
	return msgs
}
