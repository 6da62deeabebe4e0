package coach

import (
	"slices"
	"sync"
	"time"
)

const timestampLayout = "15:04"

// Transcript is the append-only record of a session's turns. The first turn
// is always the assistant greeting the session was opened with.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewTranscript(greeting string, at time.Time) *Transcript {
	return &Transcript{turns: []Turn{{Role: RoleAssistant, Text: greeting, Timestamp: at.Format(timestampLayout)}}}
}

func (t *Transcript) Append(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
}

// History returns a copy of every turn in append order.
func (t *Transcript) History() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.turns)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Messages converts the transcript into the outbound history for the
// language service.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	messages := make([]Message, 0, len(t.turns))
	for _, turn := range t.turns {
		messages = append(messages, Message{Role: turn.Role, Text: turn.Text})
	}
	return messages
}
