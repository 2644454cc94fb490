// Package session holds the per-session working memory threaded through the pipeline.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stellarlinkco/mnemos/internal/memory"
)

// Status is the pipeline state of a session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusProcessing   Status = "processing"
	StatusWaitingInput Status = "waitingInput"
	StatusError        Status = "error"
	StatusComplete     Status = "complete"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is the working memory of one session. Steps never mutate a State they were
// given; they Clone it and return the copy.
type State struct {
	SessionID   string                     `json:"sessionId"`
	UserID      string                     `json:"userId,omitempty"`
	Context     string                     `json:"context"`
	Messages    []Message                  `json:"messages"`
	Memories    map[string]memory.Item     `json:"memories"`
	Recalled    []string                   `json:"recalled,omitempty"`
	Step        int                        `json:"step"`
	Status      Status                     `json:"status"`
	Decision    string                     `json:"decision,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt"`
	LastUpdated time.Time                  `json:"lastUpdated"`
}

// New returns an idle state at step 0.
func New(sessionID, userID, contextTag string, now time.Time) *State {
	if contextTag == "" {
		contextTag = memory.DefaultContext
	}
	now = now.UTC()
	return &State{
		SessionID:   sessionID,
		UserID:      userID,
		Context:     contextTag,
		Messages:    []Message{},
		Memories:    map[string]memory.Item{},
		Status:      StatusIdle,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Messages = append([]Message{}, s.Messages...)
	out.Memories = make(map[string]memory.Item, len(s.Memories))
	for id, it := range s.Memories {
		out.Memories[id] = it.Clone()
	}
	if s.Recalled != nil {
		out.Recalled = append([]string(nil), s.Recalled...)
	}
	if s.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(s.Extensions))
		for k, v := range s.Extensions {
			out.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

func (s *State) AddMessage(role, content string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, CreatedAt: at.UTC()})
}

// PendingUserMessage returns the trailing user message that has not been answered yet.
func (s *State) PendingUserMessage() (Message, bool) {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == RoleUser {
		return s.Messages[n-1], true
	}
	return Message{}, false
}

// LastExchange returns the most recent user message and the assistant reply after it.
func (s *State) LastExchange() (user, assistant Message, ok bool) {
	n := len(s.Messages)
	if n < 2 || s.Messages[n-1].Role != RoleAssistant || s.Messages[n-2].Role != RoleUser {
		return Message{}, Message{}, false
	}
	return s.Messages[n-2], s.Messages[n-1], true
}

func (s *State) AddMemory(it memory.Item) {
	if s.Memories == nil {
		s.Memories = map[string]memory.Item{}
	}
	s.Memories[it.ID] = it
}

// MemoriesByKind returns the working-memory items of kind, newest first.
func (s *State) MemoriesByKind(kind memory.Kind) []memory.Item {
	var out []memory.Item
	for _, it := range s.Memories {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecalledItems resolves Recalled against the working memory, keeping recall order.
func (s *State) RecalledItems() []memory.Item {
	out := make([]memory.Item, 0, len(s.Recalled))
	for _, id := range s.Recalled {
		if it, ok := s.Memories[id]; ok {
			out = append(out, it)
		}
	}
	return out
}

// SetExtension attaches domain data under tag. Steps that do not know the tag carry it
// through untouched.
func (s *State) SetExtension(tag string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode extension %s: %w", tag, err)
	}
	if s.Extensions == nil {
		s.Extensions = map[string]json.RawMessage{}
	}
	s.Extensions[tag] = raw
	return nil
}

// Extension decodes the data under tag into v. It reports false when tag is absent.
func (s *State) Extension(tag string, v any) (bool, error) {
	raw, ok := s.Extensions[tag]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode extension %s: %w", tag, err)
	}
	return true, nil
}
