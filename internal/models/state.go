// Package models defines state management structures for DialogPipe dialogs.
package models

import "time"

// UserState is the persisted position of one user inside a scenario.
// Absence of a record means the user has no active scenario.
type UserState struct {
	UserID      string         `json:"user_id"`
	ScenarioKey string         `json:"scenario_key"`
	StateKey    string         `json:"state_key"`
	Context     map[string]any `json:"context,omitempty"`
	// EntryDone is true once the current state's entry actions completed without a transition.
	EntryDone bool      `json:"entry_done"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy whose context can be mutated independently.
func (s UserState) Clone() UserState {
	s.Context = CloneContext(s.Context)
	return s
}

// ChatRole identifies the author of a chat history entry.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of a completion history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// CompletionRequest asks the text-generation service for one completion.
type CompletionRequest struct {
	PromptKey            string
	SystemPromptOverride string
	UserReply            string
	Language             string
	History              []ChatMessage
}
