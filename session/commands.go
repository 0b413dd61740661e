package session

import (
	"errors"

	"murmur/settings"
)

// Commands are the only way to mutate the session. Every source (surfaces,
// hotkey, CLI) posts into the same queue; rejections come back synchronously
// from Do.
type Command interface {
	isCommand()
}

type StartRecording struct{}

type StopRecording struct{}

// ToggleRecording is what the global hotkey posts: it resolves to start or
// stop against the state current at dequeue time, not at press time.
type ToggleRecording struct{}

type SelectAgent struct {
	AgentID string `json:"agentId"`
}

// ProcessWithAI routes a pending transcript through the completion step.
// Transcript overrides the pending text when set (a surface may have let the
// user edit it).
type ProcessWithAI struct {
	Transcript string `json:"transcript,omitempty"`
}

// SkipAI finalizes the pending transcript as-is, without a completion call.
type SkipAI struct{}

type DismissError struct{}

type DeleteHistory struct {
	ID string `json:"id"`
}

type ClearHistory struct{}

// UpdateSettings applies a partial settings change. A history-limit reduction
// that would delete entries is rejected with history.ErrConfirmRequired until
// Confirm is set.
type UpdateSettings struct {
	Patch   settings.Patch `json:"patch"`
	Confirm bool           `json:"confirm,omitempty"`
}

func (StartRecording) isCommand()  {}
func (StopRecording) isCommand()   {}
func (ToggleRecording) isCommand() {}
func (SelectAgent) isCommand()     {}
func (ProcessWithAI) isCommand()   {}
func (SkipAI) isCommand()          {}
func (DismissError) isCommand()    {}
func (DeleteHistory) isCommand()   {}
func (ClearHistory) isCommand()    {}
func (UpdateSettings) isCommand()  {}

var (
	ErrSessionActive       = errors.New("a session is already active")
	ErrNotIdle             = errors.New("command requires an idle session")
	ErrNoPendingTranscript = errors.New("no pending transcript")
	ErrStopped             = errors.New("session machine stopped")
)
