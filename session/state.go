package session

import (
	"encoding/json"
	"fmt"

	"murmur/history"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessingSTT
	StateProcessingLLM
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessingSTT:
		return "processing_stt"
	case StateProcessingLLM:
		return "processing_llm"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "idle":
		*s = StateIdle
	case "recording":
		*s = StateRecording
	case "processing_stt":
		*s = StateProcessingSTT
	case "processing_llm":
		*s = StateProcessingLLM
	case "completed":
		*s = StateCompleted
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown state %q", str)
	}
	return nil
}

// Snapshot is the only data pushed to observers.
type Snapshot struct {
	State         State  `json:"currentState"`
	Recording     bool   `json:"isRecording"`
	SelectedAgent string `json:"selectedAgentId,omitempty"`
}

type EventKind string

const (
	EventState     EventKind = "state-changed"
	EventRecording EventKind = "recording-state-changed"
	EventAgent     EventKind = "selected-agent-changed"
	EventHistory   EventKind = "history-updated"
	EventPending   EventKind = "pending-transcript"
	EventError     EventKind = "error"
	EventLevel     EventKind = "audio-level"
)

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Event struct {
	Kind       EventKind      `json:"type"`
	Snapshot   *Snapshot      `json:"snapshot,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Entry      *history.Entry `json:"entry,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Level      float64        `json:"level,omitempty"`
}
