// Package pipeline sequences the two external calls: speech-to-text, then an
// optional agent-parameterized completion. Each call returns a tagged result
// validated once at the HTTP boundary; nothing downstream re-validates.
package pipeline

import (
	"fmt"
	"net/http"
	"time"
)

type FailKind int

const (
	FailAuth FailKind = iota
	FailRateLimited
	FailNetwork
	FailEmptyAudio
	FailBadResponse
)

func (k FailKind) String() string {
	switch k {
	case FailAuth:
		return "auth_failure"
	case FailRateLimited:
		return "rate_limited"
	case FailNetwork:
		return "network_failure"
	case FailEmptyAudio:
		return "empty_audio"
	case FailBadResponse:
		return "bad_response"
	}
	return "unknown"
}

// Error carries the failure category across the boundary. Detail never
// contains credentials: it is built from status codes and truncated response
// bodies only.
type Error struct {
	Kind   FailKind
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

type Transcription struct {
	Text       string
	Language   string
	Confidence float64
}

type Completion struct {
	Text          string
	ResolvedModel string
	TokensUsed    int
}

type Transcriber interface {
	Transcribe(audio []byte, languageHint string) (Transcription, error)
}

type CompletionRequest struct {
	Instruction string
	Model       string
	Temperature float64
	UserText    string
}

type Completer interface {
	Complete(req CompletionRequest) (Completion, error)
}

const maxErrorBody = 200

func classifyStatus(status int, body []byte) *Error {
	detail := string(body)
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	kind := FailBadResponse
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = FailAuth
		detail = "credentials rejected" // never echo the key or auth headers
	case status == http.StatusTooManyRequests:
		kind = FailRateLimited
	case status >= 500:
		kind = FailNetwork
	}
	return &Error{Kind: kind, Status: status, Detail: detail}
}

func networkError(err error) *Error {
	return &Error{Kind: FailNetwork, Detail: err.Error()}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
