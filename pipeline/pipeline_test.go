package pipeline

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-super-secret-key"

func sttServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestTranscribeSuccess(t *testing.T) {
	srv := sttServer(t, http.StatusOK, `{
		"text": "hello world",
		"language": "en",
		"segments": [{"avg_logprob": -0.1}, {"avg_logprob": -0.3}]
	}`)
	defer srv.Close()

	c := NewWhisperAt(srv.URL, testKey, "")
	got, err := c.Transcribe([]byte("fLaC..."), "en")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, "en", got.Language)
	assert.InDelta(t, 0.82, got.Confidence, 0.01)
}

func TestTranscribeFailureClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   FailKind
	}{
		{"unauthorized", http.StatusUnauthorized, FailAuth},
		{"forbidden", http.StatusForbidden, FailAuth},
		{"rate_limited", http.StatusTooManyRequests, FailRateLimited},
		{"server_error", http.StatusBadGateway, FailNetwork},
		{"bad_request", http.StatusBadRequest, FailBadResponse},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			srv := sttServer(t, tt.status, `{"error":"nope"}`)
			defer srv.Close()

			_, err := NewWhisperAt(srv.URL, testKey, "").Transcribe([]byte("x"), "")
			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.want, perr.Kind)
			assert.Equal(t, tt.status, perr.Status)
		})
	}
}

func TestErrorNeverLeaksCredentials(t *testing.T) {
	srv := sttServer(t, http.StatusUnauthorized, `{"error":"invalid api key `+testKey+`"}`)
	defer srv.Close()

	_, err := NewWhisperAt(srv.URL, testKey, "").Transcribe([]byte("x"), "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testKey)
}

func TestTranscribeEmptyAudio(t *testing.T) {
	c := NewWhisper(testKey)
	_, err := c.Transcribe(nil, "")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, FailEmptyAudio, perr.Kind)
}

func TestTranscribeNetworkFailure(t *testing.T) {
	c := NewWhisperAt("http://127.0.0.1:1", testKey, "")
	_, err := c.Transcribe([]byte("x"), "")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, FailNetwork, perr.Kind)
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{
			"model": "llama-3.3-70b-versatile",
			"choices": [{"message": {"role": "assistant", "content": "Done."}}],
			"usage": {"total_tokens": 42}
		}`))
	}))
	defer srv.Close()

	c := NewChatAt(srv.URL, testKey)
	got, err := c.Complete(CompletionRequest{
		Instruction: "Clean up.",
		Model:       "llama-3.3-70b-versatile",
		Temperature: 0.2,
		UserText:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", got.Text)
	assert.Equal(t, "llama-3.3-70b-versatile", got.ResolvedModel)
	assert.Equal(t, 42, got.TokensUsed)
}

func TestCompleteFailureClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := NewChatAt(srv.URL, testKey).Complete(CompletionRequest{Model: "m", UserText: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, FailRateLimited, perr.Kind)
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewChatAt(srv.URL, testKey).Complete(CompletionRequest{Model: "m", UserText: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, FailBadResponse, perr.Kind)
}

func TestErrorDetailTruncated(t *testing.T) {
	long := strings.Repeat("z", 5000)
	perr := classifyStatus(http.StatusBadRequest, []byte(long))
	assert.LessOrEqual(t, len(perr.Detail), maxErrorBody)
}
