package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/agent"
	"murmur/audio"
	"murmur/encoder"
	"murmur/history"
	"murmur/pipeline"
	"murmur/settings"
)

func speechPCM(seconds float64) []byte {
	n := int(seconds * encoder.SampleRate)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*220*float64(i)/encoder.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	gate chan struct{} // when set, Transcribe blocks until closed
}

func (f *fakeTranscriber) Transcribe(_ []byte, _ string) (pipeline.Transcription, error) {
	f.mu.Lock()
	gate, text, err := f.gate, f.text, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return pipeline.Transcription{}, err
	}
	return pipeline.Transcription{Text: text, Language: "en", Confidence: 0.9}, nil
}

type fakeCompleter struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeCompleter) Complete(req pipeline.CompletionRequest) (pipeline.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pipeline.Completion{}, f.err
	}
	return pipeline.Completion{Text: f.text, ResolvedModel: req.Model, TokensUsed: 7}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) send(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range r.all() {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return Event{}
}

type fixture struct {
	m    *Machine
	rec  *recorder
	tr   *fakeTranscriber
	comp *fakeCompleter
	reg  *agent.Registry
	hist *history.Store
}

func testAgent(auto bool) agent.Config {
	return agent.Config{
		ID:            "dictate",
		Name:          "Dictate",
		Instruction:   "Clean up the text.",
		Model:         "llama-3.3-70b-versatile",
		Temperature:   0.2,
		Enabled:       true,
		AutoProcessAI: auto,
	}
}

func newFixture(t *testing.T, auto bool, pcm []byte, mut func(*Config)) *fixture {
	t.Helper()

	reg := agent.NewRegistry()
	require.NoError(t, reg.Load([]agent.Config{testAgent(auto)}))

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	eng := audio.NewEngine(audio.NewFakeContext(pcm), audio.EngineConfig{
		Capture: audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels},
	}, nil)

	tr := &fakeTranscriber{text: "hello world"}
	comp := &fakeCompleter{text: "Hello, world."}

	st := settings.Default()
	st.SelectedAgent = "dictate"

	cfg := Config{
		Registry:            reg,
		History:             hist,
		Engine:              eng,
		Transcriber:         tr,
		Completer:           comp,
		Settings:            st,
		CompletedHold:       150 * time.Millisecond,
		CaptureErrorHold:    150 * time.Millisecond,
		TranscribeErrorHold: 150 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}

	m := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	rec := &recorder{}
	_, err = m.Attach(context.Background(), rec.send)
	require.NoError(t, err)

	return &fixture{m: m, rec: rec, tr: tr, comp: comp, reg: reg, hist: hist}
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.m.Snapshot(context.Background())
		require.NoError(t, err)
		if snap.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := f.m.Snapshot(context.Background())
	t.Fatalf("state = %s, want %s", snap.State, want)
}

func (f *fixture) do(t *testing.T, cmd Command) {
	t.Helper()
	require.NoError(t, f.m.Do(context.Background(), cmd))
}

func TestAutoProcessHappyPath(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateCompleted)

	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventHistory && ev.Entry != nil })
	assert.Equal(t, "hello world", ev.Entry.Transcription)
	assert.Equal(t, "Hello, world.", ev.Entry.Response)
	assert.Equal(t, "dictate", ev.Entry.AgentID)
	assert.False(t, ev.Entry.Partial())

	// the completed hold reverts to idle on its own
	f.waitState(t, StateIdle)
}

func TestManualRoutingParksTranscript(t *testing.T) {
	f := newFixture(t, false, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateIdle)

	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript != "" })
	assert.Equal(t, "hello world", ev.Transcript)

	// no entry lands until the user routes the transcript
	n, err := f.hist.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.do(t, ProcessWithAI{})
	f.waitState(t, StateCompleted)

	hev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventHistory && ev.Entry != nil })
	assert.Equal(t, "Hello, world.", hev.Entry.Response)
}

func TestSkipAIKeepsTranscriptVerbatim(t *testing.T) {
	f := newFixture(t, false, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript != "" })

	f.do(t, SkipAI{})
	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventHistory && ev.Entry != nil })
	assert.Equal(t, "hello world", ev.Entry.Transcription)
	assert.True(t, ev.Entry.Partial())

	assert.ErrorIs(t, f.m.Do(context.Background(), SkipAI{}), ErrNoPendingTranscript)
}

func TestCompletionFailureYieldsPartialResult(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)
	f.comp.mu.Lock()
	f.comp.err = &pipeline.Error{Kind: pipeline.FailRateLimited, Status: 429}
	f.comp.mu.Unlock()

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})

	// completion failure never reaches the error state; the transcript is kept
	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventHistory && ev.Entry != nil })
	assert.Equal(t, "hello world", ev.Entry.Transcription)
	assert.True(t, ev.Entry.Partial())
	f.waitState(t, StateIdle)

	for _, got := range f.rec.all() {
		if got.Kind == EventState && got.Snapshot != nil {
			assert.NotEqual(t, StateError, got.Snapshot.State)
		}
	}
}

func TestTranscriptionFailureEntersErrorState(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)
	f.tr.mu.Lock()
	f.tr.err = &pipeline.Error{Kind: pipeline.FailNetwork}
	f.tr.mu.Unlock()

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateError)

	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventError && ev.Error != nil })
	assert.Equal(t, "network_failure", ev.Error.Code)

	// and the hold reverts to idle
	f.waitState(t, StateIdle)

	n, err := f.hist.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDismissErrorOvertakesHold(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), func(cfg *Config) {
		cfg.TranscribeErrorHold = 10 * time.Second
	})
	f.tr.mu.Lock()
	f.tr.err = &pipeline.Error{Kind: pipeline.FailAuth, Status: 401}
	f.tr.mu.Unlock()

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateError)

	f.do(t, DismissError{})
	f.waitState(t, StateIdle)
}

func TestEmptyCaptureEntersErrorState(t *testing.T) {
	// 100 bytes is far below the minimum capture length
	f := newFixture(t, true, make([]byte, 100), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateError)

	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventError && ev.Error != nil })
	assert.Equal(t, "empty_audio", ev.Error.Code)
}

func TestStartWhileActiveRejected(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	assert.ErrorIs(t, f.m.Do(context.Background(), StartRecording{}), ErrSessionActive)
	f.do(t, StopRecording{})
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)
	f.do(t, StopRecording{})
	snap, err := f.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
}

func TestHotkeyToggleResolvesAtDequeue(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	f.do(t, ToggleRecording{})
	f.waitState(t, StateRecording)
	f.do(t, ToggleRecording{})
	f.waitState(t, StateCompleted)
}

func TestSelectAgentValidatesSynchronously(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	var verr *agent.ValidationError
	err := f.m.Do(context.Background(), SelectAgent{AgentID: "nope"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, agent.NotFound, verr.Reason)

	disabled := testAgent(true)
	disabled.ID = "off"
	disabled.Enabled = false
	require.NoError(t, f.reg.Upsert(disabled))
	err = f.m.Do(context.Background(), SelectAgent{AgentID: "off"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, agent.Disabled, verr.Reason)

	// a rejected selection leaves the current one intact
	snap, err := f.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dictate", snap.SelectedAgent)
}

func TestStartRevalidatesSelection(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	off := testAgent(true)
	off.Enabled = false
	require.NoError(t, f.reg.Upsert(off))

	var verr *agent.ValidationError
	err := f.m.Do(context.Background(), StartRecording{})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, agent.Disabled, verr.Reason)
}

func TestRoutingRevalidatesAgent(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	gate := make(chan struct{})
	f.tr.mu.Lock()
	f.tr.gate = gate
	f.tr.mu.Unlock()

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateProcessingSTT)

	// the agent loses its auto-process privilege mid-transcription
	off := testAgent(true)
	off.Enabled = false
	require.NoError(t, f.reg.Upsert(off))
	close(gate)

	// the result falls back to manual routing instead of calling completion
	ev := f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript != "" })
	assert.Equal(t, "hello world", ev.Transcript)
	f.waitState(t, StateIdle)
}

func TestNewRecordingDiscardsPendingTranscript(t *testing.T) {
	f := newFixture(t, false, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript != "" })

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)

	// surfaces are told the parked transcript is gone
	f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript == "" })
	assert.ErrorIs(t, f.m.Do(context.Background(), ProcessWithAI{}), ErrNotIdle)
	f.do(t, StopRecording{})
}

func TestStartDuringCompletedOvertakesHold(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), func(cfg *Config) {
		cfg.CompletedHold = 300 * time.Millisecond
	})

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.waitState(t, StateCompleted)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)

	// the stale hold timer fires but must not yank the new session to idle
	time.Sleep(500 * time.Millisecond)
	snap, err := f.m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRecording, snap.State)
	f.do(t, StopRecording{})
}

func TestAttachDeliversSnapshotFirst(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)

	late := &recorder{}
	_, err := f.m.Attach(context.Background(), late.send)
	require.NoError(t, err)

	ev := late.waitFor(t, func(Event) bool { return true })
	require.Equal(t, EventState, ev.Kind)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, StateRecording, ev.Snapshot.State)
	assert.True(t, ev.Snapshot.Recording)
	f.do(t, StopRecording{})
}

func TestAttachReplaysPendingTranscript(t *testing.T) {
	f := newFixture(t, false, speechPCM(0.5), nil)

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)
	f.do(t, StopRecording{})
	f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending && ev.Transcript != "" })

	late := &recorder{}
	_, err := f.m.Attach(context.Background(), late.send)
	require.NoError(t, err)
	ev := late.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending })
	assert.Equal(t, "hello world", ev.Transcript)
}

func TestHistoryLimitReductionNeedsConfirmation(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	for i := 0; i < 5; i++ {
		_, _, err := f.hist.Append(context.Background(), history.Entry{
			AgentID: "dictate", AgentName: "Dictate", Transcription: "t", Response: "r",
		})
		require.NoError(t, err)
	}

	limit := 3
	err := f.m.Do(context.Background(), UpdateSettings{Patch: settings.Patch{MaxHistoryEntries: &limit}})
	var confirmErr *history.ErrConfirmRequired
	require.True(t, errors.As(err, &confirmErr))
	assert.Equal(t, 2, confirmErr.DeleteCount)

	// nothing was deleted by the rejected attempt
	n, err := f.hist.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	f.do(t, UpdateSettings{Patch: settings.Patch{MaxHistoryEntries: &limit}, Confirm: true})
	n, err = f.hist.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDeleteHistoryEntry(t *testing.T) {
	f := newFixture(t, true, speechPCM(0.5), nil)

	id, _, err := f.hist.Append(context.Background(), history.Entry{
		AgentID: "dictate", AgentName: "Dictate", Transcription: "t", Response: "r",
	})
	require.NoError(t, err)

	f.do(t, DeleteHistory{ID: id})
	assert.ErrorIs(t, f.m.Do(context.Background(), DeleteHistory{ID: id}), history.ErrNotFound)

	n, err := f.hist.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSilenceAutoStopForcesProcessing(t *testing.T) {
	// all-silent capture, short silence window: the engine stops itself and
	// the machine must leave Recording without any stop command
	f := newFixture(t, false, make([]byte, encoder.SampleRate), func(cfg *Config) {
		eng := audio.NewEngine(audio.NewFakeContext(make([]byte, encoder.SampleRate)), audio.EngineConfig{
			Capture:       audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels},
			WarnAfter:     200 * time.Millisecond,
			AutoStopAfter: 500 * time.Millisecond,
		}, nil)
		cfg.Engine = eng
	})

	f.do(t, StartRecording{})
	f.waitState(t, StateRecording)

	// no StopRecording issued; silence does it
	f.rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventPending })
	f.waitState(t, StateIdle)
}
