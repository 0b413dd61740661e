// Package session is the authoritative core: one goroutine owns the state
// machine, one serialized queue feeds it, and every surface observes the same
// broadcast stream. Nothing outside this package mutates session state.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"murmur/agent"
	"murmur/artifact"
	"murmur/audio"
	"murmur/encoder"
	"murmur/history"
	"murmur/log"
	"murmur/pipeline"
	"murmur/settings"
)

const (
	defaultCompletedHold       = 3 * time.Second
	defaultCaptureErrorHold    = 3 * time.Second
	defaultTranscribeErrorHold = 5 * time.Second

	persistTimeout = 5 * time.Second
)

type Config struct {
	Registry    *agent.Registry
	History     *history.Store
	Artifacts   *artifact.Store
	Engine      *audio.Engine
	Transcriber pipeline.Transcriber
	Completer   pipeline.Completer
	Settings    settings.Settings
	// SettingsPath, when set, is where settings changes are written back.
	SettingsPath string
	Device       *audio.DeviceInfo

	// Hold overrides for the transient states, zero means default.
	CompletedHold       time.Duration
	CaptureErrorHold    time.Duration
	TranscribeErrorHold time.Duration
}

// liveSession is the in-flight recording/processing context. It exists from
// a successful start until the session lands in history or fails.
type liveSession struct {
	agent       agent.Config
	autoProcess bool
	startedAt   time.Time
	capture     audio.Capture
	transcript  string
}

// pendingResult is a transcript parked in Idle, waiting for the user to
// route it (process-with-ai or skip-ai). A new recording discards it.
type pendingResult struct {
	transcript string
	audioPath  string
	duration   time.Duration
}

type envelope struct {
	cmd   Command
	reply chan error
}

type attachReq struct {
	send  SendFunc
	reply chan string
}

// Machine runs the session state machine. All mutation happens on the Run
// goroutine; Do, Attach and Detach post into its queue and the asynchronous
// completions (capture flush, pipeline results, hold timers) re-enter the
// same queue, so ordering is total.
type Machine struct {
	cfg Config

	cmds     chan envelope
	internal chan func()
	attaches chan attachReq
	detaches chan string
	snaps    chan chan Snapshot
	done     chan struct{}

	// owned by the Run goroutine
	state    State
	gen      uint64
	selected string
	sess     *liveSession
	pending  *pendingResult
	errInfo  *ErrorInfo
	settings settings.Settings
	bc       *broadcaster
}

func New(cfg Config) *Machine {
	if cfg.CompletedHold == 0 {
		cfg.CompletedHold = defaultCompletedHold
	}
	if cfg.CaptureErrorHold == 0 {
		cfg.CaptureErrorHold = defaultCaptureErrorHold
	}
	if cfg.TranscribeErrorHold == 0 {
		cfg.TranscribeErrorHold = defaultTranscribeErrorHold
	}
	return &Machine{
		cfg:      cfg,
		cmds:     make(chan envelope),
		internal: make(chan func(), 64),
		attaches: make(chan attachReq),
		detaches: make(chan string, 8),
		snaps:    make(chan chan Snapshot),
		done:     make(chan struct{}),
		state:    StateIdle,
		selected: cfg.Settings.SelectedAgent,
		settings: cfg.Settings,
		bc:       newBroadcaster(),
	}
}

// Run owns the state until ctx is canceled. It must be running before any
// call to Do or Attach.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case env := <-m.cmds:
			env.reply <- m.handle(env.cmd)
		case fn := <-m.internal:
			fn()
		case req := <-m.attaches:
			req.reply <- m.handleAttach(req.send)
		case id := <-m.detaches:
			m.bc.detach(id)
		case ch := <-m.snaps:
			ch <- m.snapshot()
		case <-m.cfg.Engine.Notices():
			// the capture engine stopped itself (sustained silence);
			// this transition is unconditional while recording
			if m.state == StateRecording {
				m.beginProcessing()
			}
		case lvl := <-m.cfg.Engine.Levels():
			m.bc.push(Event{Kind: EventLevel, Level: lvl})
		}
	}
}

func (m *Machine) shutdown() {
	if m.state == StateRecording {
		m.cfg.Engine.Stop()
	}
}

// Do posts one command and waits for its synchronous verdict. Validation
// failures (agent selection, confirmation-required) come back as errors;
// asynchronous outcomes arrive as events.
func (m *Machine) Do(ctx context.Context, cmd Command) error {
	env := envelope{cmd: cmd, reply: make(chan error, 1)}
	select {
	case m.cmds <- env:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers an observer. Its first delivered event is a snapshot of
// the current state, so a late joiner reconciles before any live push.
func (m *Machine) Attach(ctx context.Context, send SendFunc) (string, error) {
	req := attachReq{send: send, reply: make(chan string, 1)}
	select {
	case m.attaches <- req:
	case <-m.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case id := <-req.reply:
		return id, nil
	case <-m.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Machine) Detach(id string) {
	select {
	case m.detaches <- id:
	case <-m.done:
	}
}

// Snapshot reads the current state through the queue.
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	select {
	case m.snaps <- ch:
	case <-m.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-m.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Machine) handleAttach(send SendFunc) string {
	id := uuid.NewString()
	snap := m.snapshot()
	if err := send(Event{Kind: EventState, Snapshot: &snap}); err != nil {
		log.Warnf("observer rejected reconciliation snapshot: %v", err)
		return id
	}
	if m.pending != nil {
		send(Event{Kind: EventPending, Transcript: m.pending.transcript})
	}
	if m.errInfo != nil {
		send(Event{Kind: EventError, Error: m.errInfo})
	}
	m.bc.attach(id, send)
	return id
}

// post re-enters the machine goroutine from an async completion.
func (m *Machine) post(fn func()) {
	select {
	case m.internal <- fn:
	case <-m.done:
	}
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		State:         m.state,
		Recording:     m.state == StateRecording,
		SelectedAgent: m.selected,
	}
}

// setState is the single point of transition. Every transition bumps the
// generation counter, which stale timers and stale pipeline results compare
// against before acting.
func (m *Machine) setState(s State) {
	from := m.state
	m.state = s
	m.gen++
	log.Transition(from.String(), s.String())
	snap := m.snapshot()
	m.bc.push(Event{Kind: EventState, Snapshot: &snap})
	if (from == StateRecording) != (s == StateRecording) {
		m.bc.push(Event{Kind: EventRecording, Snapshot: &snap})
	}
}

// armRevert schedules the compare-and-act fallback to Idle. The timer fires
// into the queue and re-checks state and generation there, so a hold that was
// overtaken by a user action is a no-op.
func (m *Machine) armRevert(expect State, hold time.Duration) {
	gen := m.gen
	time.AfterFunc(hold, func() {
		m.post(func() {
			if m.state != expect || m.gen != gen {
				return
			}
			m.errInfo = nil
			m.setState(StateIdle)
		})
	})
}

func (m *Machine) enterError(code, msg string, hold time.Duration) {
	m.sess = nil
	m.errInfo = &ErrorInfo{Code: code, Message: msg}
	m.bc.push(Event{Kind: EventError, Error: m.errInfo})
	m.setState(StateError)
	m.armRevert(StateError, hold)
}

func (m *Machine) handle(cmd Command) error {
	switch c := cmd.(type) {
	case StartRecording:
		return m.startRecording()
	case StopRecording:
		if m.state != StateRecording {
			return nil
		}
		m.beginProcessing()
		return nil
	case ToggleRecording:
		if m.state == StateRecording {
			m.beginProcessing()
			return nil
		}
		return m.startRecording()
	case SelectAgent:
		return m.selectAgent(c.AgentID)
	case ProcessWithAI:
		return m.processWithAI(c.Transcript)
	case SkipAI:
		return m.skipAI()
	case DismissError:
		if m.state == StateError {
			m.errInfo = nil
			m.setState(StateIdle)
		}
		return nil
	case DeleteHistory:
		return m.deleteHistory(c.ID)
	case ClearHistory:
		return m.clearHistory()
	case UpdateSettings:
		return m.updateSettings(c.Patch, c.Confirm)
	}
	return errors.New("unknown command")
}

func (m *Machine) startRecording() error {
	switch m.state {
	case StateIdle, StateCompleted:
		// starting during the completed hold simply overtakes it
	case StateError:
		// an explicit start clears a lingering error
		m.errInfo = nil
		m.setState(StateIdle)
	default:
		return ErrSessionActive
	}

	// checkpoint 1: the selection must be valid right now
	if err := m.cfg.Registry.ValidateSelection(m.selected); err != nil {
		return err
	}
	a, _ := m.cfg.Registry.Get(m.selected)

	if err := m.cfg.Engine.Start(m.cfg.Device); err != nil {
		var cerr *audio.CaptureError
		if errors.As(err, &cerr) {
			m.enterError(cerr.Class.String(), cerr.Error(), m.cfg.CaptureErrorHold)
		} else {
			m.enterError(audio.DeviceError.String(), err.Error(), m.cfg.CaptureErrorHold)
		}
		return err
	}

	if m.pending != nil {
		// a new recording discards the parked transcript
		m.pending = nil
		m.bc.push(Event{Kind: EventPending})
	}
	m.sess = &liveSession{agent: a, startedAt: time.Now()}
	m.setState(StateRecording)
	return nil
}

// beginProcessing leaves Recording for ProcessingSTT and hands the flush to a
// worker. The worker's result re-enters the queue tagged with the generation
// it belongs to.
func (m *Machine) beginProcessing() {
	m.setState(StateProcessingSTT)
	gen := m.gen
	go func() {
		cap, err := m.cfg.Engine.Stop()
		m.post(func() { m.captureFlushed(cap, err, gen) })
	}()
}

func (m *Machine) captureFlushed(cap audio.Capture, err error, gen uint64) {
	if m.gen != gen || m.state != StateProcessingSTT {
		if cap.Path != "" && m.cfg.Artifacts != nil {
			m.cfg.Artifacts.Remove(cap.Path)
		}
		return
	}
	if err != nil {
		var cerr *audio.CaptureError
		if errors.As(err, &cerr) {
			m.enterError(cerr.Class.String(), cerr.Error(), m.cfg.CaptureErrorHold)
		} else {
			m.enterError(audio.DeviceError.String(), err.Error(), m.cfg.CaptureErrorHold)
		}
		return
	}

	m.sess.capture = cap
	lang := m.settings.Language
	go func() {
		flacBytes, err := encoder.Encode(cap.PCM)
		if err != nil {
			m.post(func() { m.transcribed(pipeline.Transcription{}, err, gen) })
			return
		}
		tr, err := m.cfg.Transcriber.Transcribe(flacBytes, lang)
		m.post(func() { m.transcribed(tr, err, gen) })
	}()
}

func (m *Machine) transcribed(tr pipeline.Transcription, err error, gen uint64) {
	if m.gen != gen || m.state != StateProcessingSTT {
		return
	}
	sess := m.sess

	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = &pipeline.Error{Kind: pipeline.FailEmptyAudio, Detail: "no speech recognized"}
	}
	if err != nil {
		if m.cfg.Artifacts != nil {
			m.cfg.Artifacts.Remove(sess.capture.Path)
		}
		code := "transcription_failed"
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			code = perr.Kind.String()
		}
		m.enterError(code, err.Error(), m.cfg.TranscribeErrorHold)
		return
	}

	sess.transcript = strings.TrimSpace(tr.Text)
	log.Infof("transcribed %d chars (lang=%s)", len(sess.transcript), tr.Language)

	// checkpoint 2: the agent chosen at start may have been disabled or
	// removed since; when it no longer validates, fall back to manual routing
	auto := false
	if m.cfg.Registry.ValidateSelection(sess.agent.ID) == nil {
		fresh, _ := m.cfg.Registry.Get(sess.agent.ID)
		sess.agent = fresh
		auto = fresh.AutoProcessAI
	}
	sess.autoProcess = auto

	if !auto {
		m.pending = &pendingResult{
			transcript: sess.transcript,
			audioPath:  sess.capture.Path,
			duration:   sess.capture.Duration,
		}
		m.sess = nil
		m.setState(StateIdle)
		m.bc.push(Event{Kind: EventPending, Transcript: m.pending.transcript})
		return
	}

	m.setState(StateProcessingLLM)
	m.dispatchCompletion(sess)
}

func (m *Machine) dispatchCompletion(sess *liveSession) {
	gen := m.gen
	req := pipeline.CompletionRequest{
		Instruction: sess.agent.Instruction,
		Model:       sess.agent.Model,
		Temperature: sess.agent.Temperature,
		UserText:    sess.transcript,
	}
	go func() {
		comp, err := m.cfg.Completer.Complete(req)
		m.post(func() { m.completed(comp, err, gen) })
	}()
}

func (m *Machine) completed(comp pipeline.Completion, err error, gen uint64) {
	if m.gen != gen || m.state != StateProcessingLLM {
		return
	}
	sess := m.sess
	m.sess = nil

	entry := history.Entry{
		AgentID:       sess.agent.ID,
		AgentName:     sess.agent.Name,
		Transcription: sess.transcript,
		AudioPath:     sess.capture.Path,
		Duration:      sess.capture.Duration,
		AutoProcessAI: sess.autoProcess,
	}

	if err != nil {
		// a completion failure is a partial result, never an error state:
		// the transcript is preserved
		log.Errorf("completion failed, keeping partial result: %v", err)
		log.SessionOutcome(sess.agent.ID, true, sess.capture.Duration.Seconds(), 0)
		m.appendEntry(entry)
		m.setState(StateIdle)
		return
	}

	entry.Response = comp.Text
	log.SessionOutcome(sess.agent.ID, false, sess.capture.Duration.Seconds(), comp.TokensUsed)
	m.appendEntry(entry)
	m.setState(StateCompleted)
	m.armRevert(StateCompleted, m.cfg.CompletedHold)
}

// appendEntry persists one finished session. Persistence failure is reported
// but does not roll back the session outcome.
func (m *Machine) appendEntry(e history.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	id, purged, err := m.cfg.History.Append(ctx, e)
	if err != nil {
		log.Errorf("history append failed: %v", err)
		m.bc.push(Event{Kind: EventError, Error: &ErrorInfo{
			Code:    "persistence_error",
			Message: "failed to save history entry",
		}})
		return
	}
	if m.cfg.Artifacts != nil {
		m.cfg.Artifacts.RemoveAll(purged)
	}
	e.ID = id
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.bc.push(Event{Kind: EventHistory, Entry: &e})
}

func (m *Machine) selectAgent(id string) error {
	if err := m.cfg.Registry.ValidateSelection(id); err != nil {
		return err
	}
	m.selected = id
	m.settings.SelectedAgent = id
	m.persistSettings()
	m.bc.push(Event{Kind: EventAgent, AgentID: id})
	return nil
}

func (m *Machine) processWithAI(transcript string) error {
	if m.state != StateIdle {
		return ErrNotIdle
	}
	pend := m.pending
	if transcript == "" {
		if pend == nil {
			return ErrNoPendingTranscript
		}
		transcript = pend.transcript
	}
	if err := m.cfg.Registry.ValidateSelection(m.selected); err != nil {
		return err
	}
	a, _ := m.cfg.Registry.Get(m.selected)

	sess := &liveSession{agent: a, transcript: transcript, autoProcess: a.AutoProcessAI}
	if pend != nil {
		sess.capture = audio.Capture{Path: pend.audioPath, Duration: pend.duration}
	}
	m.pending = nil
	m.sess = sess
	m.setState(StateProcessingLLM)
	m.bc.push(Event{Kind: EventPending})
	m.dispatchCompletion(sess)
	return nil
}

func (m *Machine) skipAI() error {
	if m.state != StateIdle || m.pending == nil {
		return ErrNoPendingTranscript
	}
	pend := m.pending
	m.pending = nil

	entry := history.Entry{
		Transcription: pend.transcript,
		AudioPath:     pend.audioPath,
		Duration:      pend.duration,
	}
	if a, ok := m.cfg.Registry.Get(m.selected); ok {
		entry.AgentID = a.ID
		entry.AgentName = a.Name
	}
	m.appendEntry(entry)
	m.bc.push(Event{Kind: EventPending})
	return nil
}

func (m *Machine) deleteHistory(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	path, err := m.cfg.History.Delete(ctx, id)
	if err != nil {
		return err
	}
	if m.cfg.Artifacts != nil {
		m.cfg.Artifacts.Remove(path)
	}
	m.bc.push(Event{Kind: EventHistory})
	return nil
}

func (m *Machine) clearHistory() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	paths, err := m.cfg.History.Clear(ctx)
	if err != nil {
		return err
	}
	if m.cfg.Artifacts != nil {
		m.cfg.Artifacts.RemoveAll(paths)
	}
	m.bc.push(Event{Kind: EventHistory})
	return nil
}

func (m *Machine) updateSettings(p settings.Patch, confirm bool) error {
	// agents are validated before anything is applied
	if p.Agents != nil {
		if err := m.cfg.Registry.Load(*p.Agents); err != nil {
			return err
		}
	}
	if p.SelectedAgent != nil {
		if err := m.cfg.Registry.ValidateSelection(*p.SelectedAgent); err != nil {
			return err
		}
	}

	// the history bound goes through the confirmation flow; an unconfirmed
	// destructive reduction bounces back with the exact delete count
	if p.MaxHistoryEntries != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		purged, err := m.cfg.History.SetLimit(ctx, *p.MaxHistoryEntries, confirm)
		if err != nil {
			return err
		}
		if m.cfg.Artifacts != nil {
			m.cfg.Artifacts.RemoveAll(purged)
		}
		m.settings.MaxHistoryEntries = *p.MaxHistoryEntries
		if len(purged) > 0 {
			m.bc.push(Event{Kind: EventHistory})
		}
	}

	m.settings.Apply(p)
	if p.SelectedAgent != nil {
		m.selected = *p.SelectedAgent
		m.bc.push(Event{Kind: EventAgent, AgentID: m.selected})
	}
	m.persistSettings()
	return nil
}

func (m *Machine) persistSettings() {
	if m.cfg.SettingsPath == "" {
		return
	}
	if err := m.settings.Save(m.cfg.SettingsPath); err != nil {
		log.Errorf("settings save failed: %v", err)
		m.bc.push(Event{Kind: EventError, Error: &ErrorInfo{
			Code:    "persistence_error",
			Message: "failed to save settings",
		}})
	}
}

// Settings returns the machine's current settings copy through the queue.
func (m *Machine) Settings(ctx context.Context) (settings.Settings, error) {
	ch := make(chan settings.Settings, 1)
	err := m.runOn(ctx, func() { ch <- m.settings })
	if err != nil {
		return settings.Settings{}, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-m.done:
		return settings.Settings{}, ErrStopped
	case <-ctx.Done():
		return settings.Settings{}, ctx.Err()
	}
}

func (m *Machine) runOn(ctx context.Context, fn func()) error {
	select {
	case m.internal <- fn:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
