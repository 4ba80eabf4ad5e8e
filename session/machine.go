// Package session implements the conversation state machine: the single
// owner of the session phase, transcript, emotion, and active error. It
// consumes user actions and inbound server messages, drives the capture
// pipeline and playback queue, and publishes immutable snapshots to the
// presentation layer.
package session

import (
	"context"
	"sync"
	"time"

	"lumi/audio"
	"lumi/capture"
	"lumi/history"
	"lumi/log"
	"lumi/playback"
	"lumi/transport"
)

// Phase is the conversation's current state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
)

// legalTransitions lists the transitions a normal requested event may
// take. Anything else is a no-op. Error recovery bypasses this table and
// forces idle from any phase.
var legalTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseListening},
	PhaseListening:  {PhaseProcessing},
	PhaseProcessing: {PhaseSpeaking, PhaseIdle},
	PhaseSpeaking:   {PhaseIdle},
}

// knownEmotions is the closed set of mood labels the server may send.
// Anything else is ignored and the previous value retained.
var knownEmotions = map[string]bool{
	"默认陪伴": true,
	"共情倾听": true,
	"安慰支持": true,
	"轻松愉悦": true,
}

// CapturePipeline is the slice of capture.Pipeline the machine drives.
type CapturePipeline interface {
	Start(device *audio.DeviceInfo) error
	Stop()
}

// PlaybackQueue is the slice of playback.Queue the machine drives.
type PlaybackQueue interface {
	Enqueue(playback.Fragment)
	Clear()
	Stop()
}

// HistoryRecorder persists committed turns. May be nil.
type HistoryRecorder interface {
	Append(role, content, emotion string) (history.Entry, error)
}

// Snapshot is the machine's externally visible state at one instant.
type Snapshot struct {
	Phase         Phase
	Conn          transport.State
	PartialText   string
	CommittedText string
	ReplyText     string
	Emotion       string
	Level         float64
	Err           *AppError
}

// Deps are the machine's collaborators. NewCapture builds a fresh
// pipeline on every listening entry; the machine tears it down on every
// exit from listening.
type Deps struct {
	Channel    transport.Channel
	Queue      PlaybackQueue
	NewCapture func(cb capture.Callbacks) CapturePipeline
	History    HistoryRecorder
	Device     *audio.DeviceInfo
	OnActivity func()
}

// Machine serializes every event (user action, inbound message, timer,
// capture callback) under one mutex. Playback-queue calls run inside the
// lock so admission and cancellation happen in event order; capture
// teardown and channel sends, which can block on OS resources, run after
// release with phase guards covering any stragglers.
type Machine struct {
	deps Deps

	mu           sync.Mutex
	phase        Phase
	conn         transport.State
	partial      string
	committed    string
	reply        string
	emotion      string
	level        float64
	appErr       *AppError
	pipe         CapturePipeline
	stopInFlight bool

	turnStart  time.Time
	captureEnd time.Time
	framesSent int
	sentBytes  int

	subs    map[int]func(Snapshot)
	nextSub int

	unsubMsg   func()
	unsubState func()
}

func New(deps Deps) *Machine {
	m := &Machine{
		deps:  deps,
		phase: PhaseIdle,
		conn:  transport.StateDisconnected,
		subs:  make(map[int]func(Snapshot)),
	}
	if deps.Channel != nil {
		m.conn = deps.Channel.State()
		m.unsubMsg = deps.Channel.OnMessage(m.handleMessage)
		m.unsubState = deps.Channel.OnStateChange(m.handleConnChange)
	}
	return m
}

// Subscribe registers a snapshot listener, invoked after every processed
// event. Returns an unsubscribe func.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:         m.phase,
		Conn:          m.conn,
		PartialText:   m.partial,
		CommittedText: m.committed,
		ReplyText:     m.reply,
		Emotion:       m.emotion,
		Level:         m.level,
		Err:           m.appErr,
	}
}

func (m *Machine) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// transitionLocked applies a requested phase change if the transition
// table allows it. Illegal requests are no-ops.
func (m *Machine) transitionLocked(to Phase, reason string) bool {
	for _, allowed := range legalTransitions[m.phase] {
		if allowed == to {
			log.PhaseChange(string(m.phase), string(to), reason)
			m.phase = to
			return true
		}
	}
	return false
}

// forceIdleLocked is the error recovery path: an error always wins and
// returns control to the user, whatever the phase was.
func (m *Machine) forceIdleLocked(reason string) {
	if m.phase == PhaseIdle {
		return
	}
	log.PhaseChange(string(m.phase), string(PhaseIdle), reason)
	m.phase = PhaseIdle
}

// StartListening begins a user turn. Rejected while not idle; rejected
// with a local error while not connected.
func (m *Machine) StartListening() {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return
	}
	if m.conn != transport.StateConnected {
		e := NewAppError(CodeNetwork, "Not connected to the server. Retry to reconnect.")
		m.appErr = &e
		log.AppError(string(e.Code), e.Message, e.Retryable)
		m.mu.Unlock()
		m.notify()
		return
	}

	m.partial = ""
	m.committed = ""
	m.reply = ""
	m.level = 0
	m.appErr = nil
	m.stopInFlight = false
	m.turnStart = time.Now()
	m.captureEnd = time.Time{}
	m.framesSent = 0
	m.sentBytes = 0
	pipe := m.deps.NewCapture(capture.Callbacks{
		OnData:  m.onCaptureData,
		OnLevel: m.onCaptureLevel,
		OnError: m.onCaptureError,
	})
	m.pipe = pipe
	m.transitionLocked(PhaseListening, "start listening")
	device := m.deps.Device
	m.mu.Unlock()

	m.activity()
	// A start failure reports through OnError, which forces idle.
	_ = pipe.Start(device)
	m.notify()
}

// StopListening ends the user turn: stops capture and sends the turn-end
// marker. Guarded against double-stop.
func (m *Machine) StopListening() {
	m.mu.Lock()
	if m.phase != PhaseListening || m.stopInFlight {
		m.mu.Unlock()
		return
	}
	m.stopInFlight = true
	m.captureEnd = time.Now()
	pipe := m.pipe
	m.pipe = nil
	m.transitionLocked(PhaseProcessing, "stop listening")
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	m.activity()
	if raw, err := transport.EncodeAudioEnd(); err == nil {
		if err := m.deps.Channel.Send(raw); err != nil {
			m.sendFailed()
			return
		}
	}
	m.notify()
}

// Interrupt cancels the assistant's in-progress reply. Legal only while
// speaking.
func (m *Machine) Interrupt() {
	m.mu.Lock()
	if m.phase != PhaseSpeaking {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(PhaseIdle, "interrupt")
	// Hard stop under the machine lock: any chunk the speaking guard
	// admitted has already reached the queue by now, and later chunks
	// fall to the idle guard.
	m.deps.Queue.Clear()
	m.mu.Unlock()

	m.activity()
	if raw, err := transport.EncodeInterrupt(); err == nil {
		if err := m.deps.Channel.Send(raw); err != nil {
			m.sendFailed()
			return
		}
	}
	m.notify()
}

// ClearError dismisses the active error without touching the phase.
func (m *Machine) ClearError() {
	m.mu.Lock()
	m.appErr = nil
	m.mu.Unlock()
	m.notify()
}

// Retry dismisses the active error and reconnects if the channel is
// down. The dial runs off the caller's flow; its outcome arrives through
// the connection state listener.
func (m *Machine) Retry(ctx context.Context) {
	m.mu.Lock()
	m.appErr = nil
	needConnect := m.conn != transport.StateConnected
	ch := m.deps.Channel
	m.mu.Unlock()

	if needConnect && ch != nil {
		go func() { _ = ch.Connect(ctx) }()
	}
	m.notify()
}

// Shutdown tears down capture and playback and detaches from the channel.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	pipe := m.pipe
	m.pipe = nil
	m.forceIdleLocked("shutdown")
	m.deps.Queue.Clear()
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	if m.unsubMsg != nil {
		m.unsubMsg()
	}
	if m.unsubState != nil {
		m.unsubState()
	}
}

// onCaptureData runs on the audio thread for every encoded frame. Frames
// tapped after the phase left listening are dropped rather than sent
// behind the turn-end marker.
func (m *Machine) onCaptureData(payload string, seq int) {
	m.mu.Lock()
	if m.phase != PhaseListening {
		m.mu.Unlock()
		return
	}
	m.framesSent++
	m.sentBytes += len(payload)
	m.mu.Unlock()

	raw, err := transport.EncodeAudioData(payload, seq)
	if err != nil {
		log.Errorf("session: encode frame %d: %v", seq, err)
		return
	}
	if err := m.deps.Channel.Send(raw); err != nil {
		m.sendFailed()
	}
}

func (m *Machine) onCaptureLevel(rms float64) {
	m.mu.Lock()
	m.level = rms
	m.mu.Unlock()
	m.notify()
}

// onCaptureError surfaces a microphone failure as a recognition error and
// returns control to the user.
func (m *Machine) onCaptureError(message string) {
	m.mu.Lock()
	e := NewAppError(CodeASR, message)
	m.appErr = &e
	log.AppError(string(e.Code), e.Message, e.Retryable)
	pipe := m.pipe
	m.pipe = nil
	m.forceIdleLocked("capture error")
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	m.notify()
}

// sendFailed reports a transport send failure as a local network error.
func (m *Machine) sendFailed() {
	m.mu.Lock()
	e := NewAppError(CodeNetwork, "")
	m.appErr = &e
	log.AppError(string(e.Code), e.Message, e.Retryable)
	pipe := m.pipe
	m.pipe = nil
	m.forceIdleLocked("send failed")
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	m.notify()
}

func (m *Machine) handleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeAsrResult:
		m.handleAsrResult(msg.AsrResult)
	case transport.TypeAsrEnd:
		m.handleAsrEnd(msg.AsrEnd)
	case transport.TypeTtsChunk:
		m.handleTtsChunk(msg.TtsChunk)
	case transport.TypeTtsEnd:
		m.handleTtsEnd(msg.TtsEnd)
	case transport.TypeEmotion:
		m.handleEmotion(msg.Emotion)
	case transport.TypeError:
		m.handleServerError(msg.Error)
	}
}

// handleAsrResult updates the live transcript. A final result commits the
// text; neither form changes the phase.
func (m *Machine) handleAsrResult(d *transport.AsrResultData) {
	m.mu.Lock()
	if d.IsFinal {
		m.committed = d.Text
		m.partial = ""
	} else {
		m.partial = d.Text
	}
	m.mu.Unlock()
	m.notify()
}

// handleAsrEnd commits the transcript and, if capture is still running
// (server-side endpointing beat the user to the stop button), moves to
// processing. The turn is not done until the assistant replies.
func (m *Machine) handleAsrEnd(d *transport.AsrEndData) {
	m.mu.Lock()
	m.committed = d.Text
	m.partial = ""
	pipe := m.pipe
	m.pipe = nil
	if m.phase == PhaseListening {
		m.captureEnd = time.Now()
		m.transitionLocked(PhaseProcessing, "transcript committed")
	}
	hist := m.deps.History
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	if hist != nil && d.Text != "" {
		if _, err := hist.Append(history.RoleUser, d.Text, ""); err != nil {
			log.Errorf("session: record user turn: %v", err)
		}
		log.ConversationText(history.RoleUser, d.Text)
	}
	m.notify()
}

// handleTtsChunk streams the reply: the first fragment replaces the
// displayed text, later ones append. Audio is handed to the playback
// queue, which reorders by seq. Chunks arriving after an interrupt or
// error (phase idle) are dropped.
func (m *Machine) handleTtsChunk(d *transport.TtsChunkData) {
	m.mu.Lock()
	if m.phase != PhaseProcessing && m.phase != PhaseSpeaking {
		m.mu.Unlock()
		return
	}
	if d.Seq == 1 {
		m.reply = d.Text
	} else {
		m.reply += d.Text
	}
	m.transitionLocked(PhaseSpeaking, "reply streaming")
	if d.Audio != "" {
		m.deps.Queue.Enqueue(playback.Fragment{
			Seq:     d.Seq,
			Text:    d.Text,
			Audio:   d.Audio,
			IsFinal: d.IsFinal,
		})
	}
	m.mu.Unlock()
	m.notify()
}

// handleTtsEnd finishes the assistant turn. The canonical full text, when
// present, replaces whatever incremental concatenation produced. After an
// interrupt the partial text the user actually heard stands.
func (m *Machine) handleTtsEnd(d *transport.TtsEndData) {
	m.mu.Lock()
	committed := m.phase == PhaseSpeaking || m.phase == PhaseProcessing
	if committed && d.FullText != "" {
		m.reply = d.FullText
	}
	reply := m.reply
	emotion := m.emotion
	m.transitionLocked(PhaseIdle, "reply complete")
	hist := m.deps.History
	metrics := log.TurnMetricsData{
		FramesSent: m.framesSent,
		SentKB:     float64(m.sentBytes) / 1024,
	}
	if !m.turnStart.IsZero() {
		metrics.TurnMs = float64(time.Since(m.turnStart).Milliseconds())
		if !m.captureEnd.IsZero() {
			metrics.CaptureS = m.captureEnd.Sub(m.turnStart).Seconds()
		}
	}
	m.mu.Unlock()

	if committed {
		log.TurnMetrics(metrics)
	}

	if committed && hist != nil && reply != "" {
		if _, err := hist.Append(history.RoleAssistant, reply, emotion); err != nil {
			log.Errorf("session: record assistant turn: %v", err)
		}
		log.ConversationText(history.RoleAssistant, reply)
	}
	m.notify()
}

// handleEmotion updates the mood value. Unknown labels are ignored, never
// an error.
func (m *Machine) handleEmotion(d *transport.EmotionData) {
	if !knownEmotions[d.Emotion] {
		return
	}
	m.mu.Lock()
	m.emotion = d.Emotion
	m.mu.Unlock()
	m.notify()
}

// handleServerError installs the normalized error and forces idle,
// releasing whichever pipeline the dying phase held.
func (m *Machine) handleServerError(d *transport.ErrorData) {
	m.mu.Lock()
	e := NewAppError(ErrorCode(d.Code), d.Message)
	m.appErr = &e
	log.AppError(string(e.Code), e.Message, e.Retryable)
	wasListening := m.phase == PhaseListening
	if m.phase == PhaseSpeaking {
		m.deps.Queue.Clear()
	}
	pipe := m.pipe
	m.pipe = nil
	m.forceIdleLocked("server error")
	m.mu.Unlock()

	if wasListening && pipe != nil {
		pipe.Stop()
	}
	m.notify()
}

// handleConnChange tracks the channel state. Losing the connection mid
// conversation aborts the turn with a network error.
func (m *Machine) handleConnChange(s transport.State) {
	m.mu.Lock()
	m.conn = s
	lost := (s == transport.StateDisconnected || s == transport.StateError) && m.phase != PhaseIdle
	var pipe CapturePipeline
	if lost {
		e := NewAppError(CodeNetwork, "")
		m.appErr = &e
		log.AppError(string(e.Code), e.Message, e.Retryable)
		if m.phase == PhaseSpeaking {
			m.deps.Queue.Clear()
		}
		pipe = m.pipe
		m.pipe = nil
		m.forceIdleLocked("connection lost")
	}
	m.mu.Unlock()

	if pipe != nil {
		pipe.Stop()
	}
	m.notify()
}

func (m *Machine) activity() {
	if m.deps.OnActivity != nil {
		m.deps.OnActivity()
	}
}
