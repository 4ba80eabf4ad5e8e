package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"lumi/audio"
	"lumi/capture"
	"lumi/history"
	"lumi/playback"
	"lumi/transport"
)

type fakeChannel struct {
	mu        sync.Mutex
	state     transport.State
	sent      [][]byte
	sendErr   error
	msgSubs   []transport.MessageListener
	stateSubs []transport.StateListener
}

func newFakeChannel(state transport.State) *fakeChannel {
	return &fakeChannel{state: state}
}

func (c *fakeChannel) Connect(context.Context) error {
	c.setConn(transport.StateConnected)
	return nil
}

func (c *fakeChannel) Disconnect() { c.setConn(transport.StateDisconnected) }

func (c *fakeChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnMessage(fn transport.MessageListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgSubs = append(c.msgSubs, fn)
	return func() {}
}

func (c *fakeChannel) OnStateChange(fn transport.StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
	return func() {}
}

// push delivers one inbound message to subscribers, as the read loop
// would.
func (c *fakeChannel) push(msg transport.Message) {
	c.mu.Lock()
	subs := append([]transport.MessageListener(nil), c.msgSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (c *fakeChannel) setConn(s transport.State) {
	c.mu.Lock()
	c.state = s
	subs := append([]transport.StateListener(nil), c.stateSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// sentTypes decodes the type field of every frame sent so far.
func (c *fakeChannel) sentTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, raw := range c.sent {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent frame not decodable: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []playback.Fragment
	clears   int
	stops    int
}

func (q *fakeQueue) Enqueue(f playback.Fragment) {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, f)
	q.mu.Unlock()
}

func (q *fakeQueue) Clear() {
	q.mu.Lock()
	q.clears++
	q.enqueued = nil
	q.mu.Unlock()
}

func (q *fakeQueue) Stop() {
	q.mu.Lock()
	q.stops++
	q.mu.Unlock()
}

// gatedQueue stalls inside Enqueue until released, recording the order
// of queue operations.
type gatedQueue struct {
	mu      sync.Mutex
	ops     []string
	entered chan struct{}
	gate    chan struct{}
}

func (q *gatedQueue) Enqueue(playback.Fragment) {
	q.entered <- struct{}{}
	<-q.gate
	q.mu.Lock()
	q.ops = append(q.ops, "enqueue")
	q.mu.Unlock()
}

func (q *gatedQueue) Clear() {
	q.mu.Lock()
	q.ops = append(q.ops, "clear")
	q.mu.Unlock()
}

func (q *gatedQueue) Stop() {}

type fakePipe struct {
	mu       sync.Mutex
	cb       capture.Callbacks
	started  bool
	stops    int
	startErr error
}

func (p *fakePipe) Start(*audio.DeviceInfo) error {
	p.mu.Lock()
	err := p.startErr
	cb := p.cb.OnError
	if err == nil {
		p.started = true
	}
	p.mu.Unlock()
	if err != nil && cb != nil {
		cb(err.Error())
	}
	return err
}

func (p *fakePipe) Stop() {
	p.mu.Lock()
	p.started = false
	p.stops++
	p.mu.Unlock()
}

// emit replays a converted frame, as the audio thread would.
func (p *fakePipe) emit(payload string, seq int) {
	p.mu.Lock()
	cb := p.cb.OnData
	p.mu.Unlock()
	if cb != nil {
		cb(payload, seq)
	}
}

type harness struct {
	ch    *fakeChannel
	queue *fakeQueue
	pipes []*fakePipe
	m     *Machine
}

func newHarness(connState transport.State) *harness {
	h := &harness{
		ch:    newFakeChannel(connState),
		queue: &fakeQueue{},
	}
	h.m = New(Deps{
		Channel: h.ch,
		Queue:   h.queue,
		NewCapture: func(cb capture.Callbacks) CapturePipeline {
			p := &fakePipe{cb: cb}
			h.pipes = append(h.pipes, p)
			return p
		},
	})
	return h
}

func TestStartListening(t *testing.T) {
	h := newHarness(transport.StateConnected)

	h.m.StartListening()
	if got := h.m.Snapshot().Phase; got != PhaseListening {
		t.Fatalf("phase = %q, want listening", got)
	}
	if len(h.pipes) != 1 || !h.pipes[0].started {
		t.Fatal("capture pipeline not started")
	}

	// Already listening: no-op, no second pipeline.
	h.m.StartListening()
	if got := h.m.Snapshot().Phase; got != PhaseListening {
		t.Fatalf("phase changed on redundant start: %q", got)
	}
	if len(h.pipes) != 1 {
		t.Fatalf("redundant start created %d pipelines", len(h.pipes))
	}
}

func TestStartListeningWhileDisconnected(t *testing.T) {
	h := newHarness(transport.StateDisconnected)

	h.m.StartListening()
	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
	if snap.Err == nil || snap.Err.Code != CodeNetwork {
		t.Fatalf("expected network error, got %+v", snap.Err)
	}
	if len(h.pipes) != 0 {
		t.Fatal("capture started against a dead channel")
	}
}

func TestStopListeningSendsTurnEnd(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()

	h.m.StopListening()
	snap := h.m.Snapshot()
	if snap.Phase != PhaseProcessing {
		t.Fatalf("phase = %q, want processing", snap.Phase)
	}
	if h.pipes[0].stops != 1 {
		t.Fatalf("pipeline stopped %d times, want 1", h.pipes[0].stops)
	}
	if types := h.ch.sentTypes(t); len(types) != 1 || types[0] != transport.TypeAudioEnd {
		t.Fatalf("sent = %v, want one audio_end", types)
	}

	// Double stop is guarded: no second marker.
	h.m.StopListening()
	if types := h.ch.sentTypes(t); len(types) != 1 {
		t.Fatalf("double stop sent extra frames: %v", types)
	}
}

func TestCaptureFramesForwarded(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()

	h.pipes[0].emit("payload1", 1)
	h.pipes[0].emit("payload2", 2)
	if types := h.ch.sentTypes(t); len(types) != 2 || types[0] != transport.TypeAudioData {
		t.Fatalf("sent = %v, want two audio_data frames", types)
	}

	// Frames tapped after the phase left listening are dropped.
	h.m.StopListening()
	h.pipes[0].emit("late", 3)
	if types := h.ch.sentTypes(t); len(types) != 3 {
		t.Fatalf("late frame leaked: %v", types)
	}
}

func TestTranscriptFlow(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()

	h.ch.push(transport.Message{
		Type:      transport.TypeAsrResult,
		AsrResult: &transport.AsrResultData{Text: "hel"},
	})
	snap := h.m.Snapshot()
	if snap.PartialText != "hel" || snap.Phase != PhaseListening {
		t.Fatalf("partial flow wrong: %+v", snap)
	}

	h.ch.push(transport.Message{
		Type:   transport.TypeAsrEnd,
		AsrEnd: &transport.AsrEndData{Text: "hello"},
	})
	snap = h.m.Snapshot()
	if snap.Phase != PhaseProcessing {
		t.Fatalf("phase = %q, want processing", snap.Phase)
	}
	if snap.CommittedText != "hello" || snap.PartialText != "" {
		t.Fatalf("commit wrong: %+v", snap)
	}
}

func TestReplyStreaming(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()
	h.m.StopListening()

	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "Hi", Audio: "QQ==", Seq: 1},
	})
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: " there", Seq: 2},
	})

	snap := h.m.Snapshot()
	if snap.Phase != PhaseSpeaking {
		t.Fatalf("phase = %q, want speaking", snap.Phase)
	}
	if snap.ReplyText != "Hi there" {
		t.Fatalf("reply = %q, want %q", snap.ReplyText, "Hi there")
	}
	// Only the fragment with audio reaches the queue.
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0].Seq != 1 {
		t.Fatalf("enqueued = %+v", h.queue.enqueued)
	}

	h.ch.push(transport.Message{
		Type:   transport.TypeTtsEnd,
		TtsEnd: &transport.TtsEndData{FullText: "Hi there!"},
	})
	snap = h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle after reply end", snap.Phase)
	}
	if snap.ReplyText != "Hi there!" {
		t.Fatalf("canonical text not applied: %q", snap.ReplyText)
	}
}

func TestFreshReplyReplacesOld(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()
	h.m.StopListening()

	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "old reply", Seq: 1},
	})
	// seq 1 again starts a fresh reply rather than appending.
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "new", Seq: 1},
	})
	if got := h.m.Snapshot().ReplyText; got != "new" {
		t.Fatalf("reply = %q, want %q", got, "new")
	}
}

func TestInterrupt(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()
	h.m.StopListening()
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "Hi", Audio: "QQ==", Seq: 1},
	})

	h.m.Interrupt()
	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
	if h.queue.clears != 1 {
		t.Fatalf("queue cleared %d times, want 1", h.queue.clears)
	}
	types := h.ch.sentTypes(t)
	if types[len(types)-1] != transport.TypeInterrupt {
		t.Fatalf("sent = %v, want trailing interrupt", types)
	}

	// Late chunks after the interrupt never reach the queue.
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "late", Audio: "QQ==", Seq: 2},
	})
	if len(h.queue.enqueued) != 0 {
		t.Fatalf("late chunk enqueued: %+v", h.queue.enqueued)
	}
	if got := h.m.Snapshot().ReplyText; got == "Hilate" {
		t.Fatal("late chunk text appended after interrupt")
	}
}

// A chunk delivery and an interrupt racing each other must resolve in
// event order: once the speaking guard admits a chunk, its enqueue
// completes before the interrupt's clear, and nothing can be enqueued
// after the clear.
func TestInterruptSerializedWithChunkDelivery(t *testing.T) {
	q := &gatedQueue{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	ch := newFakeChannel(transport.StateConnected)
	m := New(Deps{
		Channel:    ch,
		Queue:      q,
		NewCapture: func(cb capture.Callbacks) CapturePipeline { return &fakePipe{cb: cb} },
	})
	m.StartListening()
	m.StopListening()
	ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "Hi", Seq: 1},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ch.push(transport.Message{
			Type:     transport.TypeTtsChunk,
			TtsChunk: &transport.TtsChunkData{Text: " there", Audio: "QQ==", Seq: 2},
		})
	}()
	<-q.entered
	go func() {
		defer wg.Done()
		m.Interrupt()
	}()
	close(q.gate)
	wg.Wait()

	if len(q.ops) != 2 || q.ops[0] != "enqueue" || q.ops[1] != "clear" {
		t.Fatalf("queue ops = %v, want [enqueue clear]", q.ops)
	}
	if got := m.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase = %q, want idle", got)
	}
}

func TestInterruptOnlyFromSpeaking(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.Interrupt()
	if h.queue.clears != 0 || len(h.ch.sentTypes(t)) != 0 {
		t.Fatal("interrupt acted outside speaking phase")
	}
}

func TestTtsEndAfterInterruptKeepsHeardText(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()
	h.m.StopListening()
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "Hi", Seq: 1},
	})
	h.m.Interrupt()

	// The straggling tts_end must not swap in text the user cancelled.
	h.ch.push(transport.Message{
		Type:   transport.TypeTtsEnd,
		TtsEnd: &transport.TtsEndData{FullText: "Hi there, friend!"},
	})
	snap := h.m.Snapshot()
	if snap.ReplyText != "Hi" {
		t.Fatalf("reply = %q, want the text heard before the interrupt", snap.ReplyText)
	}
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
}

func TestServerErrorForcesIdle(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()

	h.ch.push(transport.Message{
		Type:  transport.TypeError,
		Error: &transport.ErrorData{Code: "ASR_ERROR", Message: "x"},
	})
	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
	if snap.Err == nil || snap.Err.Code != CodeASR || snap.Err.Message != "x" {
		t.Fatalf("error = %+v", snap.Err)
	}
	if !snap.Err.Retryable {
		t.Fatal("ASR_ERROR should be retryable")
	}
	if h.pipes[0].stops != 1 {
		t.Fatal("capture not released on error")
	}
}

func TestUnknownErrorCodeNotRetryable(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.ch.push(transport.Message{
		Type:  transport.TypeError,
		Error: &transport.ErrorData{Code: "WAT", Message: ""},
	})
	snap := h.m.Snapshot()
	if snap.Err == nil || snap.Err.Code != CodeUnknown || snap.Err.Retryable {
		t.Fatalf("error = %+v", snap.Err)
	}
	if snap.Err.Message == "" {
		t.Fatal("fallback message missing")
	}
}

func TestEmotion(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.ch.push(transport.Message{
		Type:    transport.TypeEmotion,
		Emotion: &transport.EmotionData{Emotion: "共情倾听"},
	})
	if got := h.m.Snapshot().Emotion; got != "共情倾听" {
		t.Fatalf("emotion = %q", got)
	}
	// Unknown labels keep the previous value.
	h.ch.push(transport.Message{
		Type:    transport.TypeEmotion,
		Emotion: &transport.EmotionData{Emotion: "furious"},
	})
	if got := h.m.Snapshot().Emotion; got != "共情倾听" {
		t.Fatalf("unknown emotion replaced value: %q", got)
	}
}

func TestConnectionLossAbortsTurn(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()

	h.ch.setConn(transport.StateError)
	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle", snap.Phase)
	}
	if snap.Err == nil || snap.Err.Code != CodeNetwork {
		t.Fatalf("error = %+v", snap.Err)
	}
	if h.pipes[0].stops != 1 {
		t.Fatal("capture not released on connection loss")
	}
}

func TestClearError(t *testing.T) {
	h := newHarness(transport.StateDisconnected)
	h.m.StartListening()
	if h.m.Snapshot().Err == nil {
		t.Fatal("expected error to clear")
	}
	h.m.ClearError()
	if h.m.Snapshot().Err != nil {
		t.Fatal("error not cleared")
	}
}

func TestHistoryRecording(t *testing.T) {
	h := newHarness(transport.StateConnected)
	store, err := history.Load(t.TempDir()+"/history.json", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	h.m.deps.History = store

	h.m.StartListening()
	h.ch.push(transport.Message{
		Type:    transport.TypeEmotion,
		Emotion: &transport.EmotionData{Emotion: "安慰支持"},
	})
	h.ch.push(transport.Message{
		Type:   transport.TypeAsrEnd,
		AsrEnd: &transport.AsrEndData{Text: "hello"},
	})
	h.ch.push(transport.Message{
		Type:     transport.TypeTtsChunk,
		TtsChunk: &transport.TtsChunkData{Text: "Hi!", Seq: 1},
	})
	h.ch.push(transport.Message{
		Type:   transport.TypeTtsEnd,
		TtsEnd: &transport.TtsEndData{},
	})

	entries := store.Entries()
	if len(entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(entries))
	}
	if entries[0].Role != history.RoleUser || entries[0].Content != "hello" {
		t.Fatalf("user entry wrong: %+v", entries[0])
	}
	if entries[1].Role != history.RoleAssistant || entries[1].Content != "Hi!" {
		t.Fatalf("assistant entry wrong: %+v", entries[1])
	}
	if entries[1].Emotion != "安慰支持" {
		t.Fatalf("assistant emotion = %q", entries[1].Emotion)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	h := newHarness(transport.StateConnected)
	var snaps []Snapshot
	unsub := h.m.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	h.m.StartListening()
	if len(snaps) == 0 || snaps[len(snaps)-1].Phase != PhaseListening {
		t.Fatalf("subscriber missed transition: %+v", snaps)
	}

	n := len(snaps)
	unsub()
	h.m.StopListening()
	if len(snaps) != n {
		t.Fatal("unsubscribed listener still notified")
	}
}

func TestMicrophoneFailureSurfacesError(t *testing.T) {
	ch := newFakeChannel(transport.StateConnected)
	queue := &fakeQueue{}
	m := New(Deps{
		Channel: ch,
		Queue:   queue,
		NewCapture: func(cb capture.Callbacks) CapturePipeline {
			return &fakePipe{cb: cb, startErr: errPermission}
		},
	})

	m.StartListening()
	snap := m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle after device failure", snap.Phase)
	}
	if snap.Err == nil || snap.Err.Code != CodeASR {
		t.Fatalf("error = %+v", snap.Err)
	}
}

var errPermission = errors.New("permission denied")

func TestSendFailureSurfacesNetworkError(t *testing.T) {
	h := newHarness(transport.StateConnected)
	h.m.StartListening()
	h.ch.mu.Lock()
	h.ch.sendErr = transport.ErrNotConnected
	h.ch.mu.Unlock()

	h.pipes[0].emit("payload", 1)
	snap := h.m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("phase = %q, want idle after send failure", snap.Phase)
	}
	if snap.Err == nil || snap.Err.Code != CodeNetwork {
		t.Fatalf("error = %+v", snap.Err)
	}
}
