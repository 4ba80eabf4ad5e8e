package audio

import "sync"

// FakeContext is an in-memory audio backend for tests. Capture devices
// replay whatever the test pushes at them; playback devices record what
// they are asked to play.
type FakeContext struct {
	// GrantedRate is the rate fake capture devices report, regardless of
	// the requested one.
	GrantedRate uint32

	mu        sync.Mutex
	captures  []*FakeCapture
	playbacks []*FakePlayback
}

func NewFakeContext(grantedRate uint32) *FakeContext {
	return &FakeContext{GrantedRate: grantedRate}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return nil, nil }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	rate := f.GrantedRate
	if rate == 0 {
		rate = config.SampleRate
	}
	c := &FakeCapture{rate: rate}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

func (f *FakeContext) NewPlayback(_ PlaybackConfig) (PlaybackDevice, error) {
	p := NewFakePlayback()
	f.mu.Lock()
	f.playbacks = append(f.playbacks, p)
	f.mu.Unlock()
	return p, nil
}

// Captures returns every capture device handed out so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeCapture, len(f.captures))
	copy(out, f.captures)
	return out
}

// Playbacks returns every playback device handed out so far.
func (f *FakeContext) Playbacks() []*FakePlayback {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakePlayback, len(f.playbacks))
	copy(out, f.playbacks)
	return out
}

type FakeCapture struct {
	rate uint32

	mu      sync.Mutex
	cb      DataCallback
	started bool
	stops   int
	closes  int
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	c.started = false
	c.stops++
	c.mu.Unlock()
}

func (c *FakeCapture) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *FakeCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *FakeCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) SampleRate() uint32 { return c.rate }
func (c *FakeCapture) DeviceName() string { return "fake" }

// Push feeds one block to the registered callback, as the platform's audio
// thread would. Blocks pushed while stopped are dropped.
func (c *FakeCapture) Push(data []byte) {
	c.mu.Lock()
	cb := c.cb
	started := c.started
	c.mu.Unlock()
	if cb != nil && started {
		cb(data, uint32(len(data)/2))
	}
}

func (c *FakeCapture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *FakeCapture) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type FakePlayback struct {
	mu     sync.Mutex
	cond   *sync.Cond
	played [][]byte
	halted bool
	hold   bool
	halts  int
}

func NewFakePlayback() *FakePlayback {
	p := &FakePlayback{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Hold makes subsequent Play calls block until Halt or Release, to simulate
// audio that takes time to come out of the speaker.
func (p *FakePlayback) Hold() {
	p.mu.Lock()
	p.hold = true
	p.mu.Unlock()
}

// Release unblocks one in-flight Play.
func (p *FakePlayback) Release() {
	p.mu.Lock()
	p.hold = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *FakePlayback) Start() error { return nil }

func (p *FakePlayback) Play(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = false
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.played = append(p.played, cp)
	for p.hold && !p.halted {
		p.cond.Wait()
	}
	return nil
}

func (p *FakePlayback) Halt() {
	p.mu.Lock()
	p.halted = true
	p.halts++
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *FakePlayback) Close() {}

func (p *FakePlayback) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

func (p *FakePlayback) HaltCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halts
}
