// Package capture runs the microphone side of a conversation turn: it
// opens a capture device, taps raw PCM blocks from the platform's audio
// thread, converts them to the server's wire format, and hands sequence
// numbered frames to its owner.
package capture

import (
	"fmt"
	"sync"

	"lumi/audio"
	"lumi/dsp"
	"lumi/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Callbacks receive pipeline output. OnData and OnLevel fire on the audio
// thread; OnError fires on the caller of Start.
type Callbacks struct {
	OnData  func(payload string, seq int)
	OnLevel func(rms float64)
	OnError func(message string)
}

// Pipeline owns the capture device for exactly one listening turn. Create
// it once and reuse it: each Start acquires a fresh device, each Stop
// releases everything.
type Pipeline struct {
	actx audio.Context
	cb   Callbacks

	mu    sync.Mutex
	state State
	dev   audio.CaptureDevice
	seq   int
}

func New(actx audio.Context, cb Callbacks) *Pipeline {
	return &Pipeline{actx: actx, cb: cb, state: StateIdle}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start acquires the microphone and begins tapping blocks. The platform
// may grant a rate other than the requested one; conversion always uses
// the rate read back from the device. No-op when already recording.
func (p *Pipeline) Start(device *audio.DeviceInfo) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	dev, err := p.actx.NewCapture(device, audio.CaptureConfig{
		SampleRate: dsp.TargetRate,
		Channels:   1,
	})
	if err != nil {
		log.Errorf("capture: open device: %v", err)
		p.reportError(fmt.Sprintf("Could not access the microphone: %v", err))
		return err
	}

	grantedRate := int(dev.SampleRate())
	if grantedRate != dsp.TargetRate {
		log.Warnf("capture: device granted %d Hz, resampling to %d", grantedRate, dsp.TargetRate)
	}
	dev.SetCallback(func(data []byte, _ uint32) {
		p.handleBlock(data, grantedRate)
	})

	p.mu.Lock()
	p.dev = dev
	p.seq = 0
	p.state = StateRecording
	p.mu.Unlock()

	if err := dev.Start(); err != nil {
		log.Errorf("capture: start device: %v", err)
		p.teardown()
		p.reportError(fmt.Sprintf("Could not start the microphone: %v", err))
		return err
	}
	log.Info(fmt.Sprintf("capture: recording from %q at %d Hz", dev.DeviceName(), grantedRate))
	return nil
}

// handleBlock runs on the audio thread for every tapped block. Blocks
// arriving after a stop are dropped.
func (p *Pipeline) handleBlock(data []byte, fromRate int) {
	p.mu.Lock()
	if p.state != StateRecording {
		p.mu.Unlock()
		return
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	samples := dsp.ToFloat(dsp.DecodePCM16(data))
	if p.cb.OnLevel != nil {
		p.cb.OnLevel(dsp.RMS(samples))
	}
	if p.cb.OnData != nil {
		p.cb.OnData(dsp.ProcessAudioData(samples, fromRate), seq)
	}
}

// Stop disconnects the tap and releases the device. Idempotent; calling
// it while already idle does nothing.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.mu.Unlock()
	p.teardown()
}

// FrameCount reports how many frames have been emitted this turn.
func (p *Pipeline) FrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Pipeline) teardown() {
	p.mu.Lock()
	dev := p.dev
	p.dev = nil
	p.state = StateIdle
	p.mu.Unlock()

	if dev != nil {
		dev.ClearCallback()
		dev.Stop()
		dev.Close()
	}
}

func (p *Pipeline) reportError(msg string) {
	if p.cb.OnError != nil {
		p.cb.OnError(msg)
	}
}
