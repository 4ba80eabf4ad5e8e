// Package playback serializes the assistant's reply audio: fragments
// arrive tagged with sequence numbers in whatever order the network
// delivers them, and come out of the speaker strictly in seq order,
// back to back, with hard-stop cancellation for interruption.
package playback

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	mp3 "github.com/hajimehoshi/go-mp3"

	"lumi/audio"
	"lumi/dsp"
	"lumi/log"
)

// DefaultOutputRate matches the rate the server synthesizes at.
const DefaultOutputRate = 24000

// Fragment is one unit of assistant reply audio. Audio is base64 MP3 and
// may be empty, in which case the fragment is bookkeeping only.
type Fragment struct {
	Seq     int
	Text    string
	Audio   string
	IsFinal bool
}

// Queue buffers fragments and plays them in ascending seq order on a
// single lazily created output device. One bad fragment is skipped, not
// fatal. Stop and Clear cancel playback; Clear also discards anything
// not yet played.
type Queue struct {
	actx   audio.Context
	rate   int
	decode func(b64 string) ([]byte, error)

	mu       sync.Mutex
	buf      []bufEntry
	playing  bool
	stopReq  bool
	gen      int
	dev      audio.PlaybackDevice
	onPlayed func(seq int)
}

// NewQueue builds a queue playing at the given sample rate; rate <= 0
// falls back to DefaultOutputRate.
func NewQueue(actx audio.Context, rate int) *Queue {
	if rate <= 0 {
		rate = DefaultOutputRate
	}
	q := &Queue{actx: actx, rate: rate}
	q.decode = func(b64 string) ([]byte, error) {
		return decodeFragment(b64, q.rate)
	}
	return q
}

// SetDecoder replaces the MP3 decode step, for tests.
func (q *Queue) SetDecoder(fn func(b64 string) ([]byte, error)) {
	q.mu.Lock()
	q.decode = fn
	q.mu.Unlock()
}

// OnFragmentPlayed registers a hook invoked after each fragment finishes.
// The hook never fires for fragments cancelled by Stop or Clear.
func (q *Queue) OnFragmentPlayed(fn func(seq int)) {
	q.mu.Lock()
	q.onPlayed = fn
	q.mu.Unlock()
}

// bufEntry remembers which generation a fragment was enqueued under, so
// the loop can tell fragments buffered before a cancel from ones that
// belong to the next reply.
type bufEntry struct {
	f   Fragment
	gen int
}

// Enqueue buffers a fragment and starts the playback loop if none is
// running.
func (q *Queue) Enqueue(f Fragment) {
	q.mu.Lock()
	q.buf = append(q.buf, bufEntry{f: f, gen: q.gen})
	if !q.playing {
		q.playing = true
		q.stopReq = false
		go q.loop()
	}
	q.mu.Unlock()
}

func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Pending reports how many fragments are buffered but not yet played.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) loop() {
	for {
		q.mu.Lock()
		if q.stopReq {
			// An Enqueue that landed after the cancel, while the loop
			// was still winding down, resumes it just as it would have
			// once the loop had exited.
			resume := false
			for i := range q.buf {
				if q.buf[i].gen == q.gen {
					resume = true
					break
				}
			}
			if !resume {
				q.playing = false
				q.mu.Unlock()
				return
			}
			q.stopReq = false
		}
		if len(q.buf) == 0 {
			q.playing = false
			q.mu.Unlock()
			return
		}
		min := 0
		for i := range q.buf {
			if q.buf[i].f.Seq < q.buf[min].f.Seq {
				min = i
			}
		}
		frag := q.buf[min].f
		q.buf = append(q.buf[:min], q.buf[min+1:]...)
		gen := q.gen
		q.mu.Unlock()

		if frag.Audio == "" {
			q.finished(frag.Seq, gen)
			continue
		}
		pcm, err := q.decode(frag.Audio)
		if err != nil {
			log.FragmentDropped(frag.Seq, err.Error())
			continue
		}
		dev, err := q.device()
		if err != nil {
			log.Errorf("playback: open output: %v", err)
			continue
		}
		// A Stop or Clear that landed while this fragment was decoding
		// must keep it off the speaker.
		if q.cancelled(gen) {
			continue
		}
		if err := dev.Play(pcm); err != nil {
			log.FragmentDropped(frag.Seq, err.Error())
			continue
		}
		q.finished(frag.Seq, gen)
	}
}

func (q *Queue) cancelled(gen int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen != q.gen || q.stopReq
}

// finished fires the fragment-played hook unless a Stop or Clear landed
// while the fragment was in flight.
func (q *Queue) finished(seq, gen int) {
	q.mu.Lock()
	live := gen == q.gen && !q.stopReq
	fn := q.onPlayed
	q.mu.Unlock()
	if live && fn != nil {
		fn(seq)
	}
}

func (q *Queue) device() (audio.PlaybackDevice, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dev != nil {
		return q.dev, nil
	}
	dev, err := q.actx.NewPlayback(audio.PlaybackConfig{
		SampleRate: uint32(q.rate),
		Channels:   1,
	})
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Close()
		return nil, err
	}
	q.dev = dev
	return dev, nil
}

// Stop cancels playback: the in-flight fragment is halted immediately and
// the loop exits. Buffered fragments stay queued for a later Enqueue.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopReq = true
	q.gen++
	dev := q.dev
	q.mu.Unlock()
	if dev != nil {
		dev.Halt()
	}
}

// Clear is Stop plus discarding every unplayed fragment, synchronously
// with respect to the buffer. Nothing enqueued before the Clear can play
// after it.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.stopReq = true
	q.gen++
	q.buf = nil
	dev := q.dev
	q.mu.Unlock()
	if dev != nil {
		dev.Halt()
	}
}

// Close releases the output device.
func (q *Queue) Close() {
	q.Clear()
	q.mu.Lock()
	dev := q.dev
	q.dev = nil
	q.mu.Unlock()
	if dev != nil {
		dev.Close()
	}
}

// decodeFragment turns a base64 MP3 payload into mono 16-bit PCM at the
// queue's output rate.
func decodeFragment(b64 string, rate int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 read: %w", err)
	}

	// go-mp3 always emits 16-bit stereo at the stream's own rate.
	mono := dsp.DownmixStereo(dsp.ToFloat(dsp.DecodePCM16(data)))
	if src := dec.SampleRate(); src != rate {
		mono = dsp.Resample(mono, src, rate)
	}
	return dsp.BytesLE(dsp.Quantize(mono)), nil
}
