package dsp

import (
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	block := []float64{0.1, -0.2, 0.3}
	got := Resample(block, 48000, 48000)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	// Matching rates must not copy.
	if &got[0] != &block[0] {
		t.Error("expected identity to return the same buffer")
	}
}

func TestResampleLength(t *testing.T) {
	cases := []struct {
		n        int
		from, to int
		want     int
	}{
		{4800, 48000, 16000, 1600},
		{4410, 44100, 16000, 1600},
		{1000, 48000, 16000, 333},
		{0, 48000, 16000, 0},
	}
	for _, c := range cases {
		got := Resample(make([]float64, c.n), c.from, c.to)
		want := int(math.Round(float64(c.n) * float64(c.to) / float64(c.from)))
		if want != c.want {
			t.Fatalf("bad test case: want %d computed %d", c.want, want)
		}
		if len(got) != c.want {
			t.Errorf("resample %d samples %d->%d: got %d, want %d", c.n, c.from, c.to, len(got), c.want)
		}
	}
}

func TestResampleAverages(t *testing.T) {
	// 3:1 decimation averages each source triple.
	block := []float64{0.0, 0.3, 0.6, 0.9, 0.9, 0.9}
	got := Resample(block, 48000, 16000)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if math.Abs(got[0]-0.3) > 1e-9 {
		t.Errorf("got[0] = %v, want 0.3", got[0])
	}
	if math.Abs(got[1]-0.9) > 1e-9 {
		t.Errorf("got[1] = %v, want 0.9", got[1])
	}
}

func TestQuantize(t *testing.T) {
	cases := []struct {
		in   float64
		want int16
	}{
		{1.0, 32767},
		{-1.0, -32768},
		{1.5, 32767},
		{-1.5, -32768},
		{0, 0},
		{0.5, 16384},
		{-0.5, -16384},
	}
	for _, c := range cases {
		got := Quantize([]float64{c.in})
		if got[0] != c.want {
			t.Errorf("quantize(%v) = %d, want %d", c.in, got[0], c.want)
		}
	}
}

func TestEncodeEmpty(t *testing.T) {
	if got := EncodeForTransport(nil); got != "" {
		t.Errorf("empty block encoded to %q, want \"\"", got)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	block := []int16{0, 1, -1, 32767, -32768, 1234, -4321}
	got, err := DecodeTransport(EncodeForTransport(block))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(block) {
		t.Fatalf("round trip length %d, want %d", len(got), len(block))
	}
	for i := range block {
		if got[i] != block[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], block[i])
		}
	}
}

func TestDownmixStereo(t *testing.T) {
	got := DownmixStereo([]float64{1, 0, 0.5, 0.5})
	if len(got) != 2 || got[0] != 0.5 || got[1] != 0.5 {
		t.Errorf("downmix = %v, want [0.5 0.5]", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS([]float64{0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}
