package main

import (
	"testing"
	"time"

	"lumi/config"
)

func testBeacon() (*silenceBeacon, time.Time) {
	b := newSilenceBeacon(config.BeaconConfig{
		SilenceThreshold: 5000 * time.Millisecond,
		BlinkInterval:    2000 * time.Millisecond,
		BlinksPerGroup:   3,
		GroupInterval:    10000 * time.Millisecond,
	})
	t0 := time.Unix(1000, 0)
	b.resetAt(t0)
	return b, t0
}

func at(t0 time.Time, ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func TestBeaconFiresAfterThreshold(t *testing.T) {
	b, t0 := testBeacon()

	b.advance(at(t0, 4999))
	if b.IsSilent() || b.ShouldBlink() {
		t.Fatal("beacon fired before the threshold")
	}

	b.advance(at(t0, 5000))
	if !b.IsSilent() {
		t.Fatal("isSilent false after threshold")
	}
	if !b.ShouldBlink() {
		t.Fatal("shouldBlink false at first blink")
	}
}

func TestBeaconBlinkPattern(t *testing.T) {
	b, t0 := testBeacon()

	// With a 2000ms blink interval each blink is 500ms on, 1500ms off.
	// Three blinks end at 9500ms, then a 10000ms group rest.
	cases := []struct {
		ms    int
		blink bool
	}{
		{5000, true},   // blink 1 on
		{5499, true},   //
		{5500, false},  // gap
		{6900, false},  //
		{7000, true},   // blink 2 on
		{7500, false},  // gap
		{9000, true},   // blink 3 on
		{9500, false},  // group rest
		{15000, false}, // still resting
		{19499, false}, //
		{19500, true},  // next group begins
	}
	for _, c := range cases {
		b.advance(at(t0, c.ms))
		if got := b.ShouldBlink(); got != c.blink {
			t.Fatalf("at %dms shouldBlink = %v, want %v", c.ms, got, c.blink)
		}
		if !b.IsSilent() {
			t.Fatalf("at %dms isSilent went false without a reset", c.ms)
		}
	}
}

func TestBeaconResetMidBlink(t *testing.T) {
	b, t0 := testBeacon()

	b.advance(at(t0, 5200))
	if !b.ShouldBlink() {
		t.Fatal("expected mid-blink state")
	}

	// Activity mid-blink: the signal must read false immediately, not
	// after the blink finishes.
	b.resetAt(at(t0, 5200))
	if b.IsSilent() || b.ShouldBlink() {
		t.Fatal("reset did not clear the beacon synchronously")
	}

	// The threshold is re-armed from the reset, not from t0.
	b.advance(at(t0, 10199))
	if b.IsSilent() {
		t.Fatal("beacon fired before the re-armed threshold")
	}
	b.advance(at(t0, 10200))
	if !b.IsSilent() || !b.ShouldBlink() {
		t.Fatal("beacon did not fire after the re-armed threshold")
	}
}

func TestBeaconLateTickFastForwards(t *testing.T) {
	b, t0 := testBeacon()

	// One giant jump lands mid-gap after the second blink of the first
	// group (7500..9000ms window).
	b.advance(at(t0, 8000))
	if !b.IsSilent() {
		t.Fatal("isSilent false after jump past threshold")
	}
	if b.ShouldBlink() {
		t.Fatal("expected gap state at 8000ms")
	}
}
