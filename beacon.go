package main

import (
	"sync"
	"time"

	"lumi/config"
)

const (
	tickInterval = 100 * time.Millisecond
	blinkOnDur   = 500 * time.Millisecond
)

type beaconPhase int

const (
	beaconArmed beaconPhase = iota
	beaconBlinkOn
	beaconBlinkGap
	beaconGroupRest
)

// silenceBeacon prompts the user to speak after a period of inactivity,
// with a repeating blink-group/rest pattern. It holds no timers of its
// own; a driver calls advance with the current time and reads the state
// back, which keeps the schedule deterministic under test.
type silenceBeacon struct {
	threshold      time.Duration
	blinkGap       time.Duration // off time between blinks in a group
	blinksPerGroup int
	groupInterval  time.Duration

	mu       sync.Mutex
	phase    beaconPhase
	deadline time.Time
	blinks   int // completed blinks in the current group
	silent   bool
}

func newSilenceBeacon(cfg config.BeaconConfig) *silenceBeacon {
	gap := cfg.BlinkInterval - blinkOnDur
	if gap < 0 {
		gap = 0
	}
	b := &silenceBeacon{
		threshold:      cfg.SilenceThreshold,
		blinkGap:       gap,
		blinksPerGroup: cfg.BlinksPerGroup,
		groupInterval:  cfg.GroupInterval,
	}
	b.resetAt(time.Now())
	return b
}

// Reset cancels any pending or in-progress blink and re-arms the silence
// timer. The blink signal reads false immediately afterwards, even when
// reset lands mid-blink.
func (b *silenceBeacon) Reset() {
	b.resetAt(time.Now())
}

func (b *silenceBeacon) resetAt(now time.Time) {
	b.mu.Lock()
	b.phase = beaconArmed
	b.deadline = now.Add(b.threshold)
	b.blinks = 0
	b.silent = false
	b.mu.Unlock()
}

// advance moves the schedule forward to now. The driver calls it on every
// tick; a late tick simply fast-forwards through any phases it missed.
func (b *silenceBeacon) advance(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !now.Before(b.deadline) {
		switch b.phase {
		case beaconArmed:
			b.silent = true
			b.phase = beaconBlinkOn
			b.deadline = b.deadline.Add(blinkOnDur)
		case beaconBlinkOn:
			b.blinks++
			if b.blinks >= b.blinksPerGroup {
				b.blinks = 0
				b.phase = beaconGroupRest
				b.deadline = b.deadline.Add(b.groupInterval)
			} else {
				b.phase = beaconBlinkGap
				b.deadline = b.deadline.Add(b.blinkGap)
			}
		case beaconBlinkGap, beaconGroupRest:
			b.phase = beaconBlinkOn
			b.deadline = b.deadline.Add(blinkOnDur)
		}
	}
}

// IsSilent reports whether the inactivity threshold has elapsed since the
// last reset.
func (b *silenceBeacon) IsSilent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silent
}

// ShouldBlink reports whether the prompt signal is currently on.
func (b *silenceBeacon) ShouldBlink() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silent && b.phase == beaconBlinkOn
}
