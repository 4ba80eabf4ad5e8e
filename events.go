package main

import "lumi/session"

// Messages into the TUI.

// SnapshotMsg carries the machine's state after each processed event.
type SnapshotMsg struct{ Snap session.Snapshot }

// BeaconMsg carries the silence beacon's current signal.
type BeaconMsg struct {
	Silent bool
	Blink  bool
}

// Action is a user intent flowing from the TUI back to the control loop.
type Action int

const (
	ActionToggleListen Action = iota
	ActionInterrupt
	ActionRetryOrClear
	ActionQuit
)
