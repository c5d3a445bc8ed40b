// Package cover simulates the position and motion of write-only window
// covering actuators. The actuator never reports back, so arrival at a
// target is inferred from a settle timer whose length grows with the
// distance travelled.
package cover

import (
	"errors"
	"fmt"
	"time"

	"blinds-go-home/internal/codec"
)

// MotionState is the externally visible motion of a cover. The numeric
// values are fixed by the accessory layer: 0 decreasing, 1 increasing,
// 2 stopped.
type MotionState uint8

const (
	Decreasing MotionState = 0
	Increasing MotionState = 1
	Stopped    MotionState = 2
)

func (s MotionState) String() string {
	switch s {
	case Decreasing:
		return "decreasing"
	case Increasing:
		return "increasing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("MotionState(%d)", uint8(s))
	}
}

// direction derives motion from the settled position and the new target.
func direction(last, target uint8) MotionState {
	if target > last {
		return Increasing
	}
	return Decreasing
}

// State is a consistent snapshot of a cover.
type State struct {
	CurrentPosition uint8       `json:"position"`
	TargetPosition  uint8       `json:"target"`
	Motion          MotionState `json:"motion"`
}

var (
	// ErrOutOfRange is returned for positions outside 0..100.
	ErrOutOfRange = codec.ErrOutOfRange
	// ErrTransport wraps failures of the link while delivering a command.
	ErrTransport = errors.New("transport error")
	// ErrUnknownDevice is returned for ids that are not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDuplicateDevice is returned when registering an id twice.
	ErrDuplicateDevice = errors.New("device already registered")
	// ErrClosed is returned after the device or manager was closed.
	ErrClosed = errors.New("cover closed")

	errStaleTimer = errors.New("stale settle timer")
)

// Timing controls how long simulated travel takes.
type Timing struct {
	StepDelay    time.Duration // per percentage point travelled
	BaseDelay    time.Duration
	WriteTimeout time.Duration
}

// DefaultTiming returns the reference settle constants.
func DefaultTiming() Timing {
	return Timing{
		StepDelay:    240 * time.Millisecond,
		BaseDelay:    75 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.StepDelay == 0 && t.BaseDelay == 0 {
		t.StepDelay = def.StepDelay
		t.BaseDelay = def.BaseDelay
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = def.WriteTimeout
	}
	return t
}

// SettleDelay returns the simulated travel time between two positions.
func (t Timing) SettleDelay(from, to uint8) time.Duration {
	dist := int(to) - int(from)
	if dist < 0 {
		dist = -dist
	}
	return time.Duration(dist)*t.StepDelay + t.BaseDelay
}
