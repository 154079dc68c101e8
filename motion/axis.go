// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package motion

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// Kind is the type of actuator behind an axis.
type Kind int

const (
	// Linear is a stepper driven focuser stage with an unbounded signed
	// position.
	Linear Kind = iota
	// Shutter is a solenoid driven shutter; its position runs from 0 (closed)
	// to MaxSteps (open).
	Shutter
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Shutter:
		return "shutter"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the scheduler state of an axis.
type State int

const (
	// Disabled is the state at startup, before the axis ever moved.
	Disabled State = iota
	// EnablingThisTick means the driver was enabled on the last tick and the
	// first step is due on the next one.
	EnablingThisTick
	SteppingForward
	SteppingReverse
	// HoldingAtTarget means the axis reached its target.
	HoldingAtTarget
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case EnablingThisTick:
		return "EnablingThisTick"
	case SteppingForward:
		return "SteppingForward"
	case SteppingReverse:
		return "SteppingReverse"
	case HoldingAtTarget:
		return "HoldingAtTarget"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AutoSlot lets New assign the persistence slot of an axis.
const AutoSlot = -1

// AxisConfig describes one axis.
type AxisConfig struct {
	Name string
	Kind Kind
	// MaxSteps is the number of steps from closed to open of a Shutter; it
	// must cover the minimum actuation pulse of the solenoid.
	MaxSteps int32
	// Slot is the offset of the persisted position in the Store, or AutoSlot.
	Slot int
}

// size returns the number of bytes the axis position takes in the Store.
func (a *AxisConfig) size() int {
	if a.Kind == Shutter {
		return 1
	}
	return 4
}

// Config describes the axis table of a board.
type Config struct {
	Axes []AxisConfig
	// SharedEnable puts every Linear axis on a single driver enable line, as
	// on boards where one enable pin feeds all the stepper drivers. Shutters
	// always have their own enable group.
	SharedEnable bool
	// DownsampleBits is the power of two between the externally visible
	// position unit and the internal step.
	DownsampleBits uint
}

// Validate checks the configuration and returns the persistence slot of each
// axis.
func (c *Config) Validate() ([]int, error) {
	if len(c.Axes) == 0 {
		return nil, errors.New("motion: no axis configured")
	}
	if c.DownsampleBits > 16 {
		return nil, fmt.Errorf("motion: down-sample of %d bits is too large", c.DownsampleBits)
	}
	slots := make([]int, len(c.Axes))
	next := 0
	for i := range c.Axes {
		a := &c.Axes[i]
		switch a.Kind {
		case Linear:
		case Shutter:
			if a.MaxSteps <= 0 {
				return nil, fmt.Errorf("motion: shutter %q needs a positive max_steps", a.Name)
			}
		default:
			return nil, fmt.Errorf("motion: axis %q has invalid kind %s", a.Name, a.Kind)
		}
		switch {
		case a.Slot == AutoSlot:
			slots[i] = next
		case a.Slot < 0:
			return nil, fmt.Errorf("motion: axis %q has invalid slot %d", a.Name, a.Slot)
		default:
			slots[i] = a.Slot
		}
		next = slots[i] + a.size()
	}
	for i := range c.Axes {
		for j := i + 1; j < len(c.Axes); j++ {
			if slots[i] < slots[j]+c.Axes[j].size() && slots[j] < slots[i]+c.Axes[i].size() {
				return nil, fmt.Errorf("motion: axes %q and %q overlap in the position store", c.Axes[i].Name, c.Axes[j].Name)
			}
		}
	}
	return slots, nil
}

// Output is a digital output line. gpio.PinOut implements it.
type Output interface {
	Out(l gpio.Level) error
}

// Outputs are the drive lines of an axis. Nil lines are not driven.
type Outputs struct {
	Step   Output
	Dir    Output
	Enable Output

	// InvertStep makes the step pulse active low.
	InvertStep bool
	// InvertDir drives Dir low for forward travel.
	InvertDir bool
	// EnableActiveHigh drives Enable high to power the driver. Drivers
	// usually enable on low.
	EnableActiveHigh bool
}

// Store persists axis positions across power cycles.
//
// Each value is written with a single write at a fixed offset, so that a
// failed write leaves the previous value intact.
type Store interface {
	LoadWord(off int) (int32, error)
	StoreWord(off int, v int32) error
	LoadByte(off int) (byte, error)
	StoreByte(off int, v byte) error
}

// Status is a snapshot of an axis.
type Status struct {
	Name    string
	Kind    Kind
	Target  int32
	Current int32
	State   State
	// Enabled is true while the driver of the axis is powered.
	Enabled bool
	// MaxSteps is the open position of a Shutter.
	MaxSteps int32
}

// Moving reports whether the axis has not reached its target yet.
func (s *Status) Moving() bool {
	return s.Current != s.Target
}

// Open reports whether a Shutter is fully open.
func (s *Status) Open() bool {
	return s.Kind == Shutter && s.Current >= s.MaxSteps
}
