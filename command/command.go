// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3/onewire"
)

// ErrSyntax is returned by Parse for a malformed command line.
var ErrSyntax = errors.New("command: syntax error")

// maxDigits is the number of digits a move target may have.
const maxDigits = 7

// Command is a decoded command line. It is one of Status, Stop, Zero, Move,
// Open, Close, Scan, ReadSensor or Probe.
type Command interface {
	command()
}

// Status reports the target and current position of every axis: "?".
type Status struct{}

// Stop makes the current position of an axis its target: "1S".
type Stop struct {
	Axis int
}

// Zero redefines the current position of an axis as 0: "1Z".
type Zero struct {
	Axis int
}

// Move sets the target of an axis, in external units: "1+1234567".
type Move struct {
	Axis   int
	Target int32
}

// Open opens a shutter: "3O".
type Open struct {
	Axis int
}

// Close closes a shutter: "3C".
type Close struct {
	Axis int
}

// Scan lists the devices on a sensor bus: "W1?".
type Scan struct {
	Bus int
}

// ReadSensor reads the temperature sensor at Addr: "W1=28AC410E07000074".
type ReadSensor struct {
	Bus  int
	Addr onewire.Address
}

// Probe reads the single device of a bus whatever its family: "W1M".
type Probe struct {
	Bus int
}

func (Status) command()     {}
func (Stop) command()       {}
func (Zero) command()       {}
func (Move) command()       {}
func (Open) command()       {}
func (Close) command()      {}
func (Scan) command()       {}
func (ReadSensor) command() {}
func (Probe) command()      {}

// Parse decodes one command line, without its line terminator.
//
// Axes and buses are numbered from 1 on the wire; the decoded Axis and Bus
// fields are indexes from 0.
func Parse(line string) (Command, error) {
	if line == "?" {
		return Status{}, nil
	}
	if len(line) < 2 {
		return nil, syntax(line)
	}
	if line[0] == 'W' {
		return parseSensor(line)
	}
	axis, ok := index(line[0])
	if !ok {
		return nil, syntax(line)
	}
	if len(line) == 2 {
		switch line[1] {
		case 'S':
			return Stop{Axis: axis}, nil
		case 'Z':
			return Zero{Axis: axis}, nil
		case 'O':
			return Open{Axis: axis}, nil
		case 'C':
			return Close{Axis: axis}, nil
		}
		return nil, syntax(line)
	}
	if line[1] != '+' && line[1] != '-' || len(line) > 2+maxDigits {
		return nil, syntax(line)
	}
	for i := 2; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			return nil, syntax(line)
		}
	}
	v, err := strconv.ParseInt(line[1:], 10, 32)
	if err != nil {
		return nil, syntax(line)
	}
	return Move{Axis: axis, Target: int32(v)}, nil
}

func parseSensor(line string) (Command, error) {
	if len(line) < 3 {
		return nil, syntax(line)
	}
	bus, ok := index(line[1])
	if !ok {
		return nil, syntax(line)
	}
	switch {
	case line == line[:2]+"?":
		return Scan{Bus: bus}, nil
	case line == line[:2]+"M":
		return Probe{Bus: bus}, nil
	case line[2] == '=' && len(line) == 3+16:
		addr, err := ParseAddress(line[3:])
		if err != nil {
			return nil, syntax(line)
		}
		return ReadSensor{Bus: bus, Addr: addr}, nil
	}
	return nil, syntax(line)
}

// FormatAddress returns the 16 hex digits of a ROM code in bus order, family
// code first.
func FormatAddress(a onewire.Address) string {
	b := common.AddressBytes(a)
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X", b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// ParseAddress is the reverse of FormatAddress.
func ParseAddress(s string) (onewire.Address, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: address %q", ErrSyntax, s)
	}
	var b [8]byte
	for i := range b {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: address %q", ErrSyntax, s)
		}
		b[i] = byte(v)
	}
	return common.Address(b), nil
}

func index(c byte) (int, bool) {
	if c < '1' || c > '9' {
		return 0, false
	}
	return int(c - '1'), true
}

func syntax(line string) error {
	return fmt.Errorf("%w: %q", ErrSyntax, line)
}
