// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owgpiotest simulates an open-drain 1-wire line with virtual devices
// attached, at the level of individual time slots.
//
// Line implements owgpio.Line and provides the Delay function the bus master
// busy-waits with, so that the simulation advances a virtual clock instead of
// real time. Devices see the line as real ones do: a low pulse of 480µs or
// more is a reset, a shorter one is a time slot read as 1 when released
// within 15µs. A device pulling the line low to send a 0 lets go 15µs after
// the falling edge, so a master sampling late reads 1.
package owgpiotest

import (
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

const (
	tResetMin      = 480 * time.Microsecond
	tSlotThreshold = 15 * time.Microsecond // release before: write 1
	tDeviceHold    = 15 * time.Microsecond // a device sending 0 holds this long
	tPresenceStart = 15 * time.Microsecond
	tPresenceEnd   = 240 * time.Microsecond
)

// Line is a simulated 1-wire line.
//
// It is not safe for concurrent use; the bus master serializes access.
type Line struct {
	// Devices attached to the line.
	Devices []*Device

	// Resets counts the reset pulses seen.
	Resets int

	now      time.Duration
	low      bool          // master is pulling the line low
	lowAt    time.Duration // falling edge of the current slot
	relAt    time.Duration // end of the last reset pulse
	presence bool          // a device answered the last reset
	inReset  bool          // presence window of the last reset still open
	devLow   bool          // a device pulls the line low in the current slot

	conflictBit int
	conflicts   []bool // per upcoming search pass reaching conflictBit
}

// NewLine returns a line with the given devices attached.
func NewLine(devices ...*Device) *Line {
	return &Line{Devices: devices}
}

// Delay advances the virtual clock. Pass it as owgpio.Opts.Delay.
func (l *Line) Delay(d time.Duration) {
	l.now += d
}

// Now returns the virtual time elapsed.
func (l *Line) Now() time.Duration {
	return l.now
}

// InjectConflict makes the next passes search passes read 1 for both a bit
// and its complement at the given bit position, as if no device pulled the
// line low.
func (l *Line) InjectConflict(bit, passes int) {
	p := make([]bool, passes)
	for i := range p {
		p[i] = true
	}
	l.InjectConflictPattern(bit, p...)
}

// InjectConflictPattern is InjectConflict for an arbitrary sequence of
// passes: the i-th upcoming search pass conflicts at bit when pattern[i] is
// true and runs normally otherwise. Passes past the pattern run normally.
func (l *Line) InjectConflictPattern(bit int, pattern ...bool) {
	l.conflictBit = bit
	l.conflicts = pattern
}

// Out implements owgpio.Line.
func (l *Line) Out(v gpio.Level) error {
	if v == gpio.Low {
		l.fall()
	} else {
		l.release()
	}
	return nil
}

// In implements owgpio.Line.
func (l *Line) In(gpio.Pull, gpio.Edge) error {
	l.release()
	return nil
}

// Read implements owgpio.Line.
func (l *Line) Read() gpio.Level {
	switch {
	case l.low:
		return gpio.Low
	case l.inReset:
		since := l.now - l.relAt
		if l.presence && since >= tPresenceStart && since <= tPresenceEnd {
			return gpio.Low
		}
		return gpio.High
	case l.devLow && l.now-l.lowAt <= tDeviceHold:
		return gpio.Low
	}
	return gpio.High
}

func (l *Line) fall() {
	if l.low {
		return
	}
	l.low = true
	l.lowAt = l.now
	l.inReset = false
	l.devLow = false
	for _, d := range l.Devices {
		if d.mode != modeSearch || d.searchPos != l.conflictBit || d.searchSub >= 2 || len(l.conflicts) == 0 {
			continue
		}
		conflict := l.conflicts[0]
		if d.searchSub == 1 {
			// Counted on the complement read, which ends a conflicting pass.
			l.conflicts = l.conflicts[1:]
		}
		if conflict {
			return
		}
		break
	}
	for _, d := range l.Devices {
		if d.drivesLow() {
			l.devLow = true
		}
	}
}

func (l *Line) release() {
	if !l.low {
		return
	}
	l.low = false
	if l.now-l.lowAt >= tResetMin {
		l.Resets++
		l.inReset = true
		l.relAt = l.now
		l.presence = false
		for _, d := range l.Devices {
			if d.reset() {
				l.presence = true
			}
		}
		return
	}
	var bit byte
	if l.now-l.lowAt < tSlotThreshold {
		bit = 1
	}
	for _, d := range l.Devices {
		d.slot(bit)
	}
}

// Function is the function command layer of a virtual device, reached after
// a ROM command selected it.
type Function interface {
	// Params returns how many parameter bytes follow the command byte.
	Params(cmd byte) int
	// Exec runs the command and returns the bytes the device sends back.
	Exec(cmd byte, params []byte) []byte
}

type mode int

const (
	modeIdle mode = iota
	modeROMCmd
	modeMatch
	modeSearch
	modeFuncCmd
	modeParams
	modeTx
)

// Device is a virtual 1-wire device: the ROM layer common to every device
// plus a Function layer.
type Device struct {
	// Addr is the ROM code of the device.
	Addr onewire.Address
	// Alarm makes the device answer an alarm search.
	Alarm bool
	// Function handles function commands.
	Function Function
	// Commands records the function commands executed.
	Commands []byte

	mode      mode
	acc       uint64
	nbits     int
	cmd       byte
	params    []byte
	nparams   int
	tx        []byte
	txPos     int
	afterTx   mode
	searchPos int
	searchSub int
}

// MakeAddress returns a ROM code with the given family and serial number and
// a valid CRC.
func MakeAddress(family byte, serial uint64) onewire.Address {
	var b [8]byte
	b[0] = family
	for i := 1; i < 7; i++ {
		b[i] = byte(serial >> (8 * uint(i-1)))
	}
	b[7] = onewire.CalcCRC(b[:7])
	return common.Address(b)
}

func (d *Device) reset() bool {
	d.mode = modeROMCmd
	d.acc, d.nbits = 0, 0
	return true
}

// recv shifts in a bit LSB first and reports when n bits were received.
func (d *Device) recv(bit byte, n int) bool {
	d.acc |= uint64(bit) << uint(d.nbits)
	d.nbits++
	return d.nbits == n
}

func (d *Device) take() uint64 {
	v := d.acc
	d.acc, d.nbits = 0, 0
	return v
}

func (d *Device) romBit(pos int) byte {
	return byte(d.Addr>>uint(pos)) & 1
}

func (d *Device) drivesLow() bool {
	switch d.mode {
	case modeTx:
		return (d.tx[d.txPos/8]>>uint(d.txPos%8))&1 == 0
	case modeSearch:
		b := d.romBit(d.searchPos)
		switch d.searchSub {
		case 0:
			return b == 0
		case 1:
			return b == 1
		}
	}
	return false
}

func (d *Device) slot(bit byte) {
	switch d.mode {
	case modeROMCmd:
		if !d.recv(bit, 8) {
			return
		}
		switch cmd := byte(d.take()); cmd {
		case 0xf0:
			d.mode, d.searchPos, d.searchSub = modeSearch, 0, 0
		case 0xec:
			d.mode, d.searchPos, d.searchSub = modeIdle, 0, 0
			if d.Alarm {
				d.mode = modeSearch
			}
		case 0x33:
			b := common.AddressBytes(d.Addr)
			d.send(b[:], modeFuncCmd)
		case 0xcc:
			d.mode = modeFuncCmd
		case 0x55:
			d.mode = modeMatch
		default:
			d.mode = modeIdle
		}
	case modeMatch:
		if !d.recv(bit, 64) {
			return
		}
		if onewire.Address(d.take()) == d.Addr {
			d.mode = modeFuncCmd
		} else {
			d.mode = modeIdle
		}
	case modeSearch:
		switch d.searchSub {
		case 0, 1:
			d.searchSub++
		default:
			if bit != d.romBit(d.searchPos) {
				d.mode = modeIdle
				return
			}
			d.searchPos++
			d.searchSub = 0
			if d.searchPos == 64 {
				d.mode = modeFuncCmd
			}
		}
	case modeFuncCmd:
		if !d.recv(bit, 8) {
			return
		}
		d.cmd = byte(d.take())
		d.params = d.params[:0]
		d.nparams = 0
		if d.Function != nil {
			d.nparams = d.Function.Params(d.cmd)
		}
		if d.nparams == 0 {
			d.exec()
		} else {
			d.mode = modeParams
		}
	case modeParams:
		if !d.recv(bit, 8) {
			return
		}
		d.params = append(d.params, byte(d.take()))
		if len(d.params) == d.nparams {
			d.exec()
		}
	case modeTx:
		d.txPos++
		if d.txPos == 8*len(d.tx) {
			d.mode = d.afterTx
		}
	}
}

func (d *Device) send(b []byte, after mode) {
	if len(b) == 0 {
		d.mode = after
		return
	}
	d.tx = append(d.tx[:0], b...)
	d.txPos = 0
	d.afterTx = after
	d.mode = modeTx
}

func (d *Device) exec() {
	d.Commands = append(d.Commands, d.cmd)
	var out []byte
	if d.Function != nil {
		out = d.Function.Exec(d.cmd, d.params)
	}
	d.send(out, modeIdle)
}
