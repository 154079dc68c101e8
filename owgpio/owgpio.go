// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owgpio

import (
	"sync"
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3/cpu"
)

// Line is the part of gpio.PinIO the bus master needs. Out both configures
// the line as an output and drives it; In releases it to the pull-up.
type Line interface {
	Out(l gpio.Level) error
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Name identifies the bus in String(). Defaults to "owgpio".
	Name string

	// Mask, when set, is held for the duration of every time slot so that no
	// other work sharing it (the motion tick) can stretch a slot past the
	// tolerance of the devices.
	Mask sync.Locker

	// Delay busy-waits for the given duration. Defaults to cpu.Nanospin.
	Delay func(time.Duration)
}

// Slot timings, Maxim application note 126 standard speed. They are dictated
// by the devices and are not tunable.
const (
	tResetLow      = 480 * time.Microsecond // master reset pulse
	tPresenceWait  = 70 * time.Microsecond  // release to presence sample
	tPresenceRest  = 460 * time.Microsecond // remainder of the 480µs receive window
	tWrite1Low     = 5 * time.Microsecond
	tWrite1Rest    = 55 * time.Microsecond
	tWrite0Low     = 55 * time.Microsecond
	tWrite0Recover = 5 * time.Microsecond
	tReadLow       = 1 * time.Microsecond
	tReadSample    = 10 * time.Microsecond // must sample within 15µs of the falling edge
	tReadRest      = 50 * time.Microsecond
)

// ROM command bytes.
const (
	cmdSearchROM   = 0xf0
	cmdAlarmSearch = 0xec
	cmdReadROM     = 0x33
	cmdMatchROM    = 0x55
	cmdSkipROM     = 0xcc
)

// New returns a 1-wire bus master that bit-bangs the given line.
//
// The line must have an external pull-up resistor (typically 4.7kΩ).
func New(l Line, opts *Opts) *Dev {
	d := &Dev{line: l, name: "owgpio", delay: cpu.Nanospin}
	if opts != nil {
		if opts.Name != "" {
			d.name = opts.Name
		}
		if opts.Delay != nil {
			d.delay = opts.Delay
		}
		d.mask = opts.Mask
	}
	return d
}

// Dev is a 1-wire bus master driving a single GPIO line. It implements
// onewire.Bus.
//
// The slot-level methods (Reset, WriteBit, ReadBit, WriteByte, ReadByte,
// SkipROM, MatchROM) do not lock the bus; callers composing a transaction
// from them must hold the Dev lock. Tx, Search, SearchNext and Enumerate lock
// it themselves.
type Dev struct {
	sync.Mutex // lock for the bus while a transaction is in progress
	line       Line
	name       string
	mask       sync.Locker
	delay      func(time.Duration)
}

func (d *Dev) String() string {
	return d.name
}

// Halt implements conn.Resource.
//
// It releases the line to the pull-up.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	return d.line.In(gpio.Float, gpio.NoEdge)
}

// Tx performs a bus transaction: a reset, the bytes of w written, then len(r)
// bytes read. It returns common.ErrNotFound when no device answers the reset.
//
// With onewire.StrongPullup the line is left actively driven high to power
// a temperature conversion or an EEPROM write; otherwise it is released.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()
	return d.tx(w, r, power)
}

func (d *Dev) tx(w, r []byte, power onewire.Pullup) error {
	present, err := d.Reset()
	if err != nil {
		return err
	}
	if !present {
		return common.ErrNotFound
	}
	for _, b := range w {
		if err := d.WriteByte(b); err != nil {
			return err
		}
	}
	for i := range r {
		if r[i], err = d.ReadByte(); err != nil {
			return err
		}
	}
	if power == onewire.StrongPullup {
		return d.line.Out(gpio.High)
	}
	return d.line.In(gpio.Float, gpio.NoEdge)
}

// Reset issues a reset pulse and reports whether any device answered with a
// presence pulse.
func (d *Dev) Reset() (bool, error) {
	if d.mask != nil {
		d.mask.Lock()
		defer d.mask.Unlock()
	}
	if err := d.line.Out(gpio.High); err != nil {
		return false, err
	}
	if err := d.line.Out(gpio.Low); err != nil {
		return false, err
	}
	d.delay(tResetLow)
	if err := d.line.In(gpio.Float, gpio.NoEdge); err != nil {
		return false, err
	}
	d.delay(tPresenceWait)
	present := d.line.Read() == gpio.Low
	// The presence pulse lasts at most 240µs but the master has to stay in
	// receive mode for 480µs in total.
	d.delay(tPresenceRest)
	return present, nil
}

// WriteBit generates a write-1 slot when bit is non-zero, a write-0 slot
// otherwise.
func (d *Dev) WriteBit(bit byte) error {
	if d.mask != nil {
		d.mask.Lock()
		defer d.mask.Unlock()
	}
	if err := d.line.Out(gpio.Low); err != nil {
		return err
	}
	if bit != 0 {
		d.delay(tWrite1Low)
		if err := d.line.Out(gpio.High); err != nil {
			return err
		}
		d.delay(tWrite1Rest)
		return nil
	}
	d.delay(tWrite0Low)
	if err := d.line.Out(gpio.High); err != nil {
		return err
	}
	d.delay(tWrite0Recover)
	return nil
}

// ReadBit generates a read slot and returns the bit the devices sent, 0 or 1.
func (d *Dev) ReadBit() (byte, error) {
	if d.mask != nil {
		d.mask.Lock()
		defer d.mask.Unlock()
	}
	if err := d.line.Out(gpio.Low); err != nil {
		return 0, err
	}
	d.delay(tReadLow)
	if err := d.line.In(gpio.Float, gpio.NoEdge); err != nil {
		return 0, err
	}
	d.delay(tReadSample)
	var v byte
	if d.line.Read() == gpio.High {
		v = 1
	}
	d.delay(tReadRest)
	return v, nil
}

// WriteByte writes 8 slots, least significant bit first.
func (d *Dev) WriteByte(b byte) error {
	for i := 0; i < 8; i++ {
		if err := d.WriteBit(b & 1); err != nil {
			return err
		}
		b >>= 1
	}
	return nil
}

// ReadByte reads 8 slots, least significant bit first.
func (d *Dev) ReadByte() (byte, error) {
	var b byte
	for mask := byte(1); mask != 0; mask <<= 1 {
		v, err := d.ReadBit()
		if err != nil {
			return 0, err
		}
		if v != 0 {
			b |= mask
		}
	}
	return b, nil
}

// SkipROM addresses every device on the bus.
func (d *Dev) SkipROM() error {
	return d.WriteByte(cmdSkipROM)
}

// MatchROM addresses the single device with the given ROM code.
func (d *Dev) MatchROM(addr onewire.Address) error {
	if err := d.WriteByte(cmdMatchROM); err != nil {
		return err
	}
	for _, b := range common.AddressBytes(addr) {
		if err := d.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadROM reads the ROM code of the only device on the bus. With more than
// one device the codes collide and the CRC check fails.
func (d *Dev) ReadROM() (onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	var b [8]byte
	if err := d.tx([]byte{cmdReadROM}, b[:], onewire.WeakPullup); err != nil {
		return 0, err
	}
	if !onewire.CheckCRC(b[:]) {
		return 0, common.ErrChecksum
	}
	return common.Address(b), nil
}

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
