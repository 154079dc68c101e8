// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/onewire"
)

// ErrShorted is returned when the bridge detects a short on the 1-wire line
// during a reset.
var ErrShorted = shortedBusError("ds248x: bus has a short")

// PupOhm is the passive pull-up resistance of a DS2483.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω PupOhm = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω PupOhm = 6
)

// Model is the bridge chip found by New.
type Model int

const (
	DS2482x100 Model = iota
	DS2482x800
	DS2483
)

func (m Model) String() string {
	switch m {
	case DS2482x100:
		return "DS2482-100"
	case DS2482x800:
		return "DS2482-800"
	case DS2483:
		return "DS2483"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// PassivePullup disables the active pull-up.
	PassivePullup bool

	// Port timings, only applied on a DS2483. The closest value the chip
	// supports is used.
	ResetLow       time.Duration // 440µs..740µs
	PresenceDetect time.Duration // 58µs..76µs
	Write0Low      time.Duration // 52µs..70µs
	Write0Recovery time.Duration // 2750ns..25250ns
	PullupRes      PupOhm
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       560 * time.Microsecond,
	PresenceDetect: 68 * time.Microsecond,
	Write0Low:      64 * time.Microsecond,
	Write0Recovery: 5250 * time.Nanosecond,
	PullupRes:      R1000Ω,
}

// New returns a bridge on the I²C bus at addr, one of 0x18 to 0x1f.
//
// A nil opts uses DefaultOpts.
func New(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if addr < 0x18 || addr > 0x1f {
		return nil, fmt.Errorf("ds248x: invalid address %#x", addr)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{c: &i2c.Dev{Bus: b, Addr: addr}}
	if err := d.init(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a DS2482-100, DS2482-800 or DS2483 1-wire bridge. It implements
// onewire.Bus on the selected channel, channel 0 for the DS2482-800 unless
// Channel is used.
//
// An I²C failure or a timeout of the bridge is persistent: every later call
// returns it and a new Dev must be created. Failures on the 1-wire side are
// common.BusError values and are not persistent.
type Dev struct {
	mu       sync.Mutex
	c        conn.Conn
	model    Model
	confReg  byte
	tReset   time.Duration
	tSlot    time.Duration
	selected int
	err      error
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.model, d.c)
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Model returns the detected chip.
func (d *Dev) Model() Model {
	return d.model
}

// Tx implements onewire.Bus.
//
// It returns common.ErrNotFound when no device answers the reset.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx(w, r, power)
}

// Search implements onewire.Bus.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return onewire.Search(locked{d}, alarmOnly)
}

// SearchTriplet implements onewire.BusSearcher.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triplet(direction)
}

// Channel returns channel ch, 0 to 7, of a DS2482-800 as a separate bus.
func (d *Dev) Channel(ch int) (*Channel, error) {
	if d.model != DS2482x800 {
		if ch == 0 {
			return &Channel{d: d}, nil
		}
		return nil, fmt.Errorf("ds248x: %s has no channel %d", d.model, ch)
	}
	if ch < 0 || ch >= len(channels) {
		return nil, fmt.Errorf("ds248x: invalid channel %d", ch)
	}
	return &Channel{d: d, ch: ch}, nil
}

// Channel is one 1-wire channel of a bridge. It implements onewire.Bus.
type Channel struct {
	d  *Dev
	ch int
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s/%d", c.d, c.ch)
}

// Halt implements conn.Resource.
func (c *Channel) Halt() error {
	return nil
}

// Tx implements onewire.Bus.
func (c *Channel) Tx(w, r []byte, power onewire.Pullup) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.selectChannel(c.ch); err != nil {
		return err
	}
	return c.d.tx(w, r, power)
}

// SearchTriplet implements onewire.BusSearcher.
func (c *Channel) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.selectChannel(c.ch); err != nil {
		return onewire.TripletResult{}, err
	}
	return c.d.triplet(direction)
}

// Search implements onewire.Bus.
func (c *Channel) Search(alarmOnly bool) ([]onewire.Address, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if err := c.d.selectChannel(c.ch); err != nil {
		return nil, err
	}
	return onewire.Search(locked{c.d}, alarmOnly)
}

// locked gives onewire.Search access to a Dev whose lock is held.
type locked struct {
	d *Dev
}

func (l locked) Tx(w, r []byte, power onewire.Pullup) error {
	return l.d.tx(w, r, power)
}

func (l locked) Search(alarmOnly bool) ([]onewire.Address, error) {
	return nil, errors.New("ds248x: nested search")
}

func (l locked) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	return l.d.triplet(direction)
}

func (l locked) String() string {
	return l.d.String()
}

func (l locked) Halt() error {
	return nil
}

func (d *Dev) tx(w, r []byte, power onewire.Pullup) error {
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return common.ErrNotFound
	}
	strong := d.confReg&0xbf | 0x04
	for i, b := range w {
		if power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0 {
			d.i2cTx([]byte{cmdWriteConfig, strong}, nil)
		}
		d.i2cTx([]byte{cmd1WWrite, b}, nil)
		d.waitIdle(7 * d.tSlot)
	}
	for i := range r {
		if power == onewire.StrongPullup && i == len(r)-1 {
			d.i2cTx([]byte{cmdWriteConfig, strong}, nil)
		}
		d.i2cTx([]byte{cmd1WRead}, nil)
		d.waitIdle(7 * d.tSlot)
		d.i2cTx([]byte{cmdSetReadPtr, regRDR}, r[i:i+1])
	}
	return d.err
}

func (d *Dev) triplet(direction byte) (onewire.TripletResult, error) {
	var dir byte
	if direction != 0 {
		dir = 0x80
	}
	d.i2cTx([]byte{cmd1WTriplet, dir}, nil)
	// The two reads and the write take 3 slots, overlapped with the I²C
	// transfer.
	status := d.waitIdle(0)
	return onewire.TripletResult{
		GotZero: status&0x20 == 0,
		GotOne:  status&0x40 == 0,
		Taken:   status >> 7,
	}, d.err
}

// reset issues a reset on the 1-wire line and reports whether a device
// answered.
func (d *Dev) reset() (bool, error) {
	d.i2cTx([]byte{cmd1WReset}, nil)
	status := d.waitIdle(d.tReset)
	if d.err != nil {
		return false, d.err
	}
	if status&statusSD != 0 {
		return false, ErrShorted
	}
	return status&statusPPD != 0, nil
}

func (d *Dev) selectChannel(ch int) error {
	if d.err != nil {
		return d.err
	}
	if d.model != DS2482x800 || ch == d.selected {
		return nil
	}
	var got [1]byte
	d.i2cTx([]byte{cmdChannelSelect, channels[ch].w}, got[:])
	if d.err != nil {
		return d.err
	}
	if got[0] != channels[ch].r {
		d.err = fmt.Errorf("ds248x: selecting channel %d read back %#x", ch, got[0])
		return d.err
	}
	d.selected = ch
	return nil
}

// i2cTx runs an I²C transaction unless an error is already persisted.
func (d *Dev) i2cTx(w, r []byte) {
	if d.err != nil {
		return
	}
	if err := d.c.Tx(w, r); err != nil {
		d.err = fmt.Errorf("ds248x: %w", err)
	}
}

// waitIdle sleeps for delay then polls the status register until the 1-wire
// line is idle, sleeping a tenth of delay between polls, and returns the last
// status. It gives up after 3ms.
func (d *Dev) waitIdle(delay time.Duration) byte {
	if d.err != nil {
		return 0
	}
	deadline := time.Now().Add(3 * time.Millisecond)
	sleep(delay)
	for {
		var status [1]byte
		d.i2cTx(nil, status[:])
		if status[0]&statusBusy == 0 {
			return status[0]
		}
		if time.Now().After(deadline) {
			d.err = errors.New("ds248x: timeout waiting for bus cycle to finish")
			return 0
		}
		sleep(delay / 10)
	}
}

func (d *Dev) init(opts *Opts) error {
	d.tReset = 2 * opts.ResetLow
	d.tSlot = opts.Write0Low + opts.Write0Recovery

	if err := d.c.Tx([]byte{cmdReset}, nil); err != nil {
		return fmt.Errorf("ds248x: reset: %w", err)
	}
	var stat [1]byte
	if err := d.c.Tx([]byte{cmdSetReadPtr, regStatus}, stat[:]); err != nil {
		return fmt.Errorf("ds248x: reading status: %w", err)
	}
	if stat[0] != 0x18 {
		return fmt.Errorf("ds248x: invalid status %#x after reset, expected 0x18", stat[0])
	}

	// Standard speed, no strong pull-up, no power down, active pull-up. The
	// upper nibble is the complement of the lower one.
	d.confReg = 0xe1
	if opts.PassivePullup {
		d.confReg ^= 0x11
	}
	var dcr [1]byte
	if err := d.c.Tx([]byte{cmdWriteConfig, d.confReg}, dcr[:]); err != nil {
		return fmt.Errorf("ds248x: writing configuration: %w", err)
	}
	if dcr[0] != d.confReg&0x0f {
		return fmt.Errorf("ds248x: configuration %#x read back as %#x", d.confReg, dcr[0])
	}

	// Only the DS2483 has a port configuration register and only the
	// DS2482-800 a channel selection register; pointing at a missing one is
	// NACKed.
	switch {
	case d.c.Tx([]byte{cmdSetReadPtr, regPCR}, nil) == nil:
		d.model = DS2483
		buf := []byte{cmdAdjPort,
			byte(0x00 + ((opts.ResetLow/time.Microsecond-430)/20)&0x0f),
			byte(0x20 + ((opts.PresenceDetect/time.Microsecond-55)/2)&0x0f),
			byte(0x40 + ((opts.Write0Low/time.Microsecond-51)/2)&0x0f),
			byte(0x60 + ((opts.Write0Recovery-1250)/2500+5)&0x0f),
			byte(0x80 + opts.PullupRes&0x0f),
		}
		if err := d.c.Tx(buf, nil); err != nil {
			return fmt.Errorf("ds248x: adjusting port: %w", err)
		}
	case d.c.Tx([]byte{cmdSetReadPtr, regCSR}, nil) == nil:
		d.model = DS2482x800
		var got [1]byte
		if err := d.c.Tx([]byte{cmdChannelSelect, channels[0].w}, got[:]); err != nil {
			return fmt.Errorf("ds248x: selecting channel 0: %w", err)
		}
	default:
		d.model = DS2482x100
	}
	return nil
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.Bus = &Channel{}
var _ onewire.ShortedBusError = ErrShorted

const (
	cmdReset         = 0xf0 // reset the bridge
	cmdSetReadPtr    = 0xe1
	cmdWriteConfig   = 0xd2
	cmdAdjPort       = 0xc3 // DS2483
	cmdChannelSelect = 0xc3 // DS2482-800
	cmd1WReset       = 0xb4
	cmd1WWrite       = 0xa5
	cmd1WRead        = 0x96
	cmd1WTriplet     = 0x78 // two bit reads and a bit write

	regStatus = 0xf0
	regRDR    = 0xe1 // read data
	regPCR    = 0xb4 // port configuration, DS2483
	regCSR    = 0xd2 // channel selection, DS2482-800

	statusBusy = 0x01
	statusPPD  = 0x02 // presence pulse detected
	statusSD   = 0x04 // short detected
)

// channels holds the DS2482-800 channel selection codes, as written and as
// read back.
var channels = [8]struct{ w, r byte }{
	{0xf0, 0xb8},
	{0xe1, 0xb1},
	{0xd2, 0xaa},
	{0xc3, 0xa3},
	{0xb4, 0x9c},
	{0xa5, 0x95},
	{0x96, 0x8e},
	{0x87, 0x87},
}
