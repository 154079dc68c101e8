// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eeprom

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// DefaultAddr is the I²C address of an AT24 with its address pins low.
const DefaultAddr uint16 = 0x50

// AT24Opts describes the memory chip.
type AT24Opts struct {
	// Addr defaults to DefaultAddr.
	Addr uint16
	// Size in bytes defaults to 4096, an AT24C32.
	Size int
	// PageSize defaults to 32 bytes.
	PageSize int
}

// writeCycle is the self-timed write cycle of the chip.
const writeCycle = 5 * time.Millisecond

// AT24 is a position store on an Atmel/Microchip AT24C32 or larger I²C
// EEPROM, the 16 bits addressed members of the family.
type AT24 struct {
	mu   sync.Mutex
	d    i2c.Dev
	size int
	page int
}

// NewAT24 returns a store on the EEPROM at opts.Addr.
func NewAT24(b i2c.Bus, opts *AT24Opts) (*AT24, error) {
	o := AT24Opts{Addr: DefaultAddr, Size: 4096, PageSize: 32}
	if opts != nil {
		if opts.Addr != 0 {
			o.Addr = opts.Addr
		}
		if opts.Size != 0 {
			o.Size = opts.Size
		}
		if opts.PageSize != 0 {
			o.PageSize = opts.PageSize
		}
	}
	if o.Size > 65536 || o.PageSize <= 0 || o.Size%o.PageSize != 0 {
		return nil, errors.New("eeprom: invalid AT24 geometry")
	}
	return &AT24{d: i2c.Dev{Bus: b, Addr: o.Addr}, size: o.Size, page: o.PageSize}, nil
}

func (e *AT24) String() string {
	return fmt.Sprintf("AT24{%s}", &e.d)
}

// Halt implements conn.Resource.
func (e *AT24) Halt() error {
	return nil
}

// LoadWord implements motion.Store.
func (e *AT24) LoadWord(off int) (int32, error) {
	var b [4]byte
	if err := e.read(off, b[:]); err != nil {
		return 0, err
	}
	return int32(order.Uint32(b[:])), nil
}

// StoreWord implements motion.Store.
//
// The word must not cross a page boundary, so that it is written by a single
// page write.
func (e *AT24) StoreWord(off int, v int32) error {
	var b [4]byte
	order.PutUint32(b[:], uint32(v))
	return e.update(off, b[:])
}

// LoadByte implements motion.Store.
func (e *AT24) LoadByte(off int) (byte, error) {
	var b [1]byte
	if err := e.read(off, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// StoreByte implements motion.Store.
func (e *AT24) StoreByte(off int, v byte) error {
	return e.update(off, []byte{v})
}

func (e *AT24) read(off int, b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readLocked(off, b)
}

func (e *AT24) readLocked(off int, b []byte) error {
	if err := checkRange(off, len(b), e.size); err != nil {
		return err
	}
	if err := e.d.Tx([]byte{byte(off >> 8), byte(off)}, b); err != nil {
		return fmt.Errorf("eeprom: %w", err)
	}
	return nil
}

func (e *AT24) update(off int, b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if off/e.page != (off+len(b)-1)/e.page {
		return fmt.Errorf("eeprom: %d bytes at %d cross a page boundary", len(b), off)
	}
	cur := make([]byte, len(b))
	if err := e.readLocked(off, cur); err != nil {
		return err
	}
	if bytes.Equal(cur, b) {
		return nil
	}
	w := append([]byte{byte(off >> 8), byte(off)}, b...)
	if err := e.d.Tx(w, nil); err != nil {
		return fmt.Errorf("eeprom: %w", err)
	}
	sleep(writeCycle)
	return nil
}

var sleep = time.Sleep

var _ conn.Resource = &AT24{}
