// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eeprom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrRange is returned for an access outside of the memory.
var ErrRange = errors.New("eeprom: access out of range")

// Words are stored little endian, as the AVR eeprom_update_dword does.
var order = binary.LittleEndian

func checkRange(off, n, size int) error {
	if off < 0 || off+n > size {
		return fmt.Errorf("%w: %d bytes at %d, size %d", ErrRange, n, off, size)
	}
	return nil
}

// Mem is a volatile position store, for benches without persistent memory
// and for tests.
//
// Writes storing a value equal to the current one are skipped and not
// counted.
type Mem struct {
	mu     sync.Mutex
	b      []byte
	writes int
}

// NewMem returns a zeroed store of the given size.
func NewMem(size int) *Mem {
	return &Mem{b: make([]byte, size)}
}

func (m *Mem) String() string {
	return fmt.Sprintf("mem(%d)", len(m.b))
}

// Writes returns how many writes reached the memory.
func (m *Mem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// LoadWord implements motion.Store.
func (m *Mem) LoadWord(off int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(off, 4, len(m.b)); err != nil {
		return 0, err
	}
	return int32(order.Uint32(m.b[off:])), nil
}

// StoreWord implements motion.Store.
func (m *Mem) StoreWord(off int, v int32) error {
	var b [4]byte
	order.PutUint32(b[:], uint32(v))
	return m.update(off, b[:])
}

// LoadByte implements motion.Store.
func (m *Mem) LoadByte(off int) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(off, 1, len(m.b)); err != nil {
		return 0, err
	}
	return m.b[off], nil
}

// StoreByte implements motion.Store.
func (m *Mem) StoreByte(off int, v byte) error {
	return m.update(off, []byte{v})
}

func (m *Mem) update(off int, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(off, len(b), len(m.b)); err != nil {
		return err
	}
	if bytes.Equal(m.b[off:off+len(b)], b) {
		return nil
	}
	copy(m.b[off:], b)
	m.writes++
	return nil
}
