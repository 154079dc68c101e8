// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eeprom

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// File is a position store backed by a fixed size image file, for hosts
// where the positions live on a filesystem.
//
// Each store is a single WriteAt followed by a Sync, so a failed write
// leaves the other slots intact.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size int
}

// OpenFile opens the image at path, creating it zero filled when missing. An
// existing image shorter than size is extended with zeros.
func OpenFile(path string, size int) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("eeprom: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eeprom: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("eeprom: %w", err)
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("eeprom: %w", err)
		}
	}
	return &File{f: f, size: size}, nil
}

func (f *File) String() string {
	return "file(" + f.f.Name() + ")"
}

// Halt implements conn.Resource. It closes the image.
func (f *File) Halt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

// LoadWord implements motion.Store.
func (f *File) LoadWord(off int) (int32, error) {
	var b [4]byte
	if err := f.read(off, b[:]); err != nil {
		return 0, err
	}
	return int32(order.Uint32(b[:])), nil
}

// StoreWord implements motion.Store.
func (f *File) StoreWord(off int, v int32) error {
	var b [4]byte
	order.PutUint32(b[:], uint32(v))
	return f.update(off, b[:])
}

// LoadByte implements motion.Store.
func (f *File) LoadByte(off int) (byte, error) {
	var b [1]byte
	if err := f.read(off, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// StoreByte implements motion.Store.
func (f *File) StoreByte(off int, v byte) error {
	return f.update(off, []byte{v})
}

func (f *File) read(off int, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(off, b)
}

func (f *File) readLocked(off int, b []byte) error {
	if err := checkRange(off, len(b), f.size); err != nil {
		return err
	}
	if _, err := f.f.ReadAt(b, int64(off)); err != nil && err != io.EOF {
		return fmt.Errorf("eeprom: %w", err)
	}
	return nil
}

func (f *File) update(off int, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := make([]byte, len(b))
	if err := f.readLocked(off, cur); err != nil {
		return err
	}
	if bytes.Equal(cur, b) {
		return nil
	}
	if _, err := f.f.WriteAt(b, int64(off)); err != nil {
		return fmt.Errorf("eeprom: %w", err)
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("eeprom: %w", err)
	}
	return nil
}
