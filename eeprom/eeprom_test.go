// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eeprom

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestMem(t *testing.T) {
	m := NewMem(16)
	if s := m.String(); s != "mem(16)" {
		t.Fatal(s)
	}
	if err := m.StoreWord(4, -2); err != nil {
		t.Fatal(err)
	}
	if v, err := m.LoadWord(4); err != nil || v != -2 {
		t.Fatal(v, err)
	}
	if b, _ := m.LoadByte(4); b != 0xfe {
		t.Fatalf("little endian expected, got %#x", b)
	}
	if err := m.StoreWord(4, -2); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreByte(15, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreByte(15, 1); err != nil {
		t.Fatal(err)
	}
	if n := m.Writes(); n != 2 {
		t.Fatalf("unchanged values must not be written, %d writes", n)
	}
	if _, err := m.LoadWord(13); !errors.Is(err, ErrRange) {
		t.Fatal(err)
	}
	if err := m.StoreByte(-1, 0); !errors.Is(err, ErrRange) {
		t.Fatal(err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.bin")
	f, err := OpenFile(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := f.LoadWord(0); err != nil || v != 0 {
		t.Fatal("fresh image must read zero", v, err)
	}
	if err := f.StoreWord(0, 123456); err != nil {
		t.Fatal(err)
	}
	if err := f.StoreByte(8, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.StoreWord(0, 123456); err != nil {
		t.Fatal(err)
	}
	if _, err := f.LoadByte(32); !errors.Is(err, ErrRange) {
		t.Fatal(err)
	}
	if err := f.Halt(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 32 || raw[0] != 0x40 || raw[1] != 0xe2 || raw[2] != 0x01 || raw[8] != 1 {
		t.Fatalf("%#v", raw)
	}

	// Reopen with a larger size: contents are kept.
	f, err = OpenFile(path, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Halt()
	if v, err := f.LoadWord(0); err != nil || v != 123456 {
		t.Fatal(v, err)
	}
	if b, err := f.LoadByte(63); err != nil || b != 0 {
		t.Fatal(b, err)
	}
}

func TestOpenFile_errors(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "x"), 0); err == nil {
		t.Fatal("invalid size")
	}
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing", "x"), 8); err == nil {
		t.Fatal("missing directory")
	}
}

func TestAT24(t *testing.T) {
	ops := []i2ctest.IO{
		// LoadWord
		{Addr: 0x50, W: []byte{0x00, 0x08}, R: []byte{0x2a, 0x00, 0x00, 0x00}},
		// StoreWord of the same value: read only.
		{Addr: 0x50, W: []byte{0x00, 0x08}, R: []byte{0x2a, 0x00, 0x00, 0x00}},
		// StoreWord of a new value.
		{Addr: 0x50, W: []byte{0x00, 0x08}, R: []byte{0x2a, 0x00, 0x00, 0x00}},
		{Addr: 0x50, W: []byte{0x00, 0x08, 0xff, 0xff, 0xff, 0xff}},
		// StoreByte high in memory.
		{Addr: 0x50, W: []byte{0x0f, 0xa0}, R: []byte{0x00}},
		{Addr: 0x50, W: []byte{0x0f, 0xa0, 0x01}},
		// LoadByte
		{Addr: 0x50, W: []byte{0x0f, 0xa0}, R: []byte{0x01}},
	}
	bus := &i2ctest.Playback{Ops: ops}
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleep = func(time.Duration) {} }()
	e, err := NewAT24(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := e.LoadWord(8); err != nil || v != 42 {
		t.Fatal(v, err)
	}
	if err := e.StoreWord(8, 42); err != nil {
		t.Fatal(err)
	}
	if err := e.StoreWord(8, -1); err != nil {
		t.Fatal(err)
	}
	if err := e.StoreByte(0xfa0, 1); err != nil {
		t.Fatal(err)
	}
	if b, err := e.LoadByte(0xfa0); err != nil || b != 1 {
		t.Fatal(b, err)
	}
	if !reflect.DeepEqual(sleeps, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}) {
		t.Fatalf("expected a write cycle per write: %v", sleeps)
	}
	if err := e.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAT24_errors(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	e, err := NewAT24(bus, &AT24Opts{Addr: 0x57, Size: 256, PageSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.StoreWord(14, 1); err == nil {
		t.Fatal("page crossing write")
	}
	if _, err := e.LoadWord(253); !errors.Is(err, ErrRange) {
		t.Fatal(err)
	}
	if _, err := e.LoadWord(0); err == nil {
		t.Fatal("bus failure")
	}
	if _, err := NewAT24(bus, &AT24Opts{Size: 100, PageSize: 32}); err == nil {
		t.Fatal("invalid geometry")
	}
}

func init() {
	sleep = func(time.Duration) {}
}
