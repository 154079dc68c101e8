// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import "periph.io/x/conn/v3/onewire"

var (
	// ErrNotFound is returned when no device answered a bus reset with a
	// presence pulse.
	ErrNotFound = BusError("onewire: no device present")

	// ErrChecksum is returned when a ROM code or a scratchpad fails its CRC.
	ErrChecksum = BusError("onewire: CRC mismatch")

	// ErrBusConflict is returned when a search reads 1 for both a bit and
	// its complement: no device pulled the line low.
	ErrBusConflict = BusError("onewire: search read 1 for bit and complement")
)

// BusError implements error and onewire.BusError.
//
// Errors of this type describe the 1-wire bus or the devices on it, never the
// host side, so they are never fatal to the bus master.
type BusError string

func (e BusError) Error() string  { return string(e) }
func (e BusError) BusError() bool { return true }

var _ onewire.BusError = ErrNotFound
