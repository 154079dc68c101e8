// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains what the 1-wire bus master and the 1-wire device
// drivers share: ROM code helpers and the bus error taxonomy.
package common

import "periph.io/x/conn/v3/onewire"

// AddressBytes returns the ROM code in bus order: family code first, CRC
// last.
func AddressBytes(a onewire.Address) [8]byte {
	var b [8]byte
	for i := range b {
		b[i] = byte(a >> (8 * uint(i)))
	}
	return b
}

// Address assembles a ROM code from its bytes in bus order.
func Address(b [8]byte) onewire.Address {
	var a onewire.Address
	for i := 7; i >= 0; i-- {
		a = a<<8 | onewire.Address(b[i])
	}
	return a
}

// ValidAddress reports whether byte 7 of the ROM code is the CRC of bytes
// 0..6.
func ValidAddress(a onewire.Address) bool {
	b := AddressBytes(a)
	return onewire.CheckCRC(b[:])
}
