// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package eeprom provides the non-volatile stores the axis positions are
// persisted to: an AT24 I²C EEPROM, an image file or plain memory.
//
// All of them skip writes of a value equal to the one stored, to spare the
// endurance of the memory, and write every value with a single operation.
package eeprom
