// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owgpio implements a 1-wire bus master by bit-banging a single
// open-drain GPIO line.
//
// The slots follow the standard speed timings of Maxim application note 126
// and the ROM search is the binary tree walk of application note 187. Every
// slot is a hard real-time busy wait; pass a Mask in Opts to keep a periodic
// task from running in the middle of one.
//
// Dev implements onewire.Bus so the device drivers of this repository, and
// periph's, can use it.
//
// # Datasheet
//
// https://www.analog.com/en/technical-articles/1wire-communication-through-software.html
package owgpio
