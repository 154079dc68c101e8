// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2438 interfaces to a Maxim DS2438 smart battery monitor wired as
// a relative humidity sensor: a ratiometric humidity probe drives the VAD
// input and the on-chip sensor provides the temperature used for
// compensation.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS2438.pdf
package ds2438
