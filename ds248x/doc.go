// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248x drives the Maxim DS2482-100, DS2482-800 and DS2483 I²C to
// 1-wire bridges, an alternative to bit-banging a sensor bus on a GPIO when
// the host cannot meet the slot timings.
//
// # Datasheets
//
// https://datasheets.maximintegrated.com/en/ds/DS2482-100.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS2482-800.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS2483.pdf
package ds248x
