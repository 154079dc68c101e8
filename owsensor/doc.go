// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owsensor reads the 1-wire sensors supported by the instrument,
// dispatching on the family code of their ROM.
//
// Supported families are 0x10 (DS18S20), 0x28 (DS18B20) and 0x26 (DS2438
// humidity probe). Other families are reported, not rejected.
package owsensor
