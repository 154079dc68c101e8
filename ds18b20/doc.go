// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 interfaces to Dallas Semi / Maxim DS18B20 and DS18S20
// 1-wire temperature sensors.
//
// Both families hold a signed 16 bits temperature register: 0.5°C per count
// on the DS18S20 (family 0x10), 0.0625°C per count on the DS18B20 (family
// 0x28) at its default 12 bits resolution.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS18S20.pdf
package ds18b20
