// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the YAML configuration of focuserd.
//
// A file only needs the keys that differ from Default:
//
//	tick_rate: 4kHz
//	axes:
//	  - {name: focus, step_pin: GPIO17, dir_pin: GPIO27}
//	  - {name: shutter, kind: shutter, step_pin: GPIO5, enable_pin: GPIO6, max_steps: 400}
//	store: {backend: at24, i2c_bus: "1"}
package config
