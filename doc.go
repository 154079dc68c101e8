// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package focuser is the controller of a motorized instrument: step and
// direction axes with persisted positions, 1-wire temperature and humidity
// sensors, and a line protocol to drive both.
//
// The daemon is cmd/focuserd. The packages are usable on their own: owgpio
// and ds248x are 1-wire bus masters, ds18b20, ds2438 and owsensor read the
// sensors, motion and eeprom move and remember the axes.
package focuser
