// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package panel shows the state of the axes and sensors on a display: a text
// Page for small monochrome screens such as an SSD1306 OLED, or a Strip of
// colored LEDs.
package panel
