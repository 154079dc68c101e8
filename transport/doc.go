// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package transport carries the focuser line protocol over a serial port or
// a WebSocket, and drives the link status LEDs.
package transport
