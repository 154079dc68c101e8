// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package motion drives the step/direction axes of the instrument: stepper
// focuser stages and solenoid shutters.
//
// A Registry holds the axis table. Command handlers change targets through
// it while a Scheduler advances every axis by one half step per tick. Two
// ticks make one step: the step line is asserted on one and released on the
// next. A driver powered off is first enabled for a whole tick before its
// first step, and powered off again once all the axes sharing its enable
// line reached their target.
//
// Targets are persisted to a Store on every change and restored at startup
// as both target and current position; there is no homing.
package motion
