// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2438

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"github.com/GermanBionicSystems/focuser/owgpio"
	"github.com/GermanBionicSystems/focuser/owgpio/owgpiotest"
	"periph.io/x/conn/v3/onewire/onewiretest"
	"periph.io/x/conn/v3/physic"
)

func TestMeasure(t *testing.T) {
	ops := []onewiretest.IO{
		// Select VAD, convert T and V.
		{W: []uint8{0xcc, 0x4e, 0x00, 0x00}},
		{W: []uint8{0xcc, 0x44}},
		{W: []uint8{0xcc, 0xb4}},
		// Recall and read page 0.
		{W: []uint8{0xcc, 0xb8, 0x00}},
		{W: []uint8{0xcc, 0xbe, 0x00}, R: []uint8{0x00, 0x00, 0x14, 0xc8, 0x00, 0x00, 0x00, 0x00, 0x9b}},
		// Select VDD, convert V.
		{W: []uint8{0xcc, 0x4e, 0x00, 0x08}},
		{W: []uint8{0xcc, 0xb4}},
		{W: []uint8{0xcc, 0xb8, 0x00}},
		{W: []uint8{0xcc, 0xbe, 0x00}, R: []uint8{0x08, 0x00, 0x14, 0xf4, 0x01, 0x00, 0x00, 0x00, 0x9b}},
	}
	bus := onewiretest.Playback{Ops: ops}
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleep = func(time.Duration) {} }()
	r, err := Measure(&bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Temperature.Celsius() != 20 {
		t.Errorf("temperature %s", r.Temperature)
	}
	if r.VAD != 2*physic.Volt || r.VDD != 5*physic.Volt {
		t.Errorf("VAD %s VDD %s", r.VAD, r.VDD)
	}
	if h := float64(r.Humidity) / float64(physic.PercentRH); math.Abs(h-38.2734) > 0.001 {
		t.Errorf("humidity %f", h)
	}
	if len(sleeps) != 5 {
		t.Errorf("expected 5 waits, got %v", sleeps)
	}
	for _, s := range sleeps {
		if s != 20*time.Millisecond {
			t.Errorf("unexpected wait %s", s)
		}
	}
}

func TestMeasure_checksum(t *testing.T) {
	ops := []onewiretest.IO{
		{W: []uint8{0xcc, 0x4e, 0x00, 0x00}},
		{W: []uint8{0xcc, 0x44}},
		{W: []uint8{0xcc, 0xb4}},
		{W: []uint8{0xcc, 0xb8, 0x00}},
		{W: []uint8{0xcc, 0xbe, 0x00}, R: []uint8{0x00, 0x00, 0x14, 0xc8, 0x00, 0x00, 0x00, 0x00, 0x9a}},
	}
	bus := onewiretest.Playback{Ops: ops}
	if _, err := Measure(&bus); !errors.Is(err, common.ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestMeasure_fail_io(t *testing.T) {
	bus := &onewiretest.Playback{DontPanic: true}
	if _, err := Measure(bus); err == nil {
		t.Fatal("invalid io")
	}
}

func TestMeasure_gpio_bus(t *testing.T) {
	l := owgpiotest.NewLine(owgpiotest.NewBatteryMonitor(owgpiotest.MakeAddress(Family, 3), -10.25, 1.5, 4.8))
	d := New(owgpio.New(l, &owgpio.Opts{Name: "bus0", Delay: l.Delay}))
	if s := d.String(); s != "DS2438{bus0}" {
		t.Fatal(s)
	}
	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if e.Temperature.Celsius() != -10.25 {
		t.Errorf("temperature %s", e.Temperature)
	}
	want := Humidity(150*10*physic.MilliVolt, 480*10*physic.MilliVolt, e.Temperature)
	if e.Humidity != want {
		t.Errorf("humidity %s, want %s", e.Humidity, want)
	}
}

func TestMeasure_gpio_not_found(t *testing.T) {
	l := owgpiotest.NewLine()
	if _, err := Measure(owgpio.New(l, &owgpio.Opts{Delay: l.Delay})); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecodeTemperature(t *testing.T) {
	data := []struct {
		page []byte
		want float64
	}{
		{[]byte{0, 0x00, 0x14, 0, 0, 0, 0, 0}, 20},
		{[]byte{0, 0x08, 0x00, 0, 0, 0, 0, 0}, 0.03125},
		{[]byte{0, 0x80, 0x19, 0, 0, 0, 0, 0}, 25.5},
		{[]byte{0, 0xc0, 0xf5, 0, 0, 0, 0, 0}, -10.25},
		{[]byte{0, 0xf8, 0xff, 0, 0, 0, 0, 0}, -0.03125},
	}
	for _, line := range data {
		if got := DecodeTemperature(line.page).Celsius(); got != line.want {
			t.Errorf("%#v: got %f, want %f", line.page, got, line.want)
		}
	}
}

func TestHumidity(t *testing.T) {
	if h := Humidity(physic.Volt, 0, physic.ZeroCelsius); h != 0 {
		t.Fatal(h)
	}
	// 0.8V out of 5V is 0%RH at 0°C.
	h := Humidity(800*physic.MilliVolt, 5*physic.Volt, physic.ZeroCelsius)
	if math.Abs(float64(h)) > 1 {
		t.Fatal(h)
	}
}

func TestPrecision(t *testing.T) {
	e := physic.Env{}
	New(nil).Precision(&e)
	if e.Temperature != physic.Kelvin/32 || e.Humidity != physic.PercentRH/10 {
		t.Fatal(e)
	}
}

func init() {
	sleep = func(time.Duration) {}
}
