// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2438

import (
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family is the 1-wire family code of the DS2438.
const Family = 0x26

const (
	cmdWriteScratchpad = 0x4e
	cmdConvertT        = 0x44
	cmdConvertV        = 0xb4
	cmdRecallPage      = 0xb8
	cmdReadScratchpad  = 0xbe

	// Status/configuration register bit selecting VDD instead of VAD as the
	// A/D input.
	cfgAD = 0x08
)

// settle is the time given to each configuration write and conversion.
const settle = 20 * time.Millisecond

// Reading is the result of a measurement.
type Reading struct {
	Temperature physic.Temperature
	Humidity    physic.RelativeHumidity
	// VAD is the humidity probe output, VDD the supply it is ratiometric to.
	VAD, VDD physic.ElectricPotential
}

// Measure runs a temperature conversion and both voltage conversions on the
// only device on the bus and computes the relative humidity of the probe
// wired to VAD.
func Measure(o onewire.Bus) (Reading, error) {
	var r Reading
	if err := selectInput(o, 0); err != nil {
		return r, err
	}
	sleep(settle)
	if err := o.Tx([]byte{0xcc, cmdConvertT}, nil, onewire.WeakPullup); err != nil {
		return r, err
	}
	sleep(settle)
	if err := o.Tx([]byte{0xcc, cmdConvertV}, nil, onewire.WeakPullup); err != nil {
		return r, err
	}
	sleep(settle)
	page, err := ReadPage(o, 0)
	if err != nil {
		return r, err
	}
	r.VAD = DecodeVoltage(page)
	sleep(settle)

	if err := selectInput(o, cfgAD); err != nil {
		return r, err
	}
	if err := o.Tx([]byte{0xcc, cmdConvertV}, nil, onewire.WeakPullup); err != nil {
		return r, err
	}
	sleep(settle)
	if page, err = ReadPage(o, 0); err != nil {
		return r, err
	}
	r.VDD = DecodeVoltage(page)
	r.Temperature = DecodeTemperature(page)
	r.Humidity = Humidity(r.VAD, r.VDD, r.Temperature)
	return r, nil
}

// ReadPage recalls a memory page into the scratchpad and reads it back. It
// returns the 8 bytes of the page once the CRC is checked.
func ReadPage(o onewire.Bus, page byte) ([]byte, error) {
	if err := o.Tx([]byte{0xcc, cmdRecallPage, page}, nil, onewire.WeakPullup); err != nil {
		return nil, err
	}
	var spad [9]byte
	if err := o.Tx([]byte{0xcc, cmdReadScratchpad, page}, spad[:], onewire.WeakPullup); err != nil {
		return nil, err
	}
	if !onewire.CheckCRC(spad[:]) {
		for _, s := range spad {
			if s != 0xff {
				return nil, fmt.Errorf("ds2438: page %d: %w", page, common.ErrChecksum)
			}
		}
		return nil, fmt.Errorf("ds2438: device did not respond: %w", common.ErrNotFound)
	}
	return spad[:8], nil
}

// DecodeTemperature decodes the temperature register of page 0, a signed 13
// bits value left aligned in bytes 1 and 2 with 0.03125°C per count.
func DecodeTemperature(page []byte) physic.Temperature {
	// 1/32°C steps; a fraction taken as 0.032°C per step is off in the
	// third decimal, and a byte integer part cannot go below zero.
	raw := (int16(page[2])<<8 | int16(page[1])) >> 3
	return physic.Temperature(raw)*physic.Kelvin/32 + physic.ZeroCelsius
}

// DecodeVoltage decodes the voltage register of page 0, 10mV per count.
func DecodeVoltage(page []byte) physic.ElectricPotential {
	raw := uint16(page[4])<<8 | uint16(page[3])
	return physic.ElectricPotential(raw) * 10 * physic.MilliVolt
}

// Humidity computes the temperature compensated relative humidity of a
// HIH-4000 style probe whose output vad is ratiometric to its supply vdd.
//
// It returns 0 when vdd is 0.
func Humidity(vad, vdd physic.ElectricPotential, t physic.Temperature) physic.RelativeHumidity {
	if vdd == 0 {
		return 0
	}
	c := t.Celsius()
	rh := (float64(vad)/float64(vdd) - 0.16) / (0.0062 * (1.0546 - 0.00216*c))
	return physic.RelativeHumidity(rh * float64(physic.PercentRH))
}

// New returns a handle to the only DS2438 on the bus.
func New(o onewire.Bus) *Dev {
	return &Dev{bus: o}
}

// Dev is a handle to a DS2438 smart battery monitor used as a humidity
// sensor.
type Dev struct {
	bus onewire.Bus
}

func (d *Dev) String() string {
	return "DS2438{" + d.bus.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	r, err := Measure(d.bus)
	if err != nil {
		return err
	}
	e.Temperature = r.Temperature
	e.Humidity = r.Humidity
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds2438: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 32
	e.Humidity = physic.PercentRH / 10
}

func selectInput(o onewire.Bus, cfg byte) error {
	return o.Tx([]byte{0xcc, cmdWriteScratchpad, 0, cfg}, nil, onewire.WeakPullup)
}

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
