// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/focuser/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

// Resolution returns the temperature step of one count of the raw register:
// 0.5°C for the DS18S20, 0.0625°C for the DS18B20 in 12 bits mode.
func (f Family) Resolution() physic.Temperature {
	if f == DS18S20 {
		return physic.Kelvin / 2
	}
	return physic.Kelvin / 16
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// ConversionTime is the worst case conversion time of both families, 12 bits
// resolution for the DS18B20.
const ConversionTime = 750 * time.Millisecond

// ConvertAll starts a conversion on all devices on the bus.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices. It returns without waiting for the conversion to finish;
// use Measure to wait ConversionTime and read a single device.
func ConvertAll(o onewire.Bus) error {
	return o.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup)
}

// ReadScratchpad reads the 9 bytes of scratchpad of the device at addr and
// checks the CRC. It returns the 8 bytes of scratchpad data (excluding the CRC
// byte).
func ReadScratchpad(o onewire.Bus, addr onewire.Address) ([]byte, error) {
	d := onewire.Dev{Bus: o, Addr: addr}
	var spad [9]byte
	if err := d.Tx([]byte{0xbe}, spad[:]); err != nil {
		return nil, err
	}
	return checkScratchpad(spad[:])
}

// Measure converts and reads the temperature of the device at addr.
//
// The conversion is broadcast to every device on the bus, then Measure waits
// ConversionTime before addressing the device.
func Measure(o onewire.Bus, addr onewire.Address) (physic.Temperature, error) {
	if err := ConvertAll(o); err != nil {
		return 0, err
	}
	sleep(ConversionTime)
	spad, err := ReadScratchpad(o, addr)
	if err != nil {
		return 0, err
	}
	return Decode(Family(addr&0xFF), spad), nil
}

// MeasureSkipROM converts and reads the temperature of the only device on the
// bus, whose family was identified by a previous read ROM.
func MeasureSkipROM(o onewire.Bus, f Family) (physic.Temperature, error) {
	if err := ConvertAll(o); err != nil {
		return 0, err
	}
	// TODO: wait ConversionTime here as Measure does once field units confirm
	// the actual conversion time; until then the scratchpad may hold the
	// previous conversion.
	var spad [9]byte
	if err := o.Tx([]byte{0xcc, 0xbe}, spad[:], onewire.WeakPullup); err != nil {
		return 0, err
	}
	b, err := checkScratchpad(spad[:])
	if err != nil {
		return 0, err
	}
	return Decode(f, b), nil
}

// Decode converts the signed raw register held in the first two bytes of the
// scratchpad, LSB first.
func Decode(f Family, spad []byte) physic.Temperature {
	raw := int16(spad[1])<<8 | int16(spad[0])
	return physic.Temperature(raw)*f.Resolution() + physic.ZeroCelsius
}

// New returns an object that communicates over 1-wire to the DS18B20 or
// DS18S20 sensor with the specified 64-bit address.
//
// It reads the scratchpad once to confirm the device answers.
func New(o onewire.Bus, addr onewire.Address) (*Dev, error) {
	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}}
	switch d.Family() {
	case DS18B20, DS18S20:
	default:
		return nil, fmt.Errorf("ds18b20: unsupported family %#02x", byte(addr))
	}
	if _, err := ReadScratchpad(o, addr); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 or DS18S20 temperature
// sensor on a 1-wire bus.
type Dev struct {
	onewire onewire.Dev // device on 1-wire bus
}

func (d *Dev) Family() Family {
	return Family(d.onewire.Addr & 0xFF)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	t, err := Measure(d.onewire.Bus, d.onewire.Addr)
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = d.Family().Resolution()
}

// checkScratchpad checks the CRC of a 9 bytes scratchpad and returns the 8
// data bytes.
func checkScratchpad(spad []byte) ([]byte, error) {
	if !onewire.CheckCRC(spad) {
		for _, s := range spad {
			if s != 0xff {
				return nil, fmt.Errorf("ds18b20: scratchpad: %w", common.ErrChecksum)
			}
		}
		// Nobody drove the line: the device is gone.
		return nil, fmt.Errorf("ds18b20: device did not respond: %w", common.ErrNotFound)
	}
	return spad[:8], nil
}

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
