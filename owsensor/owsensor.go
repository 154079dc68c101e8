// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owsensor

import (
	"errors"
	"fmt"

	"github.com/GermanBionicSystems/focuser/common"
	"github.com/GermanBionicSystems/focuser/ds18b20"
	"github.com/GermanBionicSystems/focuser/ds2438"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Kind tells what a Reading holds.
type Kind int

const (
	// KindNotFound means no device answered the reset.
	KindNotFound Kind = iota
	// KindFailed means the device answered but the exchange failed, usually
	// on a CRC mismatch. Err holds the cause.
	KindFailed
	// KindTemperature is a DS18S20 or DS18B20 reading.
	KindTemperature
	// KindTemperatureHumidity is a DS2438 reading.
	KindTemperatureHumidity
	// KindUnknown means the family is not supported; Family holds it.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindFailed:
		return "Failed"
	case KindTemperature:
		return "Temperature"
	case KindTemperatureHumidity:
		return "TemperatureHumidity"
	case KindUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// FailureToken is what a failed read formats to.
const FailureToken = "ERR"

// Reading is the outcome of reading a sensor. It is never an error by itself:
// failures are reported as KindNotFound or KindFailed with Err set.
type Reading struct {
	Kind        Kind
	Family      byte
	Temperature physic.Temperature
	Humidity    physic.RelativeHumidity
	Err         error
}

// String returns the family tagged form used to report an auto-detected
// sensor: "T;25.062", "TH;21.500;43.120", "UNKNOWN;0x3A" or "NONE".
func (r Reading) String() string {
	switch r.Kind {
	case KindNotFound:
		return "NONE"
	case KindTemperature:
		if r.Family == byte(ds18b20.DS18S20) {
			return fmt.Sprintf("T;%0.1f", r.Temperature.Celsius())
		}
		return fmt.Sprintf("T;%0.3f", r.Temperature.Celsius())
	case KindTemperatureHumidity:
		return fmt.Sprintf("TH;%0.3f;%0.3f", r.Temperature.Celsius(), percent(r.Humidity))
	case KindUnknown:
		return fmt.Sprintf("UNKNOWN;0x%02X", r.Family)
	default:
		return FailureToken
	}
}

// Value returns the bare decimal form used to report a sensor read by
// address, or FailureToken.
func (r Reading) Value() string {
	switch r.Kind {
	case KindTemperature:
		if r.Family == byte(ds18b20.DS18S20) {
			return fmt.Sprintf("%.1f", r.Temperature.Celsius())
		}
		return fmt.Sprintf("%.4f", r.Temperature.Celsius())
	case KindTemperatureHumidity:
		return fmt.Sprintf("%.3f;%.3f", r.Temperature.Celsius(), percent(r.Humidity))
	default:
		return FailureToken
	}
}

// Probe identifies the only device on the bus with a read ROM and reads it
// with the protocol of its family.
//
// A reading spans several transactions; the caller keeps other users off
// the bus until Probe returns.
func Probe(o onewire.Bus) Reading {
	var family [1]byte
	if err := o.Tx([]byte{0x33}, family[:], onewire.WeakPullup); err != nil {
		return failed(0, err)
	}
	f := family[0]
	switch f {
	case byte(ds18b20.DS18S20), byte(ds18b20.DS18B20):
		t, err := ds18b20.MeasureSkipROM(o, ds18b20.Family(f))
		if err != nil {
			return failed(f, err)
		}
		return Reading{Kind: KindTemperature, Family: f, Temperature: t}
	case ds2438.Family:
		m, err := ds2438.Measure(o)
		if err != nil {
			return failed(f, err)
		}
		return Reading{Kind: KindTemperatureHumidity, Family: f, Temperature: m.Temperature, Humidity: m.Humidity}
	default:
		return Reading{Kind: KindUnknown, Family: f}
	}
}

// Read reads the temperature sensor at addr. As with Probe, the caller keeps
// other users off the bus until it returns.
//
// Only the DS18S20 and DS18B20 families can be read by address; any other
// family yields KindUnknown without touching the bus.
func Read(o onewire.Bus, addr onewire.Address) Reading {
	f := byte(addr)
	switch f {
	case byte(ds18b20.DS18S20), byte(ds18b20.DS18B20):
	default:
		return Reading{Kind: KindUnknown, Family: f}
	}
	t, err := ds18b20.Measure(o, addr)
	if err != nil {
		return failed(f, err)
	}
	return Reading{Kind: KindTemperature, Family: f, Temperature: t}
}

func failed(family byte, err error) Reading {
	k := KindFailed
	if errors.Is(err, common.ErrNotFound) {
		k = KindNotFound
	}
	return Reading{Kind: k, Family: family, Err: err}
}

func percent(h physic.RelativeHumidity) float64 {
	return float64(h) / float64(physic.PercentRH)
}
