// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owgpiotest

import (
	"math"

	"periph.io/x/conn/v3/onewire"
)

// Thermometer is the function layer of a DS18S20 (family 0x10) or DS18B20
// (family 0x28).
type Thermometer struct {
	// Family selects the power-on value and the scratchpad layout.
	Family byte
	// Raw is the temperature register loaded by a conversion.
	Raw int16
	// BadCRC corrupts the CRC byte of the scratchpad.
	BadCRC bool

	converted bool
	config    byte
}

// NewThermometer returns a DS18x20 device whose conversions yield raw.
func NewThermometer(addr onewire.Address, raw int16) *Device {
	return &Device{Addr: addr, Function: &Thermometer{Family: byte(addr), Raw: raw, config: 0x7f}}
}

// Params implements Function.
func (t *Thermometer) Params(cmd byte) int {
	if cmd == 0x4e {
		if t.Family == 0x10 {
			return 2
		}
		return 3
	}
	return 0
}

// Exec implements Function.
func (t *Thermometer) Exec(cmd byte, params []byte) []byte {
	switch cmd {
	case 0x44:
		t.converted = true
	case 0x4e:
		if len(params) == 3 {
			t.config = params[2]
		}
	case 0xbe:
		raw := t.Raw
		if !t.converted {
			// Power-on value, 85°C.
			raw = 0x0550
			if t.Family == 0x10 {
				raw = 0x00aa
			}
		}
		cfg := t.config
		if t.Family == 0x10 {
			cfg = 0xff
		}
		spad := []byte{byte(raw), byte(raw >> 8), 0x4b, 0x46, cfg, 0xff, 0x0c, 0x10, 0}
		spad[8] = onewire.CalcCRC(spad[:8])
		if t.BadCRC {
			spad[8] ^= 0x01
		}
		return spad
	}
	return nil
}

// BatteryMonitor is the function layer of a DS2438 (family 0x26) wired as a
// humidity sensor: VAD carries the humidity probe output, VDD the supply.
type BatteryMonitor struct {
	// Temperature in °C loaded by a temperature conversion.
	Temperature float64
	// VAD and VDD in volts loaded by a voltage conversion.
	VAD, VDD float64
	// BadCRC corrupts the CRC byte of the scratchpad.
	BadCRC bool

	page0 [8]byte
}

// NewBatteryMonitor returns a DS2438 device.
func NewBatteryMonitor(addr onewire.Address, temperature, vad, vdd float64) *Device {
	return &Device{Addr: addr, Function: &BatteryMonitor{Temperature: temperature, VAD: vad, VDD: vdd}}
}

// Params implements Function.
func (b *BatteryMonitor) Params(cmd byte) int {
	switch cmd {
	case 0x4e:
		// Page number and the status/configuration byte.
		return 2
	case 0xb8, 0xbe:
		return 1
	}
	return 0
}

// Exec implements Function.
func (b *BatteryMonitor) Exec(cmd byte, params []byte) []byte {
	switch cmd {
	case 0x4e:
		if params[0] == 0 {
			b.page0[0] = params[1]
		}
	case 0x44:
		t := int16(math.Round(b.Temperature*32)) << 3
		b.page0[1] = byte(t)
		b.page0[2] = byte(t >> 8)
	case 0xb4:
		v := b.VAD
		if b.page0[0]&0x08 != 0 {
			v = b.VDD
		}
		raw := uint16(math.Round(v * 100))
		b.page0[3] = byte(raw)
		b.page0[4] = byte(raw >> 8)
	case 0xbe:
		if params[0] != 0 {
			return nil
		}
		spad := append(b.page0[:], 0)
		spad[8] = onewire.CalcCRC(spad[:8])
		if b.BadCRC {
			spad[8] ^= 0x01
		}
		return spad
	}
	return nil
}
