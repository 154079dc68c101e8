// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/GermanBionicSystems/focuser/motion"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Config is the daemon configuration.
type Config struct {
	Serial Serial `yaml:"serial"`
	// Listen is the address of the WebSocket command endpoint, disabled when
	// empty.
	Listen string `yaml:"listen"`

	// TickRate is the motion scheduler rate, e.g. "7.8125kHz". Axes step at
	// half of it.
	TickRate string `yaml:"tick_rate"`
	// DownsampleBits is the power of two between command units and steps.
	DownsampleBits uint `yaml:"downsample_bits"`
	// SharedEnable drives all linear axes from EnablePin.
	SharedEnable bool   `yaml:"shared_enable"`
	EnablePin    string `yaml:"enable_pin"`
	Axes         []Axis `yaml:"axes"`

	Buses []Bus `yaml:"buses"`
	Store Store `yaml:"store"`
	Panel Panel `yaml:"panel"`
	LEDs  LEDs  `yaml:"leds"`

	LogLevel string `yaml:"log_level"`
}

// Serial is the serial command port.
type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Axis describes one motion axis and its drive pins.
type Axis struct {
	Name string `yaml:"name"`
	// Kind is "linear" or "shutter".
	Kind      string `yaml:"kind"`
	StepPin   string `yaml:"step_pin"`
	DirPin    string `yaml:"dir_pin"`
	EnablePin string `yaml:"enable_pin"`

	InvertStep       bool `yaml:"invert_step"`
	InvertDir        bool `yaml:"invert_dir"`
	EnableActiveHigh bool `yaml:"enable_active_high"`

	// MaxSteps is the travel of a shutter.
	MaxSteps int32 `yaml:"max_steps"`
	// Slot pins the persisted position at a fixed offset of the store.
	Slot *int `yaml:"slot"`
}

// Bus is a 1-wire sensor bus, bit-banged on a GPIO pin or behind a DS248x
// I²C bridge.
type Bus struct {
	Name string `yaml:"name"`
	// Kind is "gpio" or "ds248x".
	Kind string `yaml:"kind"`
	Pin  string `yaml:"pin"`

	I2CBus string `yaml:"i2c_bus"`
	// Addr defaults to 0x18.
	Addr uint16 `yaml:"addr"`
	// Channel selects the channel of a DS2482-800.
	Channel int `yaml:"channel"`
}

// Store selects where positions are persisted.
type Store struct {
	// Backend is "file", "at24" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	I2CBus  string `yaml:"i2c_bus"`
	Addr    uint16 `yaml:"addr"`
	Size    int    `yaml:"size"`
}

// Panel selects the status display.
type Panel struct {
	// Kind is "none", "oled", "web" or "console". The web panel is served
	// at /panel.png on the listen address.
	Kind   string `yaml:"kind"`
	I2CBus string `yaml:"i2c_bus"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	// Refresh is the redraw period, e.g. "500ms".
	Refresh string `yaml:"refresh"`
}

// LEDs are the optional transport status LEDs.
type LEDs struct {
	RX   string `yaml:"rx"`
	TX   string `yaml:"tx"`
	Conn string `yaml:"conn"`
}

// Default returns the configuration of the stock two channel focuser
// board: two stepper channels behind a shared enable line, positions kept
// at 1/16 of the command resolution.
func Default() *Config {
	return &Config{
		Serial:         Serial{Port: "/dev/ttyGS0", Baud: 115200},
		TickRate:       "7.8125kHz",
		DownsampleBits: 4,
		SharedEnable:   true,
		EnablePin:      "GPIO4",
		Axes: []Axis{
			{Name: "ch1", Kind: "linear", StepPin: "GPIO17", DirPin: "GPIO27"},
			{Name: "ch2", Kind: "linear", StepPin: "GPIO22", DirPin: "GPIO23"},
		},
		Buses: []Bus{{Name: "W1", Pin: "GPIO24"}},
		Store: Store{Backend: "file", Path: "/var/lib/focuserd/positions.bin", Size: 64},
		Panel: Panel{Kind: "none", Width: 128, Height: 64, Refresh: "500ms"},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := c.Rate(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Motion(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	names := map[string]bool{}
	for _, b := range c.Buses {
		if b.Name == "" {
			return errors.New("config: bus without a name")
		}
		switch b.Kind {
		case "", "gpio":
			if b.Pin == "" {
				return fmt.Errorf("config: bus %q needs a pin", b.Name)
			}
		case "ds248x":
			if b.Channel < 0 || b.Channel > 7 {
				return fmt.Errorf("config: bus %q has invalid channel %d", b.Name, b.Channel)
			}
		default:
			return fmt.Errorf("config: bus %q has unknown kind %q", b.Name, b.Kind)
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate bus %q", b.Name)
		}
		names[b.Name] = true
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return errors.New("config: file store needs a path")
		}
	case "at24":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Panel.Kind {
	case "", "none", "console", "oled":
	case "web":
		if c.Listen == "" {
			return errors.New("config: web panel needs a listen address")
		}
	default:
		return fmt.Errorf("config: unknown panel %q", c.Panel.Kind)
	}
	return nil
}

// Rate parses TickRate.
func (c *Config) Rate() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.TickRate); err != nil {
		return 0, fmt.Errorf("config: tick_rate: %w", err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("config: tick_rate %s must be positive", f)
	}
	return f, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// Motion returns the axis table.
func (c *Config) Motion() (motion.Config, error) {
	m := motion.Config{SharedEnable: c.SharedEnable, DownsampleBits: c.DownsampleBits}
	names := map[string]bool{}
	for _, a := range c.Axes {
		if a.Name == "" {
			return m, errors.New("axis without a name")
		}
		if names[a.Name] {
			return m, fmt.Errorf("duplicate axis %q", a.Name)
		}
		names[a.Name] = true
		ac := motion.AxisConfig{Name: a.Name, MaxSteps: a.MaxSteps, Slot: motion.AutoSlot}
		switch a.Kind {
		case "", "linear":
			ac.Kind = motion.Linear
		case "shutter":
			ac.Kind = motion.Shutter
		default:
			return m, fmt.Errorf("axis %q: unknown kind %q", a.Name, a.Kind)
		}
		if a.Slot != nil {
			ac.Slot = *a.Slot
		}
		m.Axes = append(m.Axes, ac)
	}
	if _, err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
