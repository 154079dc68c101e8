// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"

	"github.com/GermanBionicSystems/focuser/config"
	"github.com/GermanBionicSystems/focuser/ds248x"
	"github.com/GermanBionicSystems/focuser/eeprom"
	"github.com/GermanBionicSystems/focuser/motion"
	"github.com/GermanBionicSystems/focuser/owgpio"
	"github.com/GermanBionicSystems/focuser/panel"
	"github.com/GermanBionicSystems/focuser/transport"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/host/v3"
)

// board is the hardware described by the configuration.
type board struct {
	cfg   *config.Config
	log   *slog.Logger
	reg   *motion.Registry
	store motion.Store
	buses []onewire.Bus
	leds  transport.LEDs
	panel display.Drawer
	page  *panel.Page
	web   *panel.Web
	strip *panel.Strip

	closers []func() error
}

// openBoard initializes the host and opens the sensor buses and, when
// withMotion is set, the position store, the axis outputs and the panel.
func openBoard(cfg *config.Config, log *slog.Logger, withMotion bool) (*board, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	b := &board{cfg: cfg, log: log}
	if withMotion {
		if err := b.openMotion(); err != nil {
			b.close()
			return nil, err
		}
	}
	bridges := map[string]*ds248x.Dev{}
	for _, bc := range cfg.Buses {
		bus, err := b.openBus(bc, bridges)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("bus %s: %w", bc.Name, err)
		}
		b.buses = append(b.buses, bus)
	}
	return b, nil
}

// openBus opens a sensor bus. Buses on channels of the same bridge share
// its Dev.
func (b *board) openBus(bc config.Bus, bridges map[string]*ds248x.Dev) (onewire.Bus, error) {
	if bc.Kind == "ds248x" {
		addr := bc.Addr
		if addr == 0 {
			addr = 0x18
		}
		key := fmt.Sprintf("%s/%#x", bc.I2CBus, addr)
		d := bridges[key]
		if d == nil {
			i, err := i2creg.Open(bc.I2CBus)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, i.Close)
			if d, err = ds248x.New(i, addr, nil); err != nil {
				return nil, err
			}
			bridges[key] = d
			b.log.Info("1-wire bridge", "dev", d.String())
		}
		return d.Channel(bc.Channel)
	}
	p, err := pin(bc.Pin)
	if err != nil {
		return nil, err
	}
	opts := &owgpio.Opts{Name: bc.Name}
	if b.reg != nil {
		opts.Mask = b.reg.Mask()
	}
	d := owgpio.New(p, opts)
	b.closers = append(b.closers, d.Halt)
	return d, nil
}

func (b *board) openMotion() error {
	if err := b.openStore(); err != nil {
		return err
	}
	mc, err := b.cfg.Motion()
	if err != nil {
		return err
	}
	outs := make([]motion.Outputs, len(b.cfg.Axes))
	for i, a := range b.cfg.Axes {
		o := &outs[i]
		o.InvertStep, o.InvertDir, o.EnableActiveHigh = a.InvertStep, a.InvertDir, a.EnableActiveHigh
		if o.Step, err = optPin(a.StepPin); err != nil {
			return fmt.Errorf("axis %s: %w", a.Name, err)
		}
		if o.Dir, err = optPin(a.DirPin); err != nil {
			return fmt.Errorf("axis %s: %w", a.Name, err)
		}
		en := a.EnablePin
		if en == "" && b.cfg.SharedEnable && mc.Axes[i].Kind == motion.Linear {
			en = b.cfg.EnablePin
		}
		if o.Enable, err = optPin(en); err != nil {
			return fmt.Errorf("axis %s: %w", a.Name, err)
		}
	}
	if b.reg, err = motion.New(mc, b.store, outs); err != nil {
		return err
	}
	for _, s := range b.reg.Snapshot() {
		b.log.Info("restored position", "axis", s.Name, "kind", s.Kind, "position", s.Current)
	}

	l := b.cfg.LEDs
	if b.leds.Conn, err = optPin(l.Conn); err != nil {
		return fmt.Errorf("conn led: %w", err)
	}
	if b.leds.RX, err = optPin(l.RX); err != nil {
		return fmt.Errorf("rx led: %w", err)
	}
	if b.leds.TX, err = optPin(l.TX); err != nil {
		return fmt.Errorf("tx led: %w", err)
	}
	return b.openPanel()
}

func (b *board) openStore() error {
	s := b.cfg.Store
	switch s.Backend {
	case "memory":
		b.store = eeprom.NewMem(s.Size)
	case "file":
		f, err := eeprom.OpenFile(s.Path, s.Size)
		if err != nil {
			return err
		}
		b.store = f
		b.closers = append(b.closers, f.Halt)
	case "at24":
		bus, err := i2creg.Open(s.I2CBus)
		if err != nil {
			return fmt.Errorf("at24: %w", err)
		}
		b.closers = append(b.closers, bus.Close)
		e, err := eeprom.NewAT24(bus, &eeprom.AT24Opts{Addr: s.Addr})
		if err != nil {
			return err
		}
		b.store = e
	default:
		return fmt.Errorf("unknown store backend %q", s.Backend)
	}
	return nil
}

func (b *board) openPanel() error {
	p := b.cfg.Panel
	switch p.Kind {
	case "oled":
		bus, err := i2creg.Open(p.I2CBus)
		if err != nil {
			return fmt.Errorf("panel: %w", err)
		}
		b.closers = append(b.closers, bus.Close)
		opts := ssd1306.DefaultOpts
		opts.W, opts.H = p.Width, p.Height
		opts.Sequential = p.Height == 32
		d, err := ssd1306.NewI2C(bus, &opts)
		if err != nil {
			return fmt.Errorf("panel: %w", err)
		}
		b.panel = d
		b.closers = append(b.closers, d.Halt)
		return b.newPage()
	case "web":
		b.web = panel.NewWeb(p.Width, p.Height)
		b.panel = b.web
		return b.newPage()
	case "console":
		c := panel.NewConsole(&panel.ConsoleOpts{X: len(b.cfg.Axes) + len(b.cfg.Buses)})
		b.strip = panel.NewStrip(c)
		b.closers = append(b.closers, c.Halt)
	}
	return nil
}

func (b *board) newPage() error {
	size := 10.0
	if b.cfg.Panel.Height < 64 {
		size = 8
	}
	var err error
	b.page, err = panel.NewPage(size)
	return err
}

// close releases everything in reverse order of opening.
func (b *board) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.log.Warn("close", "err", err)
		}
	}
	b.closers = nil
}

func pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no pin %q", name)
	}
	return p, nil
}

// optPin returns nil for an empty name.
func optPin(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, nil
	}
	return pin(name)
}
