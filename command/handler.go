// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/GermanBionicSystems/focuser/common"
	"github.com/GermanBionicSystems/focuser/motion"
	"github.com/GermanBionicSystems/focuser/owsensor"
	"periph.io/x/conn/v3/onewire"
)

// Replies that carry no data.
const (
	Ack   = "$"
	Error = "?"
)

// Handler executes commands against the axis registry and the sensor buses.
//
// It is safe for concurrent use. Sensor commands run one at a time: a
// reading is a sequence of transactions that must not interleave with
// another one, and channels of a bridge share the same chip.
type Handler struct {
	reg   *motion.Registry
	buses []onewire.Bus
	log   *slog.Logger

	sensors sync.Mutex
}

// NewHandler returns a Handler. buses are numbered from 1 in the order given.
func NewHandler(reg *motion.Registry, buses []onewire.Bus, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reg: reg, buses: buses, log: log}
}

// HandleLine parses and executes a command line and returns the reply,
// without its line terminator.
func (h *Handler) HandleLine(ctx context.Context, line string) string {
	c, err := Parse(line)
	if err != nil {
		h.log.Debug("command rejected", "line", line, "err", err)
		return Error
	}
	return h.Handle(ctx, c)
}

// Handle executes c and returns the reply.
func (h *Handler) Handle(ctx context.Context, c Command) string {
	if ctx.Err() != nil {
		return Error
	}
	switch c := c.(type) {
	case Status:
		return h.status()
	case Stop:
		return h.axis(c.Axis, h.reg.StopAtCurrent)
	case Zero:
		return h.axis(c.Axis, h.reg.ZeroHere)
	case Move:
		return h.move(c)
	case Open:
		return h.axis(c.Axis, h.reg.Open)
	case Close:
		return h.axis(c.Axis, h.reg.Close)
	case Scan:
		return h.scan(c.Bus)
	case ReadSensor:
		r, ok := h.Read(c.Bus, c.Addr)
		if !ok {
			return Error
		}
		return r.Value()
	case Probe:
		r, ok := h.Probe(c.Bus)
		if !ok {
			return Error
		}
		return r.String()
	default:
		return Error
	}
}

// Probe identifies and reads the only sensor on bus i, numbered from 0. It
// returns false when there is no such bus.
func (h *Handler) Probe(i int) (owsensor.Reading, bool) {
	b, ok := h.bus(i)
	if !ok {
		return owsensor.Reading{}, false
	}
	h.sensors.Lock()
	r := owsensor.Probe(b)
	h.sensors.Unlock()
	h.logReading(i, r)
	return r, true
}

// Read reads the sensor at addr on bus i, numbered from 0. It returns false
// when there is no such bus.
func (h *Handler) Read(i int, addr onewire.Address) (owsensor.Reading, bool) {
	b, ok := h.bus(i)
	if !ok {
		return owsensor.Reading{}, false
	}
	h.sensors.Lock()
	r := owsensor.Read(b, addr)
	h.sensors.Unlock()
	h.logReading(i, r)
	return r, true
}

func (h *Handler) status() string {
	bits := h.reg.DownsampleBits()
	var parts []string
	for i, s := range h.reg.Snapshot() {
		n := i + 1
		if s.Kind == motion.Shutter {
			state := "CLOSED"
			switch {
			case s.Moving():
				state = "MOVING"
			case s.Open():
				state = "OPEN"
			}
			parts = append(parts, fmt.Sprintf("S%d=%s", n, state))
			continue
		}
		parts = append(parts, fmt.Sprintf("T%d=%+07d,C%d=%+07d", n, s.Target>>bits, n, s.Current>>bits))
	}
	return strings.Join(parts, ",")
}

func (h *Handler) move(c Move) string {
	s, err := h.reg.Status(c.Axis)
	if err != nil || s.Kind != motion.Linear {
		return Error
	}
	return h.axis(c.Axis, func(i int) error { return h.reg.SetTargetExternal(i, c.Target) })
}

// axis applies f to axis i. A persistence failure still acknowledges the
// command: the target is applied in memory.
func (h *Handler) axis(i int, f func(int) error) string {
	if err := f(i); err != nil {
		if errors.Is(err, motion.ErrNoAxis) || errors.Is(err, motion.ErrNotShutter) || errors.Is(err, motion.ErrOutOfRange) {
			return Error
		}
		h.log.Warn("position not persisted", "axis", i+1, "err", err)
	}
	return Ack
}

func (h *Handler) scan(i int) string {
	b, ok := h.bus(i)
	if !ok {
		return Error
	}
	h.sensors.Lock()
	found, err := b.Search(false)
	h.sensors.Unlock()
	if err != nil {
		if len(found) == 0 && !errors.Is(err, common.ErrNotFound) {
			h.log.Warn("bus search failed", "bus", i+1, "err", err)
			return Error
		}
		if len(found) != 0 {
			h.log.Warn("bus search incomplete", "bus", i+1, "found", len(found), "err", err)
		}
	}
	parts := make([]string, len(found))
	for j, a := range found {
		parts[j] = FormatAddress(a)
	}
	return strings.Join(parts, ",")
}

func (h *Handler) bus(i int) (onewire.Bus, bool) {
	if i < 0 || i >= len(h.buses) {
		return nil, false
	}
	return h.buses[i], true
}

func (h *Handler) logReading(bus int, r owsensor.Reading) {
	if r.Kind == owsensor.KindFailed {
		h.log.Warn("sensor read failed", "bus", bus+1, "family", fmt.Sprintf("%#02x", r.Family), "err", r.Err)
	}
}
