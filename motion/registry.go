// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// ErrNoAxis is returned for an axis index out of range.
var ErrNoAxis = errors.New("motion: no such axis")

// ErrNotShutter is returned by Open and Close on a Linear axis.
var ErrNotShutter = errors.New("motion: axis is not a shutter")

// ErrOutOfRange is returned by SetTargetExternal for a target that does not
// fit in internal steps.
var ErrOutOfRange = errors.New("motion: target out of range")

type axis struct {
	cfg   AxisConfig
	out   Outputs
	slot  int
	group int

	target  int32
	current int32
	enabled bool
	// phase is false when the next stepping tick asserts the step line.
	phase bool
	state State
}

// group is a set of axes sharing a driver enable line.
type group struct {
	enabled bool
	enable  Output
	active  gpio.Level
	members []int
}

// Stats counts scheduler events.
type Stats struct {
	Ticks        uint64
	OutputErrors uint64
	Overruns     uint64
}

// Registry owns the axis table. It is shared by the command handlers, which
// set targets, and the scheduler, which advances positions on every Tick.
//
// A single mutex serializes both sides: a Tick never observes a half applied
// mutation, and Mask exposes the same lock to code that must not be
// preempted by a Tick.
type Registry struct {
	mu         sync.Mutex
	axes       []axis
	groups     []group
	store      Store
	downsample uint
	stats      Stats
}

// New builds the axis table described by cfg and restores every axis from
// store: target and current both take the persisted value, so the axes
// resume as if already at target.
//
// outs holds the drive lines of each axis, in the order of cfg.Axes. It may
// be shorter than cfg.Axes, or nil, for axes without hardware.
func New(cfg Config, store Store, outs []Outputs) (*Registry, error) {
	slots, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("motion: nil store")
	}
	if len(outs) > len(cfg.Axes) {
		return nil, fmt.Errorf("motion: %d outputs for %d axes", len(outs), len(cfg.Axes))
	}
	r := &Registry{
		axes:       make([]axis, len(cfg.Axes)),
		store:      store,
		downsample: cfg.DownsampleBits,
	}
	shared := -1
	for i, c := range cfg.Axes {
		a := &r.axes[i]
		a.cfg = c
		a.slot = slots[i]
		if i < len(outs) {
			a.out = outs[i]
		}
		if a.cfg.Kind == Linear {
			v, err := store.LoadWord(a.slot)
			if err != nil {
				return nil, fmt.Errorf("motion: restoring %q: %w", c.Name, err)
			}
			a.target, a.current = v, v
		} else {
			v, err := store.LoadByte(a.slot)
			if err != nil {
				return nil, fmt.Errorf("motion: restoring %q: %w", c.Name, err)
			}
			if v != 0 {
				a.target, a.current = c.MaxSteps, c.MaxSteps
			}
		}

		if cfg.SharedEnable && c.Kind == Linear && shared >= 0 {
			a.group = shared
			g := &r.groups[shared]
			g.members = append(g.members, i)
			if g.enable == nil {
				g.enable, g.active = a.out.Enable, enableLevel(&a.out)
			}
			continue
		}
		a.group = len(r.groups)
		r.groups = append(r.groups, group{enable: a.out.Enable, active: enableLevel(&a.out), members: []int{i}})
		if cfg.SharedEnable && c.Kind == Linear {
			shared = a.group
		}
	}
	// Drivers start unpowered.
	for i := range r.groups {
		g := &r.groups[i]
		if g.enable != nil {
			if err := g.enable.Out(!g.active); err != nil {
				return nil, fmt.Errorf("motion: enable line: %w", err)
			}
		}
	}
	return r, nil
}

// Len returns the number of axes.
func (r *Registry) Len() int {
	return len(r.axes)
}

// DownsampleBits returns the power of two between external and internal
// position units.
func (r *Registry) DownsampleBits() uint {
	return r.downsample
}

// Mask returns the lock that keeps Tick from running. Bus masters pass it
// to owgpio so that time slots are never stretched by a Tick.
func (r *Registry) Mask() sync.Locker {
	return &r.mu
}

// SetTarget sets the target of axis i, in internal steps, and persists it.
// Shutter targets are clamped to [0, MaxSteps].
//
// The target is applied even when persisting fails; the Store error is
// returned for the caller to report and is not retried.
func (r *Registry) SetTarget(i int, v int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.axis(i)
	if err != nil {
		return err
	}
	a.target = a.clamp(v)
	return r.persist(a)
}

// SetTargetExternal sets the target of an axis in external units.
func (r *Registry) SetTargetExternal(i int, v int32) error {
	w := int64(v) << r.downsample
	if w > math.MaxInt32 || w < math.MinInt32 {
		return fmt.Errorf("%w: %d", ErrOutOfRange, v)
	}
	return r.SetTarget(i, int32(w))
}

// Open drives a Shutter to its open position.
func (r *Registry) Open(i int) error {
	return r.shutter(i, true)
}

// Close drives a Shutter to its closed position.
func (r *Registry) Close(i int) error {
	return r.shutter(i, false)
}

// StopAtCurrent makes the current position of axis i its target.
func (r *Registry) StopAtCurrent(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.axis(i)
	if err != nil {
		return err
	}
	a.target = a.current
	return r.persist(a)
}

// ZeroHere redefines the current position of axis i as 0 and stops it there.
func (r *Registry) ZeroHere(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.axis(i)
	if err != nil {
		return err
	}
	a.target, a.current = 0, 0
	return r.persist(a)
}

// Status returns a consistent snapshot of axis i.
func (r *Registry) Status(i int) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.axis(i)
	if err != nil {
		return Status{}, err
	}
	return a.status(), nil
}

// Snapshot returns a consistent snapshot of every axis.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := make([]Status, len(r.axes))
	for i := range r.axes {
		s[i] = r.axes[i].status()
	}
	return s
}

// Stats returns the scheduler counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Tick advances every axis by one timer tick. Two ticks make one step.
//
// A group whose driver is off and has an axis away from its target is
// enabled and otherwise left alone for this tick, giving the driver time to
// power up. A group whose axes are all at target is disabled. Each axis of
// an enabled group asserts its step line and moves one step toward its
// target on every other tick, and releases the step line on the ticks in
// between.
//
// Tick does constant work per axis and never blocks except on the Mask.
func (r *Registry) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Ticks++
	for gi := range r.groups {
		g := &r.groups[gi]
		if !g.enabled {
			if r.atTarget(g) {
				continue
			}
			g.enabled = true
			r.write(g.enable, g.active)
			for _, i := range g.members {
				a := &r.axes[i]
				a.enabled = true
				a.phase = false
				a.state = EnablingThisTick
			}
			continue
		}
		if r.atTarget(g) {
			g.enabled = false
			r.write(g.enable, !g.active)
			for _, i := range g.members {
				a := &r.axes[i]
				a.enabled = false
				a.state = HoldingAtTarget
				r.write(a.out.Step, gpio.Level(a.out.InvertStep))
			}
			continue
		}
		for _, i := range g.members {
			r.step(&r.axes[i])
		}
	}
}

func (r *Registry) step(a *axis) {
	forward := gpio.Level(!a.out.InvertDir)
	switch {
	case a.current < a.target:
		a.state = SteppingForward
		r.write(a.out.Dir, forward)
		if !a.phase {
			r.write(a.out.Step, gpio.Level(!a.out.InvertStep))
			a.current++
		} else {
			r.write(a.out.Step, gpio.Level(a.out.InvertStep))
		}
	case a.current > a.target:
		a.state = SteppingReverse
		r.write(a.out.Dir, !forward)
		if !a.phase {
			r.write(a.out.Step, gpio.Level(!a.out.InvertStep))
			a.current--
		} else {
			r.write(a.out.Step, gpio.Level(a.out.InvertStep))
		}
	default:
		// Another axis of the group is still moving.
		a.state = HoldingAtTarget
		r.write(a.out.Step, gpio.Level(a.out.InvertStep))
	}
	a.phase = !a.phase
}

func (r *Registry) atTarget(g *group) bool {
	for _, i := range g.members {
		if a := &r.axes[i]; a.current != a.target {
			return false
		}
	}
	return true
}

func (r *Registry) write(o Output, l gpio.Level) {
	if o == nil {
		return
	}
	if err := o.Out(l); err != nil {
		r.stats.OutputErrors++
	}
}

func (r *Registry) shutter(i int, open bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.axis(i)
	if err != nil {
		return err
	}
	if a.cfg.Kind != Shutter {
		return ErrNotShutter
	}
	a.target = 0
	if open {
		a.target = a.cfg.MaxSteps
	}
	return r.persist(a)
}

// axis must be called with r.mu held.
func (r *Registry) axis(i int) (*axis, error) {
	if i < 0 || i >= len(r.axes) {
		return nil, ErrNoAxis
	}
	return &r.axes[i], nil
}

// persist must be called with r.mu held.
func (r *Registry) persist(a *axis) error {
	var err error
	if a.cfg.Kind == Shutter {
		var v byte
		if a.target >= a.cfg.MaxSteps {
			v = 1
		}
		err = r.store.StoreByte(a.slot, v)
	} else {
		err = r.store.StoreWord(a.slot, a.target)
	}
	if err != nil {
		return fmt.Errorf("motion: persisting %q: %w", a.cfg.Name, err)
	}
	return nil
}

func (a *axis) clamp(v int32) int32 {
	if a.cfg.Kind != Shutter {
		return v
	}
	if v < 0 {
		return 0
	}
	if v > a.cfg.MaxSteps {
		return a.cfg.MaxSteps
	}
	return v
}

func (a *axis) status() Status {
	return Status{
		Name:     a.cfg.Name,
		Kind:     a.cfg.Kind,
		Target:   a.target,
		Current:  a.current,
		State:    a.state,
		Enabled:  a.enabled,
		MaxSteps: a.cfg.MaxSteps,
	}
}

func enableLevel(o *Outputs) gpio.Level {
	return gpio.Level(o.EnableActiveHigh)
}
