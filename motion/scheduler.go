// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package motion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/physic"
)

// overrunLogEvery rate limits the overrun warning.
const overrunLogEvery = 100

// Scheduler calls Registry.Tick at a fixed rate. It stands in for the timer
// interrupt of a microcontroller: the step rate of every axis is half the
// tick rate.
type Scheduler struct {
	reg    *Registry
	period time.Duration
	log    *slog.Logger
}

// NewScheduler returns a scheduler ticking reg at rate.
func NewScheduler(reg *Registry, rate physic.Frequency, log *slog.Logger) (*Scheduler, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("motion: invalid tick rate %s", rate)
	}
	p := rate.Period()
	if p <= 0 {
		return nil, fmt.Errorf("motion: tick rate %s is too high", rate)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{reg: reg, period: p, log: log}, nil
}

// Period returns the time between two ticks.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Run ticks the registry until ctx is done.
//
// A tick that comes later than twice the period, because the Mask was held
// or the process was descheduled, counts as an overrun; the steps are not
// caught up.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.period)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.reg.Tick()
			if now.Sub(last) > 2*s.period {
				if n := s.reg.overrun(); n%overrunLogEvery == 1 {
					s.log.Warn("motion tick overrun", "late", now.Sub(last)-s.period, "overruns", n)
				}
			}
			last = now
		}
	}
}

func (r *Registry) overrun() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Overruns++
	return r.stats.Overruns
}
