// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package motion

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// memStore is a Store whose writes can be made to fail.
type memStore struct {
	sync.Mutex
	b    [64]byte
	fail bool
}

var errStore = errors.New("store failure")

func (m *memStore) LoadWord(off int) (int32, error) {
	m.Lock()
	defer m.Unlock()
	return int32(uint32(m.b[off]) | uint32(m.b[off+1])<<8 | uint32(m.b[off+2])<<16 | uint32(m.b[off+3])<<24), nil
}

func (m *memStore) StoreWord(off int, v int32) error {
	m.Lock()
	defer m.Unlock()
	if m.fail {
		return errStore
	}
	for i := 0; i < 4; i++ {
		m.b[off+i] = byte(uint32(v) >> (8 * uint(i)))
	}
	return nil
}

func (m *memStore) LoadByte(off int) (byte, error) {
	m.Lock()
	defer m.Unlock()
	return m.b[off], nil
}

func (m *memStore) StoreByte(off int, v byte) error {
	m.Lock()
	defer m.Unlock()
	if m.fail {
		return errStore
	}
	m.b[off] = v
	return nil
}

// recorder is an Output remembering every level written.
type recorder struct {
	levels []gpio.Level
}

func (r *recorder) Out(l gpio.Level) error {
	r.levels = append(r.levels, l)
	return nil
}

func (r *recorder) pulses() int {
	n := 0
	for i, l := range r.levels {
		if l == gpio.High && (i == 0 || r.levels[i-1] == gpio.Low) {
			n++
		}
	}
	return n
}

type failing struct{}

func (failing) Out(gpio.Level) error { return errors.New("pin failure") }

func newPins(name string) Outputs {
	return Outputs{
		Step:   &gpiotest.Pin{N: name + "_STEP"},
		Dir:    &gpiotest.Pin{N: name + "_DIR"},
		Enable: &gpiotest.Pin{N: name + "_EN"},
	}
}

func level(o Output) gpio.Level {
	return o.(*gpiotest.Pin).Read()
}

func linear(name string) AxisConfig {
	return AxisConfig{Name: name, Kind: Linear, Slot: AutoSlot}
}

func shutter(name string, max int32) AxisConfig {
	return AxisConfig{Name: name, Kind: Shutter, MaxSteps: max, Slot: AutoSlot}
}

func mustNew(t *testing.T, cfg Config, s Store, outs []Outputs) *Registry {
	t.Helper()
	r, err := New(cfg, s, outs)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func mustStatus(t *testing.T, r *Registry, i int) Status {
	t.Helper()
	s, err := r.Status(i)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTick_enable_then_step(t *testing.T) {
	out := newPins("CH1")
	step := &recorder{}
	out.Step = step
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, &memStore{}, []Outputs{out})
	if level(out.Enable) != gpio.High {
		t.Fatal("driver must start disabled")
	}
	if s := mustStatus(t, r, 0); s.State != Disabled {
		t.Fatal(s.State)
	}
	if err := r.SetTarget(0, 100); err != nil {
		t.Fatal(err)
	}

	r.Tick()
	s := mustStatus(t, r, 0)
	if s.State != EnablingThisTick || s.Current != 0 || !s.Enabled {
		t.Fatalf("after enable tick: %+v", s)
	}
	if level(out.Enable) != gpio.Low {
		t.Fatal("driver not enabled")
	}
	if len(step.levels) != 0 {
		t.Fatal("no step on the enable tick")
	}

	for i := 0; i < 199; i++ {
		r.Tick()
		if s := mustStatus(t, r, 0); s.State != SteppingForward {
			t.Fatalf("tick %d: %s", i+2, s.State)
		}
	}
	r.Tick()
	s = mustStatus(t, r, 0)
	want := Status{Name: "ch1", Kind: Linear, Target: 100, Current: 100, State: HoldingAtTarget}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if level(out.Enable) != gpio.High {
		t.Fatal("driver still enabled")
	}
	if level(out.Dir) != gpio.High {
		t.Fatal("direction")
	}
	if n := step.pulses(); n != 100 {
		t.Fatalf("%d step pulses", n)
	}
	if l := step.levels[len(step.levels)-1]; l != gpio.Low {
		t.Fatal("step line left asserted")
	}

	// Idle ticks change nothing.
	r.Tick()
	if s := mustStatus(t, r, 0); s.State != HoldingAtTarget || s.Enabled {
		t.Fatal(s)
	}
	if st := r.Stats(); st.Ticks != 202 || st.OutputErrors != 0 {
		t.Fatalf("%+v", st)
	}
}

func TestTick_reverse(t *testing.T) {
	out := newPins("CH1")
	out.InvertDir = true
	out.InvertStep = true
	out.EnableActiveHigh = true
	step := &recorder{}
	out.Step = step
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, &memStore{}, []Outputs{out})
	if level(out.Enable) != gpio.Low {
		t.Fatal("active high enable must start low")
	}
	if err := r.SetTarget(0, -3); err != nil {
		t.Fatal(err)
	}
	r.Tick()
	if level(out.Enable) != gpio.High {
		t.Fatal("driver not enabled")
	}
	r.Tick()
	if s := mustStatus(t, r, 0); s.State != SteppingReverse || s.Current != -1 {
		t.Fatal(s)
	}
	// Inverted direction: reverse is high.
	if level(out.Dir) != gpio.High {
		t.Fatal("direction")
	}
	for i := 0; i < 5; i++ {
		r.Tick()
	}
	if s := mustStatus(t, r, 0); s.Current != -3 || s.State != HoldingAtTarget {
		t.Fatal(s)
	}
	want := []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High}
	if diff := cmp.Diff(want, step.levels); diff != "" {
		t.Fatalf("step levels (-want +got):\n%s", diff)
	}
}

func TestTick_retarget_mid_travel(t *testing.T) {
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, &memStore{}, nil)
	if err := r.SetTarget(0, 10); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		r.Tick()
	}
	if s := mustStatus(t, r, 0); s.Current != 3 {
		t.Fatal(s)
	}
	// Reversing does not go through an enable tick again.
	if err := r.SetTarget(0, 0); err != nil {
		t.Fatal(err)
	}
	r.Tick()
	if s := mustStatus(t, r, 0); s.State != SteppingReverse {
		t.Fatal(s)
	}
	for i := 0; i < 10; i++ {
		r.Tick()
	}
	if s := mustStatus(t, r, 0); s.Current != 0 || s.State != HoldingAtTarget {
		t.Fatal(s)
	}
}

func TestShutter_clamp(t *testing.T) {
	store := &memStore{}
	out := newPins("SH")
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1"), shutter("shutter", 10)}}, store, []Outputs{{}, out})
	if err := r.SetTarget(1, 1000); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 1); s.Target != 10 {
		t.Fatal(s.Target)
	}
	if store.b[4] != 1 {
		t.Fatal("open not persisted")
	}
	for i := 0; i < 40; i++ {
		if i%3 == 0 {
			if err := r.SetTarget(1, 1<<30); err != nil {
				t.Fatal(err)
			}
		}
		if i%5 == 0 {
			if err := r.Open(1); err != nil {
				t.Fatal(err)
			}
		}
		r.Tick()
		if s := mustStatus(t, r, 1); s.Current > 10 || s.Current < 0 {
			t.Fatalf("tick %d: current %d", i, s.Current)
		}
	}
	s := mustStatus(t, r, 1)
	if s.Current != 10 || !s.Open() || s.Moving() {
		t.Fatal(s)
	}

	if err := r.SetTarget(1, -5); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 1); s.Target != 0 {
		t.Fatal(s.Target)
	}
	if store.b[4] != 0 {
		t.Fatal("close not persisted")
	}
	if err := r.Close(1); err != nil {
		t.Fatal(err)
	}
	if err := r.Open(0); !errors.Is(err, ErrNotShutter) {
		t.Fatal(err)
	}
}

func TestSharedEnable(t *testing.T) {
	en := &gpiotest.Pin{N: "EN"}
	outs := []Outputs{{Enable: en}, {}, newPins("SH")}
	cfg := Config{Axes: []AxisConfig{linear("ch1"), linear("ch2"), shutter("shutter", 4)}, SharedEnable: true}
	r := mustNew(t, cfg, &memStore{}, outs)
	if len(r.groups) != 2 {
		t.Fatalf("%d groups", len(r.groups))
	}
	if err := r.SetTarget(0, 4); err != nil {
		t.Fatal(err)
	}
	if err := r.SetTarget(1, 10); err != nil {
		t.Fatal(err)
	}
	r.Tick()
	for i := 0; i < 2; i++ {
		if s := mustStatus(t, r, i); s.State != EnablingThisTick || !s.Enabled {
			t.Fatalf("axis %d: %+v", i, s)
		}
	}
	// The shutter is in its own group and stays off.
	if s := mustStatus(t, r, 2); s.State != Disabled || s.Enabled {
		t.Fatal(s)
	}
	for i := 0; i < 14; i++ {
		r.Tick()
	}
	s0, s1 := mustStatus(t, r, 0), mustStatus(t, r, 1)
	if s0.Current != 4 || s0.State != HoldingAtTarget || !s0.Enabled {
		t.Fatalf("ch1: %+v", s0)
	}
	if s1.Current != 7 || s1.State != SteppingForward {
		t.Fatalf("ch2: %+v", s1)
	}
	if en.Read() != gpio.Low {
		t.Fatal("shared enable released while ch2 moves")
	}
	for i := 0; i < 6; i++ {
		r.Tick()
	}
	if en.Read() != gpio.High {
		t.Fatal("shared enable still asserted")
	}
	if s := mustStatus(t, r, 1); s.Current != 10 || s.Enabled {
		t.Fatal(s)
	}
}

func TestIndependentEnable(t *testing.T) {
	outs := []Outputs{newPins("CH1"), newPins("CH2")}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1"), linear("ch2")}}, &memStore{}, outs)
	if err := r.SetTarget(0, 4); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r.Tick()
	}
	// ch2 starts later and gets its own enable tick.
	if err := r.SetTarget(1, 10); err != nil {
		t.Fatal(err)
	}
	r.Tick()
	if s := mustStatus(t, r, 1); s.State != EnablingThisTick || s.Current != 0 {
		t.Fatal(s)
	}
	for i := 0; i < 5; i++ {
		r.Tick()
	}
	if level(outs[0].Enable) != gpio.High {
		t.Fatal("ch1 enable still asserted")
	}
	if level(outs[1].Enable) != gpio.Low {
		t.Fatal("ch2 enable released")
	}
	if s := mustStatus(t, r, 0); s.Current != 4 || s.Enabled {
		t.Fatal(s)
	}
}

func TestNew_restore(t *testing.T) {
	store := &memStore{}
	if err := store.StoreWord(0, -1234); err != nil {
		t.Fatal(err)
	}
	if err := store.StoreByte(8, 1); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Axes: []AxisConfig{linear("ch1"), {Name: "ch2", Kind: Linear, Slot: 12}, {Name: "shutter", Kind: Shutter, MaxSteps: 6, Slot: 8}}}
	r := mustNew(t, cfg, store, nil)
	want := []Status{
		{Name: "ch1", Kind: Linear, Target: -1234, Current: -1234},
		{Name: "ch2", Kind: Linear},
		{Name: "shutter", Kind: Shutter, Target: 6, Current: 6, MaxSteps: 6},
	}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	r.Tick()
	if s := mustStatus(t, r, 0); s.State != Disabled || s.Enabled {
		t.Fatal("restored axes are already at target")
	}
}

func TestStopAtCurrent_ZeroHere(t *testing.T) {
	store := &memStore{}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1"), linear("ch2")}}, store, nil)
	if err := r.SetTargetExternal(1, 3); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 1); s.Target != 3 {
		t.Fatal("no down-sample configured")
	}
	if err := r.SetTarget(1, 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 11; i++ {
		r.Tick()
	}
	if err := r.StopAtCurrent(1); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 1); s.Target != 5 || s.Current != 5 {
		t.Fatal(s)
	}
	if v, _ := store.LoadWord(4); v != 5 {
		t.Fatal(v)
	}
	if err := r.ZeroHere(1); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 1); s.Target != 0 || s.Current != 0 {
		t.Fatal(s)
	}
	if v, _ := store.LoadWord(4); v != 0 {
		t.Fatal(v)
	}
	if v, _ := store.LoadWord(0); v != 0 {
		t.Fatal("ch1 slot touched")
	}
}

func TestDownsample(t *testing.T) {
	store := &memStore{}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}, DownsampleBits: 4}, store, nil)
	if r.DownsampleBits() != 4 {
		t.Fatal(r.DownsampleBits())
	}
	if err := r.SetTargetExternal(0, -2); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 0); s.Target != -32 {
		t.Fatal(s.Target)
	}
	if v, _ := store.LoadWord(0); v != -32 {
		t.Fatal(v)
	}
}

func TestSetTargetExternal_range(t *testing.T) {
	store := &memStore{}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}, DownsampleBits: 16}, store, nil)
	if err := r.SetTargetExternal(0, 5); err != nil {
		t.Fatal(err)
	}
	for _, v := range []int32{32768, -32769, 9999999} {
		if err := r.SetTargetExternal(0, v); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("%d: %v", v, err)
		}
	}
	if s := mustStatus(t, r, 0); s.Target != 5<<16 {
		t.Fatalf("target changed to %d", s.Target)
	}
	if v, _ := store.LoadWord(0); v != 5<<16 {
		t.Fatalf("persisted %d", v)
	}
	if err := r.SetTargetExternal(0, -32768); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 0); s.Target != -1<<31 {
		t.Fatal(s.Target)
	}
}

func TestSetTarget_store_failure(t *testing.T) {
	store := &memStore{}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, store, nil)
	if err := r.SetTarget(0, 7); err != nil {
		t.Fatal(err)
	}
	store.fail = true
	if err := r.SetTarget(0, 9); !errors.Is(err, errStore) {
		t.Fatal(err)
	}
	if s := mustStatus(t, r, 0); s.Target != 9 {
		t.Fatal("target must apply regardless of persistence")
	}
	if v, _ := store.LoadWord(0); v != 7 {
		t.Fatal("previous value corrupted")
	}
}

func TestNoAxis(t *testing.T) {
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, &memStore{}, nil)
	if err := r.SetTarget(1, 0); !errors.Is(err, ErrNoAxis) {
		t.Fatal(err)
	}
	if err := r.StopAtCurrent(-1); !errors.Is(err, ErrNoAxis) {
		t.Fatal(err)
	}
	if err := r.ZeroHere(2); !errors.Is(err, ErrNoAxis) {
		t.Fatal(err)
	}
	if _, err := r.Status(1); !errors.Is(err, ErrNoAxis) {
		t.Fatal(err)
	}
	if err := r.Close(3); !errors.Is(err, ErrNoAxis) {
		t.Fatal(err)
	}
}

func TestOutputErrors(t *testing.T) {
	out := Outputs{Step: failing{}, Dir: failing{}}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("ch1")}}, &memStore{}, []Outputs{out})
	if err := r.SetTarget(0, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		r.Tick()
	}
	if s := mustStatus(t, r, 0); s.Current != 2 {
		t.Fatal("failing outputs must not stop the axis")
	}
	if st := r.Stats(); st.OutputErrors == 0 {
		t.Fatal(st)
	}
}

func TestNew_errors(t *testing.T) {
	data := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"shutter", Config{Axes: []AxisConfig{shutter("s", 0)}}},
		{"kind", Config{Axes: []AxisConfig{{Name: "x", Kind: Kind(7)}}}},
		{"slot", Config{Axes: []AxisConfig{{Name: "x", Slot: -3}}}},
		{"overlap", Config{Axes: []AxisConfig{linear("a"), {Name: "b", Slot: 2}}}},
		{"overlap auto", Config{Axes: []AxisConfig{{Name: "a", Slot: 4}, linear("b"), {Name: "c", Kind: Shutter, MaxSteps: 1, Slot: 9}}}},
		{"downsample", Config{Axes: []AxisConfig{linear("a")}, DownsampleBits: 20}},
	}
	for _, line := range data {
		if _, err := New(line.cfg, &memStore{}, nil); err == nil {
			t.Errorf("%s: expected error", line.name)
		}
	}
	if _, err := New(Config{Axes: []AxisConfig{linear("a")}}, nil, nil); err == nil {
		t.Error("nil store")
	}
	if _, err := New(Config{Axes: []AxisConfig{linear("a")}}, &memStore{}, make([]Outputs, 2)); err == nil {
		t.Error("too many outputs")
	}
}

func TestConfig_Validate_slots(t *testing.T) {
	cfg := Config{Axes: []AxisConfig{linear("a"), shutter("s", 3), linear("b"), {Name: "c", Slot: 20}, linear("d")}}
	slots, err := cfg.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 4, 5, 20, 24}, slots); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

// TestInterleavings applies random sequences of mutations and ticks and
// checks after every step that no half applied update is ever visible.
func TestInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rnd := rand.New(rand.NewSource(seed))
		store := &memStore{}
		cfg := Config{Axes: []AxisConfig{linear("a"), linear("b"), shutter("s", 8)}, SharedEnable: seed%2 == 0}
		r := mustNew(t, cfg, store, nil)
		prev := r.Snapshot()
		for op := 0; op < 500; op++ {
			i := rnd.Intn(3)
			switch k := rnd.Intn(10); {
			case k < 6:
				r.Tick()
				cur := r.Snapshot()
				for j := range cur {
					d := cur[j].Current - prev[j].Current
					if d < -1 || d > 1 {
						t.Fatalf("seed %d op %d axis %d jumped by %d", seed, op, j, d)
					}
					if d != 0 && (cur[j].Current-prev[j].Target)*d > 0 {
						t.Fatalf("seed %d op %d axis %d moved past target", seed, op, j)
					}
				}
			case k < 8:
				if err := r.SetTarget(i, int32(rnd.Intn(41)-20)); err != nil {
					t.Fatal(err)
				}
			case k < 9:
				if err := r.StopAtCurrent(i); err != nil {
					t.Fatal(err)
				}
				if s := mustStatus(t, r, i); s.Target != s.Current {
					t.Fatalf("seed %d op %d: stop left %+v", seed, op, s)
				}
			default:
				if err := r.ZeroHere(i); err != nil {
					t.Fatal(err)
				}
				if s := mustStatus(t, r, i); s.Target != 0 || s.Current != 0 {
					t.Fatalf("seed %d op %d: zero left %+v", seed, op, s)
				}
			}
			prev = r.Snapshot()
			for j, s := range prev {
				if s.Kind == Shutter {
					if s.Current < 0 || s.Current > s.MaxSteps {
						t.Fatalf("seed %d op %d: shutter at %d", seed, op, s.Current)
					}
					continue
				}
				if v, _ := store.LoadWord(4 * j); v != s.Target {
					t.Fatalf("seed %d op %d: axis %d persisted %d, target %d", seed, op, j, v, s.Target)
				}
			}
		}
	}
}

func TestConcurrent(t *testing.T) {
	store := &memStore{}
	r := mustNew(t, Config{Axes: []AxisConfig{linear("a"), shutter("s", 5)}}, store, nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Tick()
			}
		}
	}()
	for i := 0; i < 2000; i++ {
		if err := r.SetTarget(i%2, int32(i%50)); err != nil {
			t.Fatal(err)
		}
		if i%7 == 0 {
			if err := r.ZeroHere(0); err != nil {
				t.Fatal(err)
			}
		}
		for _, s := range r.Snapshot() {
			if s.Kind == Shutter && (s.Current < 0 || s.Current > 5) {
				t.Fatalf("shutter at %d", s.Current)
			}
		}
	}
	if err := r.SetTarget(0, 33); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()
	for i := 0; i < 200; i++ {
		r.Tick()
	}
	if s := mustStatus(t, r, 0); s.Current != 33 || s.State != HoldingAtTarget {
		t.Fatal(s)
	}
	if v, _ := store.LoadWord(0); v != 33 {
		t.Fatal(v)
	}
}

func TestMask(t *testing.T) {
	r := mustNew(t, Config{Axes: []AxisConfig{linear("a")}}, &memStore{}, nil)
	m := r.Mask()
	m.Lock()
	done := make(chan struct{})
	go func() {
		r.Tick()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("tick ran inside the mask")
	case <-time.After(20 * time.Millisecond):
	}
	m.Unlock()
	<-done
	if st := r.Stats(); st.Ticks != 1 {
		t.Fatal(st)
	}
}

func TestStrings(t *testing.T) {
	if s := SteppingReverse.String(); s != "SteppingReverse" {
		t.Fatal(s)
	}
	if s := State(9).String(); s != "State(9)" {
		t.Fatal(s)
	}
	if s := Shutter.String(); s != "shutter" {
		t.Fatal(s)
	}
	if s := Kind(5).String(); s != "Kind(5)" {
		t.Fatal(s)
	}
}
