// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"fmt"
	"image"
	"image/color"

	"github.com/GermanBionicSystems/focuser/motion"
	"github.com/GermanBionicSystems/focuser/owsensor"
	"periph.io/x/conn/v3/display"
)

// Strip colors.
var (
	Off    = color.NRGBA{A: 255}
	Amber  = color.NRGBA{R: 255, G: 160, A: 255}
	Green  = color.NRGBA{G: 255, A: 255}
	Blue   = color.NRGBA{B: 255, A: 255}
	Red    = color.NRGBA{R: 255, A: 255}
	Yellow = color.NRGBA{R: 255, G: 255, A: 255}
)

// Colors returns one LED color per axis followed by one per sensor bus.
//
// A moving axis is amber, an open shutter blue, an axis at its target green
// and an axis that never moved is off. A sensor bus is green when its last
// read succeeded, yellow when its device is of an unknown family and red
// otherwise.
func Colors(s Snapshot) []color.NRGBA {
	out := make([]color.NRGBA, 0, len(s.Axes)+len(s.Sensors))
	for _, a := range s.Axes {
		switch {
		case a.Moving():
			out = append(out, Amber)
		case a.Open():
			out = append(out, Blue)
		case a.State == motion.Disabled:
			out = append(out, Off)
		default:
			out = append(out, Green)
		}
	}
	for _, r := range s.Sensors {
		switch r.Kind {
		case owsensor.KindTemperature, owsensor.KindTemperatureHumidity:
			out = append(out, Green)
		case owsensor.KindUnknown:
			out = append(out, Yellow)
		default:
			out = append(out, Red)
		}
	}
	return out
}

// Strip shows a Snapshot on a row of RGB LEDs.
type Strip struct {
	d display.Drawer
}

// NewStrip returns a Strip drawing to d, a display one pixel high such as an
// APA102 strip or a Console.
func NewStrip(d display.Drawer) *Strip {
	return &Strip{d: d}
}

// Draw shows s. LEDs beyond the colors of s are turned off.
func (s *Strip) Draw(snap Snapshot) error {
	b := s.d.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, b.Dx(), 1))
	c := Colors(snap)
	for x := 0; x < b.Dx(); x++ {
		if x < len(c) {
			img.SetNRGBA(x, 0, c[x])
		} else {
			img.SetNRGBA(x, 0, Off)
		}
	}
	if err := s.d.Draw(b, img, image.Point{}); err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	return nil
}
