// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"fmt"
	"image"

	"github.com/GermanBionicSystems/focuser/motion"
	"github.com/GermanBionicSystems/focuser/owsensor"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/display"
)

// Snapshot is what the panel shows.
type Snapshot struct {
	Axes []motion.Status
	// DownsampleBits converts axis positions to the units of the command
	// protocol.
	DownsampleBits uint
	// Sensors holds the last reading of each sensor bus.
	Sensors []owsensor.Reading
}

// Lines returns the text of the status page, one line per axis then one per
// sensor bus.
func Lines(s Snapshot) []string {
	out := make([]string, 0, len(s.Axes)+len(s.Sensors))
	for _, a := range s.Axes {
		if a.Kind == motion.Shutter {
			state := "closed"
			switch {
			case a.Moving():
				state = "moving"
			case a.Open():
				state = "open"
			}
			out = append(out, fmt.Sprintf("%s %s", a.Name, state))
			continue
		}
		l := fmt.Sprintf("%s %+d", a.Name, a.Current>>s.DownsampleBits)
		if a.Moving() {
			l += fmt.Sprintf(" > %+d", a.Target>>s.DownsampleBits)
		}
		out = append(out, l)
	}
	for i, r := range s.Sensors {
		out = append(out, fmt.Sprintf("W%d %s", i+1, r))
	}
	return out
}

// Page renders a Snapshot as text on a monochrome display.
type Page struct {
	face   font.Face
	height float64
}

// NewPage returns a Page using the Go Regular font at size points.
func NewPage(size float64) (*Page, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("panel: %w", err)
	}
	face := truetype.NewFace(f, &truetype.Options{Size: size})
	return &Page{face: face, height: float64(face.Metrics().Height.Ceil())}, nil
}

// Render draws s in white on black over an image of the given bounds. Lines
// that do not fit are dropped.
func (p *Page) Render(s Snapshot, bounds image.Rectangle) image.Image {
	dc := gg.NewContext(bounds.Dx(), bounds.Dy())
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.SetFontFace(p.face)
	y := p.height
	for _, l := range Lines(s) {
		if y > float64(bounds.Dy()) {
			break
		}
		dc.DrawString(l, 1, y-2)
		y += p.height
	}
	return dc.Image()
}

// Draw renders s on d.
func (p *Page) Draw(d display.Drawer, s Snapshot) error {
	b := d.Bounds()
	if err := d.Draw(b, p.Render(s, b), image.Point{}); err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	return nil
}
