// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
)

// ConsoleOpts represents the options of a Console.
type ConsoleOpts struct {
	// X is the number of LEDs.
	X       int
	Palette *ansi256.Palette
	// W defaults to the colorable stdout.
	W io.Writer
}

// Console is a LED strip emulated with ANSI colors on a terminal, for
// benches without a strip.
type Console struct {
	w       io.Writer
	palette ansi256.Palette
	pixels  []color.NRGBA
	buf     bytes.Buffer
}

// NewConsole returns a Console.
func NewConsole(opts *ConsoleOpts) *Console {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Console{w: w, palette: *p, pixels: make([]color.NRGBA, opts.X)}
}

func (c *Console) String() string {
	return fmt.Sprintf("Console{%d}", len(c.pixels))
}

// Halt implements conn.Resource.
//
// It resets the terminal colors.
func (c *Console) Halt() error {
	_, err := io.WriteString(c.w, "\n\033[0m")
	return err
}

// ColorModel implements display.Drawer.
func (c *Console) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements display.Drawer.
func (c *Console) Bounds() image.Rectangle {
	return image.Rect(0, 0, len(c.pixels), 1)
}

// Draw implements display.Drawer.
//
// Only the first row of src is used. The line is redrawn in place.
func (c *Console) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(c.Bounds())
	for x := r.Min.X; x < r.Max.X; x++ {
		c.pixels[x] = color.NRGBAModel.Convert(src.At(sp.X+x-r.Min.X, sp.Y)).(color.NRGBA)
	}
	c.buf.Reset()
	c.buf.WriteString("\r\033[0m")
	for _, p := range c.pixels {
		c.buf.WriteString(c.palette.Block(p))
	}
	c.buf.WriteString("\033[0m ")
	_, err := c.buf.WriteTo(c.w)
	return err
}

var _ display.Drawer = &Console{}
