// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"sync"

	"periph.io/x/conn/v3/display"
)

// Web is a monochrome display served over HTTP as a PNG image, for boards
// without a screen.
type Web struct {
	mu    sync.Mutex
	img   *image.Gray
	frame []byte // encoded img, nil when stale
	enc   png.Encoder
}

// NewWeb returns a black w×h Web display.
func NewWeb(w, h int) *Web {
	return &Web{
		img: image.NewGray(image.Rect(0, 0, w, h)),
		enc: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

func (d *Web) String() string {
	b := d.img.Bounds()
	return fmt.Sprintf("Web{%dx%d}", b.Dx(), b.Dy())
}

// Halt implements conn.Resource.
func (d *Web) Halt() error {
	return nil
}

// ColorModel implements display.Drawer.
func (d *Web) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements display.Drawer.
func (d *Web) Bounds() image.Rectangle {
	return d.img.Bounds()
}

// Draw implements display.Drawer.
func (d *Web) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	draw.Draw(d.img, r, src, sp, draw.Src)
	d.frame = nil
	return nil
}

// ServeHTTP returns the last frame drawn.
func (d *Web) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := d.png()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
}

func (d *Web) png() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		var buf bytes.Buffer
		if err := d.enc.Encode(&buf, d.img); err != nil {
			return nil, err
		}
		d.frame = buf.Bytes()
	}
	return d.frame, nil
}

var _ display.Drawer = &Web{}
var _ http.Handler = &Web{}
