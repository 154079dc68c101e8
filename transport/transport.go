// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// MaxLine is the longest command line accepted. Longer lines are answered
// with Overflow.
const MaxLine = 32

// Overflow is the reply to a line longer than MaxLine.
const Overflow = "?"

// LEDPulse is how long the RX and TX LEDs stay lit after traffic.
const LEDPulse = 100 * time.Millisecond

// pollTimeout bounds a blocking read on ports that support it so that Serve
// notices a canceled context.
const pollTimeout = 100 * time.Millisecond

// LineHandler executes one command line and returns the reply without its
// line terminator. command.Handler implements it.
type LineHandler interface {
	HandleLine(ctx context.Context, line string) string
}

// LEDs are the status LEDs of a link. Any of them may be nil.
type LEDs struct {
	// Conn is lit while a peer is being served.
	Conn gpio.PinOut
	// RX and TX flash on incoming and outgoing traffic.
	RX gpio.PinOut
	TX gpio.PinOut
}

// Server serves the line protocol over byte streams.
type Server struct {
	h    LineHandler
	log  *slog.Logger
	conn gpio.PinOut
	rx   *blinker
	tx   *blinker
}

// NewServer returns a Server dispatching lines to h. leds may be nil.
func NewServer(h LineHandler, leds *LEDs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{h: h, log: log}
	if leds != nil {
		s.conn = leds.Conn
		s.rx = newBlinker(leds.RX, LEDPulse)
		s.tx = newBlinker(leds.TX, LEDPulse)
	}
	return s
}

// Serve runs the line protocol of h over rw until ctx is done or rw is
// closed.
func Serve(ctx context.Context, rw io.ReadWriter, h LineHandler) error {
	return NewServer(h, nil, nil).Serve(ctx, rw)
}

// Serve reads bytes from rw, splits them in lines on CR or LF and writes the
// reply of each non-empty line followed by CRLF. It returns nil when rw
// reaches EOF and ctx.Err() when ctx is done.
//
// If rw has a SetReadTimeout method, as serial.Port does, reads are bounded
// so that a canceled ctx is noticed without traffic.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	if p, ok := rw.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := p.SetReadTimeout(pollTimeout); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	s.out(s.conn, gpio.High)
	defer func() {
		s.out(s.conn, gpio.Low)
		s.rx.off()
		s.tx.off()
	}()

	var l lineBuffer
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rw.Read(buf)
		if n > 0 {
			s.rx.pulse()
		}
		for _, c := range buf[:n] {
			line, ok := l.add(c)
			if !ok {
				continue
			}
			reply := Overflow
			if line != "" {
				reply = s.h.HandleLine(ctx, line)
			}
			s.tx.pulse()
			if _, err := io.WriteString(rw, reply+"\r\n"); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: %w", err)
		}
	}
}

func (s *Server) out(p gpio.PinOut, l gpio.Level) {
	if p == nil {
		return
	}
	if err := p.Out(l); err != nil {
		s.log.Debug("status led", "pin", p, "err", err)
	}
}

// lineBuffer accumulates command bytes.
type lineBuffer struct {
	b        [MaxLine]byte
	n        int
	overflow bool
}

// add appends c and returns a complete line when c terminates a non-empty
// one. An overflowed line is returned empty.
func (l *lineBuffer) add(c byte) (string, bool) {
	if c == '\r' || c == '\n' {
		if l.n == 0 && !l.overflow {
			return "", false
		}
		line := string(l.b[:l.n])
		if l.overflow {
			line = ""
		}
		l.n, l.overflow = 0, false
		return line, true
	}
	if l.n == len(l.b) {
		l.overflow = true
		return "", false
	}
	l.b[l.n] = c
	l.n++
	return "", false
}

// blinker lights a LED and turns it off once no pulse came for d.
type blinker struct {
	mu  sync.Mutex
	pin gpio.PinOut
	d   time.Duration
	t   *time.Timer
}

func newBlinker(p gpio.PinOut, d time.Duration) *blinker {
	if p == nil {
		return nil
	}
	return &blinker{pin: p, d: d}
}

func (b *blinker) pulse() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.pin.Out(gpio.High)
	if b.t == nil {
		b.t = time.AfterFunc(b.d, b.off)
	} else {
		b.t.Reset(b.d)
	}
}

func (b *blinker) off() {
	if b == nil {
		return
	}
	_ = b.pin.Out(gpio.Low)
}
