// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GermanBionicSystems/focuser/command"
	"github.com/GermanBionicSystems/focuser/config"
	"github.com/GermanBionicSystems/focuser/motion"
	"github.com/GermanBionicSystems/focuser/owsensor"
	"github.com/GermanBionicSystems/focuser/panel"
	"github.com/GermanBionicSystems/focuser/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	config   string
	port     string
	baud     int
	listen   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "focuserd",
		Short: "Focuser and sensor controller",
		Long: `focuserd moves the stepper and shutter axes of a focuser and reads its
1-wire temperature and humidity sensors.

Commands are single lines over the serial port (--port) or a WebSocket
(--listen), see the command package for the protocol.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&f.port, "port", "p", "", "serial port device, overrides serial.port")
	pf.IntVarP(&f.baud, "baud", "b", 0, "baud rate, overrides serial.baud")
	pf.StringVarP(&f.listen, "listen", "l", "", "WebSocket listen address, overrides listen")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error, overrides log_level")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Serve commands and drive the axes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, f, true, run)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "List the devices of every sensor bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, f, false, func(ctx context.Context, b *board) error {
				for i, bus := range b.buses {
					found, err := bus.Search(false)
					fmt.Fprintf(cmd.OutOrStdout(), "W%d %s:", i+1, bus)
					for _, a := range found {
						fmt.Fprintf(cmd.OutOrStdout(), " %s", command.FormatAddress(a))
					}
					fmt.Fprintln(cmd.OutOrStdout())
					if err != nil {
						b.log.Warn("bus search failed", "bus", bus.String(), "err", err)
					}
				}
				return nil
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Read the single device of every sensor bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, f, false, func(ctx context.Context, b *board) error {
				for i, bus := range b.buses {
					fmt.Fprintf(cmd.OutOrStdout(), "W%d %s: %s\n", i+1, bus, owsensor.Probe(bus))
				}
				return nil
			})
		},
	})
	return root
}

// load reads the configuration and applies the flag overrides.
func (f *flags) load() (*config.Config, error) {
	c := config.Default()
	if f.config != "" {
		var err error
		if c, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	if f.port != "" {
		c.Serial.Port = f.port
	}
	if f.baud != 0 {
		c.Serial.Baud = f.baud
	}
	if f.listen != "" {
		c.Listen = f.listen
	}
	if f.logLevel != "" {
		c.LogLevel = f.logLevel
	}
	return c, c.Validate()
}

func withBoard(cmd *cobra.Command, f *flags, withMotion bool, fn func(context.Context, *board) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	lvl, _ := cfg.Level()
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b, err := openBoard(cfg, log, withMotion)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(ctx, b)
}

func run(ctx context.Context, b *board) error {
	rate, _ := b.cfg.Rate()
	sched, err := motion.NewScheduler(b.reg, rate, b.log)
	if err != nil {
		return err
	}
	h := command.NewHandler(b.reg, b.buses, b.log)
	srv := transport.NewServer(h, &b.leds, b.log)
	b.log.Info("running", "axes", b.reg.Len(), "buses", len(b.buses), "tick", sched.Period(), "store", b.store)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if b.cfg.Serial.Port != "" {
		g.Go(func() error {
			return serveSerial(ctx, b, srv)
		})
	}
	if b.cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/", srv.WebSocketHandler(ctx))
		if b.web != nil {
			mux.Handle("/panel.png", b.web)
		}
		hs := &http.Server{Addr: b.cfg.Listen, Handler: mux}
		g.Go(func() error {
			<-ctx.Done()
			c, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return hs.Shutdown(c)
		})
		g.Go(func() error {
			b.log.Info("listening", "addr", b.cfg.Listen)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if b.panel != nil || b.strip != nil {
		g.Go(func() error {
			return refresh(ctx, b, h)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := b.reg.Stats()
	b.log.Info("stopped", "ticks", st.Ticks, "overruns", st.Overruns, "output_errors", st.OutputErrors)
	return err
}

// serveSerial serves the serial port, reopening it when the host side goes
// away, as a USB gadget port does on unplug.
func serveSerial(ctx context.Context, b *board, srv *transport.Server) error {
	for {
		p, err := transport.OpenSerial(b.cfg.Serial.Port, b.cfg.Serial.Baud)
		if err == nil {
			b.log.Info("serial port open", "port", b.cfg.Serial.Port, "baud", b.cfg.Serial.Baud)
			err = srv.Serve(ctx, p)
			p.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("serial port", "port", b.cfg.Serial.Port, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// refresh redraws the panel periodically, probing each sensor bus in turn
// through h so that it never overlaps a sensor command.
func refresh(ctx context.Context, b *board, h *command.Handler) error {
	period, err := time.ParseDuration(b.cfg.Panel.Refresh)
	if err != nil || period <= 0 {
		period = 500 * time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	snap := panel.Snapshot{DownsampleBits: b.reg.DownsampleBits(), Sensors: make([]owsensor.Reading, len(b.buses))}
	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if len(b.buses) != 0 {
			snap.Sensors[next], _ = h.Probe(next)
			next = (next + 1) % len(b.buses)
		}
		snap.Axes = b.reg.Snapshot()
		if b.panel != nil {
			if err := b.page.Draw(b.panel, snap); err != nil {
				b.log.Warn("panel", "err", err)
			}
		}
		if b.strip != nil {
			if err := b.strip.Draw(snap); err != nil {
				b.log.Warn("strip", "err", err)
			}
		}
	}
}
