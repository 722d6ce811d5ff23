// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command adc16-sweep measures the delay-tap error profile of the
// chips of an ADC16 board and renders the eye of each lane, as text
// and optionally as a plot:
//
//	$> adc16-sweep -addr=snap01:7147 -chip=2 -o=sweep.png
//
// Plot files are suffixed with the chip number (sweep-chip2.png).
package main // import "github.com/jack-h/caltech-lwa/cmd/adc16-sweep"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/katcp"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

func main() {
	var (
		addr   = flag.String("addr", "", "KATCP address of the board (host:port)")
		chip   = flag.Int("chip", -1, "chip to sweep (-1: all chips)")
		doInit = flag.Bool("init", false, "initialize the board before sweeping")
		oname  = flag.String("o", "", "plot file base name (empty: text only)")
	)

	flag.Parse()

	log.SetPrefix("adc16-sweep: ")
	log.SetFlags(0)

	if *addr == "" {
		log.Fatalf("missing -addr flag")
	}

	err := run(*addr, *chip, *doInit, *oname)
	if err != nil {
		log.Fatalf("could not sweep board %q: %+v", *addr, err)
	}
}

func run(addr string, chip int, doInit bool, oname string) error {
	conn, err := katcp.Dial(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("could not dial board: %w", err)
	}
	defer conn.Close()

	dev, err := adc16.New(conn)
	if err != nil {
		return fmt.Errorf("could not create ADC16 device: %w", err)
	}

	if doInit {
		err = dev.Init()
		if err != nil {
			return fmt.Errorf("could not initialize board: %w", err)
		}
	}

	chips := []int{chip}
	if chip < 0 {
		chips = chips[:0]
		for i := 0; i < dev.NumChips(); i++ {
			chips = append(chips, i)
		}
	}

	for _, c := range chips {
		sw, err := dev.Sweep(c)
		if err != nil {
			return fmt.Errorf("could not sweep chip %d: %w", c, err)
		}
		err = sw.Render(os.Stdout)
		if err != nil {
			return fmt.Errorf("could not render sweep of chip %d: %w", c, err)
		}
		if oname == "" {
			continue
		}
		fname := plotName(oname, c)
		err = plot(sw, fname)
		if err != nil {
			return fmt.Errorf("could not plot sweep of chip %d: %w", c, err)
		}
		log.Printf("wrote %q", fname)
	}
	return nil
}

func plot(sw *adc16.Sweep, fname string) error {
	p := hplot.New()
	p.Title.Text = fmt.Sprintf("chip %d delay sweep", sw.Chip)
	p.X.Label.Text = "delay tap"
	p.Y.Label.Text = "errors"

	lanes := 0
	if len(sw.Errs) > 0 {
		lanes = len(sw.Errs[0])
	}
	for lane := 0; lane < lanes; lane++ {
		errs := sw.Lane(lane)
		xys := make(plotter.XYs, len(sw.Taps))
		for i, tap := range sw.Taps {
			xys[i].X = float64(tap)
			xys[i].Y = errs[i]
		}
		line, err := hplot.NewLine(xys)
		if err != nil {
			return fmt.Errorf("could not create line for lane %d: %w", lane, err)
		}
		line.LineStyle.Color = plotutil.Color(lane)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("lane %d", lane), line)
	}
	p.Legend.Top = true
	p.Legend.Left = true

	err := p.Save(20*vg.Centimeter, 15*vg.Centimeter, fname)
	if err != nil {
		return fmt.Errorf("could not save plot: %w", err)
	}
	return nil
}

func plotName(base string, chip int) string {
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-chip%d%s", strings.TrimSuffix(base, ext), chip, ext)
}
