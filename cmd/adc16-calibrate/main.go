// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command adc16-calibrate brings up the serial links of an ADC16 board
// and prints the delay taps the calibration settled on.
//
// The board is reached either over KATCP:
//
//	$> adc16-calibrate -addr=snap01:7147
//
// or, when running on the board CPU itself, through an AXI window:
//
//	$> adc16-calibrate -mem=/dev/mem -regs=/etc/lwa/adc16.json
package main // import "github.com/jack-h/caltech-lwa/cmd/adc16-calibrate"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/axil"
	"github.com/jack-h/caltech-lwa/caldb"
	"github.com/jack-h/caltech-lwa/katcp"
)

var demuxModes = map[int]adc16.DemuxMode{
	4: adc16.Demux4,
	2: adc16.Demux2,
	1: adc16.Demux1,
}

func main() {
	var (
		addr    = flag.String("addr", "", "KATCP address of the board (host:port)")
		mem     = flag.String("mem", "", "memory device of a local AXI window (e.g. /dev/mem)")
		regs    = flag.String("regs", "", "JSON register map of the AXI window")
		base    = flag.Int64("base", 0xa0000000, "byte offset of the AXI window in -mem")
		span    = flag.Int("span", 0x100000, "byte span of the AXI window")
		demux   = flag.Int("demux", 4, "channel mode to calibrate for (4, 2 or 1)")
		par     = flag.Bool("parallel", false, "calibrate chips concurrently")
		tries   = flag.Int("attempts", 1, "line-clock sweep attempts per chip")
		soft    = flag.Bool("soft-word", false, "demote word-alignment exhaustion to a warning")
		cross   = flag.Bool("cross-bond", false, "bond lanes across chips, not only within each chip")
		lm75    = flag.Int("lm75", -1, "SMBus number of the board LM75 sensor (-1: no sensor)")
		dbname  = flag.String("db", "", "calibration database to store the report into")
		timeout = flag.Duration("timeout", 5*time.Minute, "calibration timeout")
	)

	flag.Parse()

	log.SetPrefix("adc16-calibrate: ")
	log.SetFlags(0)

	mode, ok := demuxModes[*demux]
	if !ok {
		log.Fatalf("invalid demux mode %d (want 4, 2 or 1)", *demux)
	}
	switch {
	case *addr == "" && *mem == "":
		log.Fatalf("missing -addr or -mem flag")
	case *addr != "" && *mem != "":
		log.Fatalf("-addr and -mem flags are mutually exclusive")
	case *mem != "" && *regs == "":
		log.Fatalf("missing -regs flag")
	}

	err := run(*addr, *mem, *regs, *base, *span, mode, *par, *tries, *soft, *cross, *lm75, *dbname, *timeout)
	if err != nil {
		log.Fatalf("could not calibrate board: %+v", err)
	}
}

func run(addr, mem, regs string, base int64, span int, mode adc16.DemuxMode, par bool, tries int, soft, cross bool, lm75 int, dbname string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t, board, err := newTransport(ctx, addr, mem, regs, base, span)
	if err != nil {
		return err
	}
	defer t.(io.Closer).Close()

	opts := []adc16.Option{
		adc16.WithDemux(mode),
		adc16.WithParallel(par),
		adc16.WithSweepAttempts(tries),
		adc16.WithSoftWordAlign(soft),
		adc16.WithCrossChipBond(cross),
	}
	if lm75 >= 0 {
		sensor, err := adc16.LM75(lm75, 0x48)
		if err != nil {
			return fmt.Errorf("could not open LM75 sensor: %w", err)
		}
		opts = append(opts, adc16.WithSensor(sensor))
	}

	dev, err := adc16.New(t, opts...)
	if err != nil {
		return fmt.Errorf("could not create ADC16 device: %w", err)
	}

	log.Printf("initializing board %q...", board)
	err = dev.Init()
	if err != nil {
		return fmt.Errorf("could not initialize board: %w", err)
	}

	rep, cerr := dev.Calibrate(ctx)
	if rep != nil {
		display(rep)
		if dbname != "" {
			// failed runs are stored too, and on their own context:
			// ctx may already have expired with the calibration.
			err := store(context.Background(), dbname, board, rep)
			switch {
			case err != nil && cerr != nil:
				log.Printf("%+v", err)
			case err != nil:
				return err
			}
		}
	}
	return cerr
}

func newTransport(ctx context.Context, addr, mem, regs string, base int64, span int) (adc16.Transport, string, error) {
	if addr != "" {
		conn, err := katcp.Dial(ctx, addr)
		if err != nil {
			return nil, "", fmt.Errorf("could not dial board %q: %w", addr, err)
		}
		return conn, addr, nil
	}

	rmap, err := axil.LoadRegions(regs)
	if err != nil {
		return nil, "", fmt.Errorf("could not load register map: %w", err)
	}
	dev, err := axil.Open(mem, base, span, rmap)
	if err != nil {
		return nil, "", fmt.Errorf("could not open AXI window: %w", err)
	}
	board, err := os.Hostname()
	if err != nil {
		board = mem
	}
	return dev, board, nil
}

func display(rep *adc16.Report) {
	if !math.IsNaN(rep.Temp) {
		log.Printf("board temperature: %.1f C", rep.Temp)
	}
	for _, c := range rep.Chips {
		log.Printf("chip %d (%s, %d-bit): stage=%v taps=%v",
			c.Chip, c.Model, c.Res, c.Stage, c.Taps,
		)
	}
	switch {
	case rep.OK:
		log.Printf("calibration reached stage %q (%v mode)", rep.Stage, rep.Demux)
	default:
		log.Printf("calibration FAILED at stage %q (%v mode)", rep.Stage, rep.Demux)
	}
}

func store(ctx context.Context, dbname, board string, rep *adc16.Report) error {
	db, err := caldb.Open(dbname)
	if err != nil {
		return fmt.Errorf("could not open caldb %q: %w", dbname, err)
	}
	defer db.Close()

	id, err := db.StoreReport(ctx, board, rep)
	if err != nil {
		return fmt.Errorf("could not store report for %q: %w", board, err)
	}
	log.Printf("stored report %d for %q", id, board)
	return nil
}
