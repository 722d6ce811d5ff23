// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command adc16-snap captures a block of samples from one chip of an
// ADC16 board and dumps it as text, one sample instant per line, the
// lane columns reordered into the time order of the channel mode:
//
//	$> adc16-snap -addr=snap01:7147 -chip=2 -demux=1 -o=snap.txt
package main // import "github.com/jack-h/caltech-lwa/cmd/adc16-snap"

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/katcp"
)

var demuxModes = map[int]adc16.DemuxMode{
	4: adc16.Demux4,
	2: adc16.Demux2,
	1: adc16.Demux1,
}

func main() {
	var (
		addr  = flag.String("addr", "", "KATCP address of the board (host:port)")
		chip  = flag.Int("chip", 0, "chip to capture from")
		demux = flag.Int("demux", 4, "channel mode the board runs in (4, 2 or 1)")
		oname = flag.String("o", "", "output file (empty: stdout)")
	)

	flag.Parse()

	log.SetPrefix("adc16-snap: ")
	log.SetFlags(0)

	if *addr == "" {
		log.Fatalf("missing -addr flag")
	}
	mode, ok := demuxModes[*demux]
	if !ok {
		log.Fatalf("invalid demux mode %d (want 4, 2 or 1)", *demux)
	}

	err := run(*addr, *chip, mode, *oname)
	if err != nil {
		log.Fatalf("could not capture snapshot: %+v", err)
	}
}

func run(addr string, chip int, mode adc16.DemuxMode, oname string) error {
	conn, err := katcp.Dial(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("could not dial board: %w", err)
	}
	defer conn.Close()

	dev, err := adc16.New(conn, adc16.WithDemux(mode))
	if err != nil {
		return fmt.Errorf("could not create ADC16 device: %w", err)
	}

	data, err := dev.Snapshot(chip)
	if err != nil {
		return fmt.Errorf("could not read snapshot of chip %d: %w", chip, err)
	}

	out := io.Writer(os.Stdout)
	if oname != "" {
		f, err := os.Create(oname)
		if err != nil {
			return fmt.Errorf("could not create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return dump(out, data, mode)
}

// dump writes one line per sample row, columns reordered so samples
// read left to right in time order.
func dump(w io.Writer, data [][]int32, mode adc16.DemuxMode) error {
	var (
		buf   = bufio.NewWriter(w)
		order = mode.Interleave()
	)
	for _, row := range data {
		for i, col := range order {
			if i > 0 {
				fmt.Fprint(buf, " ")
			}
			fmt.Fprintf(buf, "%d", row[col])
		}
		fmt.Fprintln(buf)
	}
	err := buf.Flush()
	if err != nil {
		return fmt.Errorf("could not write snapshot: %w", err)
	}
	return nil
}
