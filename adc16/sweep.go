// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"fmt"
	"io"
)

// A Sweep holds the per-lane error counts recorded at every delay tap
// of one chip.
type Sweep struct {
	Chip int
	Taps []int       // tap values visited, ascending
	Errs [][]float64 // indexed [tap][lane]
}

// Lane returns the error counts of one lane across all taps.
func (sw *Sweep) Lane(lane int) []float64 {
	xs := make([]float64, len(sw.Errs))
	for i, errs := range sw.Errs {
		xs[i] = errs[lane]
	}
	return xs
}

func (sw *Sweep) lanes() int {
	if len(sw.Errs) == 0 {
		return 0
	}
	return len(sw.Errs[0])
}

// Sweep measures one chip's delay-tap error profile under the
// canonical dual pattern. The last visited tap is left applied;
// callers follow up with SetDelayTap or Calibrate.
func (dev *Device) Sweep(chip int) (*Sweep, error) {
	c, err := dev.chip(chip)
	if err != nil {
		return nil, err
	}
	return dev.sweepChip(c)
}

func (dev *Device) sweepChip(c *Chip) (sw *Sweep, err error) {
	if _, _, err := dev.setPattern(c, PatDual); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := dev.patternOff(c); cerr != nil && err == nil {
			sw, err = nil, cerr
		}
	}()

	sw = &Sweep{Chip: int(c.ID), Taps: dev.p.tapValues()}
	lanes := c.laneIDs()
	for _, tap := range sw.Taps {
		if err := dev.applyDelay(tap, []*Chip{c}, lanes); err != nil {
			return nil, err
		}
		m, err := dev.capture(c, true)
		if err != nil {
			return nil, err
		}
		sw.Errs = append(sw.Errs, stdDualScores(m, int(c.Lanes)))
	}
	return sw, nil
}

// selectTap picks the position whose error-free run extends furthest
// on both sides, preferring the earliest position on ties. ok is false
// when every position shows errors. A run at the edge of the range is
// only as good as its short side: the eye may continue past the edge,
// but there is no way to know.
func selectTap(errs []float64) (tap int, ok bool) {
	n := len(errs)
	if n == 0 {
		return 0, false
	}
	margin := make([]int, n)
	run := 0
	for i := 0; i < n; i++ {
		if errs[i] == 0 {
			run++
		} else {
			run = 0
		}
		margin[i] = run
	}
	run = 0
	for i := n - 1; i >= 0; i-- {
		if errs[i] == 0 {
			run++
		} else {
			run = 0
		}
		if run < margin[i] {
			margin[i] = run
		}
	}
	best := 0
	for i, m := range margin {
		if m > margin[best] {
			best = i
		}
	}
	if margin[best] == 0 {
		return 0, false
	}
	return best, true
}

// Render writes the sweep as one text row per lane, an error-free tap
// showing as "-", an erroring one as "X" and the selected tap as "|".
func (sw *Sweep) Render(w io.Writer) error {
	var oerr error
	printf := func(format string, args ...interface{}) {
		if oerr != nil {
			return
		}
		_, oerr = fmt.Fprintf(w, format, args...)
	}
	for lane := 0; lane < sw.lanes(); lane++ {
		col := sw.Lane(lane)
		best, ok := selectTap(col)
		printf("chip %d, lane %d:    ", sw.Chip, lane)
		for i, e := range col {
			switch {
			case ok && i == best:
				printf("|")
			case e != 0:
				printf("X")
			default:
				printf("-")
			}
		}
		if ok {
			printf("  tap=%d\n", sw.Taps[best])
		} else {
			printf("  no error-free tap\n")
		}
	}
	return oerr
}
