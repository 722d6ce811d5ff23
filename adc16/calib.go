// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// A ChipReport records how far one chip progressed through a
// calibration run.
type ChipReport struct {
	Chip  int
	Model string
	Res   uint8
	Stage Stage
	Taps  []int
}

// A Report summarizes one calibration run.
type Report struct {
	Time  time.Time
	Temp  float64 // board temperature, Celsius; NaN without a sensor
	Demux DemuxMode
	Stage Stage // lowest stage reached across chips
	OK    bool
	Chips []ChipReport
}

// Calibrate drives the board through the calibration ladder: demux
// forced to full interleave, sampling-clock lock check, per-lane delay
// alignment, word alignment, ramp verification and lane bonding, then
// the requested demux mode restored. The first failure aborts the run
// and leaves the board in full interleave; the returned report carries
// the stage reached either way.
func (dev *Device) Calibrate(ctx context.Context) (*Report, error) {
	rep := &Report{
		Time:  time.Now(),
		Temp:  math.NaN(),
		Demux: dev.demux,
		Chips: make([]ChipReport, len(dev.chips)),
	}
	for i := range dev.chips {
		c := &dev.chips[i]
		rep.Chips[i] = ChipReport{Chip: i, Model: c.Model, Res: c.Res}
	}
	if dev.sensor != nil {
		t, err := dev.sensor()
		if err != nil {
			dev.msg.Printf("could not read board temperature: %+v", err)
		} else {
			rep.Temp = t
		}
	}

	err := dev.calibrate(ctx, rep)

	for i := range dev.chips {
		rep.Chips[i].Taps = append([]int(nil), dev.chips[i].Taps...)
	}
	rep.Stage = rep.Chips[0].Stage
	for _, cr := range rep.Chips[1:] {
		if cr.Stage < rep.Stage {
			rep.Stage = cr.Stage
		}
	}
	rep.OK = err == nil
	return rep, err
}

func (dev *Device) calibrate(ctx context.Context, rep *Report) error {
	if err := dev.setDemux(Demux1); err != nil {
		return err
	}

	dev.msg.Printf("checking sampling-clock lock")
	st, err := dev.Status()
	if err != nil {
		return err
	}
	if mask := dev.lockMask(); st.Locked&mask != mask {
		dev.msg.Printf("sampling clocks not locked: %#04b", st.Locked)
		return &Error{Kind: ClockNotLocked, Stage: StageStart, Chip: -1, Lane: -1}
	}
	for i := range rep.Chips {
		rep.Chips[i].Stage = StageClockLocked
	}

	// Give the deserializers time to settle on the interleaved clock.
	time.Sleep(500 * time.Millisecond)

	align := func(ctx context.Context, i int) error {
		c := &dev.chips[i]
		cr := &rep.Chips[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		dev.msg.Printf("chip %d: aligning line clock", i)
		if err := dev.alignLineClock(c); err != nil {
			return err
		}
		cr.Stage = StageLineClockAligned
		if err := ctx.Err(); err != nil {
			return err
		}
		dev.msg.Printf("chip %d: aligning word boundaries", i)
		if err := dev.alignWords(c); err != nil {
			return err
		}
		cr.Stage = StageFrameClockAligned
		return nil
	}

	switch {
	case dev.parallel:
		grp, gctx := errgroup.WithContext(ctx)
		for i := range dev.chips {
			i := i
			grp.Go(func() error { return align(gctx, i) })
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	default:
		for i := range dev.chips {
			if err := align(ctx, i); err != nil {
				return err
			}
		}
	}

	ok, err := dev.wordsAligned()
	if err != nil {
		return err
	}
	if !ok {
		dev.msg.Printf("word boundaries drifted after alignment")
		return &Error{Kind: AlignmentExhausted, Stage: StageLineClockAligned, Chip: -1, Lane: -1}
	}

	for i := range dev.chips {
		c := &dev.chips[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		dev.msg.Printf("chip %d: verifying ramp", i)
		errs, err := dev.testRamp(c)
		if err != nil {
			return err
		}
		for lane, e := range errs {
			if e != 0 {
				dev.msg.Printf("chip %d lane %d: %v ramp discontinuities", i, lane, e)
				return &Error{
					Kind:  RampVerificationFailed,
					Stage: StageFrameClockAligned,
					Chip:  i,
					Lane:  lane,
				}
			}
		}
		rep.Chips[i].Stage = StageRampVerified
	}

	dev.msg.Printf("checking lane bond")
	ok, err = dev.CheckBonded(dev.bondAll)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: LaneBondingFailed, Stage: StageRampVerified, Chip: -1, Lane: -1}
	}
	for i := range rep.Chips {
		rep.Chips[i].Stage = StageLaneBonded
	}

	dev.msg.Printf("restoring %v mode", dev.demux)
	if err := dev.setDemux(dev.demux); err != nil {
		return err
	}
	for i := range rep.Chips {
		rep.Chips[i].Stage = StageCalibrated
	}
	dev.msg.Printf("calibration complete")
	return nil
}
