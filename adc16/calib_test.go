// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

// calibBoard builds a fake board whose power-up framing is arbitrary,
// as after a real power cycle: lane l of chip i deserializes offset by
// (i+l)%5 bits.
func calibBoard(t *testing.T, opts ...Option) (*testBoard, *Device) {
	t.Helper()
	b := newTestBoard(DefaultProfile())
	for i, c := range b.chips {
		for l := range c.frame {
			c.frame[l] = (i + l) % 5
		}
	}
	dev, err := New(b, append([]Option{quiet()}, opts...)...)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	return b, dev
}

func TestCalibrate(t *testing.T) {
	b, dev := calibBoard(t, WithSensor(func() (float64, error) { return 41.5, nil }))
	rep, err := dev.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("could not calibrate: %+v", err)
	}
	if !rep.OK || rep.Stage != StageCalibrated {
		t.Fatalf("invalid report: ok=%v, stage=%v", rep.OK, rep.Stage)
	}
	if rep.Temp != 41.5 {
		t.Fatalf("invalid temperature: got=%v, want=41.5", rep.Temp)
	}
	if rep.Demux != Demux4 {
		t.Fatalf("invalid demux mode: got=%v, want=%v", rep.Demux, Demux4)
	}
	for i, cr := range rep.Chips {
		if cr.Stage != StageCalibrated {
			t.Errorf("chip %d: invalid stage: got=%v, want=%v", i, cr.Stage, StageCalibrated)
		}
		for lane, tap := range cr.Taps {
			if tap != 15 {
				t.Errorf("chip %d lane %d: invalid tap: got=%d, want=15", i, lane, tap)
			}
		}
	}
	if got, want := rep.Chips[0].Model, "ads5296"; got != want {
		t.Fatalf("invalid chip model: got=%q, want=%q", got, want)
	}

	// The fabric saw full interleave during calibration and the
	// requested mode afterwards.
	if want := []uint32{2, 0}; !reflect.DeepEqual(b.demuxLog, want) {
		t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
	}
	for i, c := range b.chips {
		if !c.stimIsOff() {
			t.Errorf("chip %d: stimulus left armed", i)
		}
		for l := range c.frame {
			if c.frame[l] != 0 {
				t.Errorf("chip %d lane %d: still misframed by %d", i, l, c.frame[l])
			}
			if got, want := c.slips[l], (i+l)%5; got != want {
				t.Errorf("chip %d lane %d: invalid bitslip count: got=%d, want=%d", i, l, got, want)
			}
			if c.taps[l] != 15 {
				t.Errorf("chip %d lane %d: invalid applied tap: got=%d, want=15", i, l, c.taps[l])
			}
		}
	}
}

func TestCalibrateParallel(t *testing.T) {
	b, dev := calibBoard(t, WithParallel(true))
	rep, err := dev.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("could not calibrate: %+v", err)
	}
	if !rep.OK || rep.Stage != StageCalibrated {
		t.Fatalf("invalid report: ok=%v, stage=%v", rep.OK, rep.Stage)
	}
	for i, c := range b.chips {
		for l := range c.frame {
			if c.frame[l] != 0 || c.taps[l] != 15 {
				t.Errorf("chip %d lane %d: frame=%d tap=%d", i, l, c.frame[l], c.taps[l])
			}
		}
	}
	if want := []uint32{2, 0}; !reflect.DeepEqual(b.demuxLog, want) {
		t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
	}
}

func TestCalibrateNotLocked(t *testing.T) {
	b, dev := calibBoard(t)
	b.locked = 0b01
	rep, err := dev.Calibrate(context.Background())
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != ClockNotLocked {
		t.Fatalf("invalid error: %+v", err)
	}
	if derr.Stage != StageStart || derr.Chip != -1 {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	if rep.OK || rep.Stage != StageStart {
		t.Fatalf("invalid report: ok=%v, stage=%v", rep.OK, rep.Stage)
	}
	if !math.IsNaN(rep.Temp) {
		t.Fatalf("invalid temperature without a sensor: got=%v", rep.Temp)
	}
	// The board is left in full interleave on failure.
	if want := []uint32{2}; !reflect.DeepEqual(b.demuxLog, want) {
		t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
	}
}

func TestCalibrateDeadEye(t *testing.T) {
	b, dev := calibBoard(t)
	b.chips[2].eyeLo, b.chips[2].eyeHi = 1, 0
	rep, err := dev.Calibrate(context.Background())
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != AlignmentExhausted {
		t.Fatalf("invalid error: %+v", err)
	}
	if derr.Stage != StageClockLocked || derr.Chip != 2 || derr.Lane != 0 {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	for i, want := range []Stage{
		StageFrameClockAligned,
		StageFrameClockAligned,
		StageClockLocked,
		StageClockLocked,
	} {
		if got := rep.Chips[i].Stage; got != want {
			t.Errorf("chip %d: invalid stage: got=%v, want=%v", i, got, want)
		}
	}
	if rep.Stage != StageClockLocked {
		t.Fatalf("invalid report stage: got=%v", rep.Stage)
	}
	for i, c := range b.chips {
		if !c.stimIsOff() {
			t.Errorf("chip %d: stimulus left armed", i)
		}
	}
	if want := []uint32{2}; !reflect.DeepEqual(b.demuxLog, want) {
		t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
	}
}

func TestAlignWordBound(t *testing.T) {
	tr := new(recorder)
	dev, err := New(tr, quiet())
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}

	countSlips := func() int {
		n := 0
		for _, w := range tr.writes {
			if w.off == 1 && w.v&(0xff<<8) != 0 {
				n++
			}
		}
		return n
	}

	// A lane that never frames is abandoned after two word widths of
	// rotation.
	bad := make([]float64, 8)
	for i := range bad {
		bad[i] = 1
	}
	dev.wordErrs = func(c *Chip) ([]float64, error) { return bad, nil }
	var derr *Error
	if err := dev.AlignWord(1, 3); !errors.As(err, &derr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if derr.Kind != AlignmentExhausted || derr.Stage != StageLineClockAligned {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	if derr.Chip != 1 || derr.Lane != 3 {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	if got, want := countSlips(), 16; got != want {
		t.Fatalf("invalid bitslip count: got=%d, want=%d", got, want)
	}

	// A framed lane is left alone.
	tr.writes = nil
	dev.wordErrs = func(c *Chip) ([]float64, error) { return make([]float64, 8), nil }
	if err := dev.AlignWord(1, 3); err != nil {
		t.Fatalf("could not align word: %+v", err)
	}
	if got := countSlips(); got != 0 {
		t.Fatalf("invalid bitslip count: got=%d, want=0", got)
	}

	if err := dev.AlignWord(0, 8); !errors.As(err, &derr) || derr.Kind != InvalidParameter {
		t.Fatalf("invalid error for bad lane: %+v", err)
	}
}

func TestCalibrateStuckLane(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		b, dev := calibBoard(t)
		b.chips[1].stuck = true
		rep, err := dev.Calibrate(context.Background())
		var derr *Error
		if !errors.As(err, &derr) || derr.Kind != AlignmentExhausted {
			t.Fatalf("invalid error: %+v", err)
		}
		if derr.Stage != StageLineClockAligned || derr.Chip != 1 || derr.Lane != -1 {
			t.Fatalf("invalid error detail: %+v", derr)
		}
		for i, want := range []Stage{
			StageFrameClockAligned,
			StageLineClockAligned,
			StageClockLocked,
			StageClockLocked,
		} {
			if got := rep.Chips[i].Stage; got != want {
				t.Errorf("chip %d: invalid stage: got=%v, want=%v", i, got, want)
			}
		}
		// Every misframed lane was slipped once per round until the
		// search gave up; frame (1+4)%5 == 0 leaves lane 4 alone.
		if got, want := b.chips[1].slips[0], 16; got != want {
			t.Fatalf("invalid bitslip count: got=%d, want=%d", got, want)
		}
		if got := b.chips[1].slips[4]; got != 0 {
			t.Fatalf("invalid bitslip count for framed lane: got=%d, want=0", got)
		}
	})

	t.Run("soft", func(t *testing.T) {
		b, dev := calibBoard(t, WithSoftWordAlign(true))
		b.chips[1].stuck = true
		rep, err := dev.Calibrate(context.Background())
		var derr *Error
		if !errors.As(err, &derr) || derr.Kind != AlignmentExhausted {
			t.Fatalf("invalid error: %+v", err)
		}
		// Exhaustion is tolerated per chip and caught by the final
		// whole-board check instead.
		if derr.Chip != -1 || derr.Lane != -1 {
			t.Fatalf("invalid error detail: %+v", derr)
		}
		for i := range rep.Chips {
			if got := rep.Chips[i].Stage; got != StageFrameClockAligned {
				t.Errorf("chip %d: invalid stage: got=%v", i, got)
			}
		}
		if rep.Stage != StageFrameClockAligned {
			t.Fatalf("invalid report stage: got=%v", rep.Stage)
		}
	})
}

func TestCalibrateRampGlitch(t *testing.T) {
	b, dev := calibBoard(t)
	b.chips[3].glitchLane, b.chips[3].glitchRow = 2, 100
	rep, err := dev.Calibrate(context.Background())
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != RampVerificationFailed {
		t.Fatalf("invalid error: %+v", err)
	}
	if derr.Stage != StageFrameClockAligned || derr.Chip != 3 || derr.Lane != 2 {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	for i, want := range []Stage{
		StageRampVerified,
		StageRampVerified,
		StageRampVerified,
		StageFrameClockAligned,
	} {
		if got := rep.Chips[i].Stage; got != want {
			t.Errorf("chip %d: invalid stage: got=%v, want=%v", i, got, want)
		}
	}
	for i, c := range b.chips {
		if !c.stimIsOff() {
			t.Errorf("chip %d: stimulus left armed", i)
		}
	}
}

func TestCalibrateBondFail(t *testing.T) {
	b, dev := calibBoard(t)
	b.chips[2].phase[6] = 3
	rep, err := dev.Calibrate(context.Background())
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != LaneBondingFailed {
		t.Fatalf("invalid error: %+v", err)
	}
	if derr.Stage != StageRampVerified || derr.Chip != -1 {
		t.Fatalf("invalid error detail: %+v", derr)
	}
	if rep.Stage != StageRampVerified {
		t.Fatalf("invalid report stage: got=%v", rep.Stage)
	}
	for i, c := range b.chips {
		if !c.stimIsOff() {
			t.Errorf("chip %d: stimulus left armed", i)
		}
	}
	if want := []uint32{2}; !reflect.DeepEqual(b.demuxLog, want) {
		t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
	}
}

// uniformProfile is the default profile with one chip family at every
// position, as cross-chip bonding requires.
func uniformProfile() Profile {
	p := DefaultProfile()
	for i := range p.Chips {
		p.Chips[i].Model = "hmcad1511"
		p.Chips[i].Res = 8
		p.Chips[i].Path = PathB
	}
	return p
}

func TestCheckBonded(t *testing.T) {
	p := uniformProfile()
	b := newTestBoard(p)
	for _, c := range b.chips {
		c.eyeLo = 0 // power-up taps sample cleanly
	}
	for l := range b.chips[1].phase {
		b.chips[1].phase[l] = 2
	}
	dev, err := New(b, quiet(), WithProfile(p))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}

	// Chip 1 is internally consistent but two samples off its peers.
	ok, err := dev.CheckBonded(false)
	if err != nil {
		t.Fatalf("could not check bond: %+v", err)
	}
	if !ok {
		t.Fatalf("per-chip bond check failed")
	}
	ok, err = dev.CheckBonded(true)
	if err != nil {
		t.Fatalf("could not check bond: %+v", err)
	}
	if ok {
		t.Fatalf("cross-chip bond check passed with a shifted chip")
	}
	for i, c := range b.chips {
		if !c.stimIsOff() {
			t.Errorf("chip %d: stimulus left armed", i)
		}
	}
}

func TestCalibrateCrossChipBond(t *testing.T) {
	shifted := func() *testBoard {
		b := newTestBoard(uniformProfile())
		for l := range b.chips[1].phase {
			b.chips[1].phase[l] = 2
		}
		return b
	}

	dev, err := New(shifted(), quiet(), WithProfile(uniformProfile()))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	if rep, err := dev.Calibrate(context.Background()); err != nil || !rep.OK {
		t.Fatalf("per-chip calibration failed: %+v", err)
	}

	dev, err = New(shifted(), quiet(), WithProfile(uniformProfile()), WithCrossChipBond(true))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	_, err = dev.Calibrate(context.Background())
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != LaneBondingFailed {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestCalibrateCancelled(t *testing.T) {
	_, dev := calibBoard(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := dev.Calibrate(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: %+v", err)
	}
	if rep.OK || rep.Stage != StageClockLocked {
		t.Fatalf("invalid report: ok=%v, stage=%v", rep.OK, rep.Stage)
	}
}

func TestCalibrateSensorError(t *testing.T) {
	_, dev := calibBoard(t, WithSensor(func() (float64, error) {
		return 0, errors.New("bus timeout")
	}))
	rep, err := dev.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("could not calibrate: %+v", err)
	}
	if !rep.OK || !math.IsNaN(rep.Temp) {
		t.Fatalf("invalid report: ok=%v, temp=%v", rep.OK, rep.Temp)
	}
}
