// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

// testRamp arms the free-running ramp on one chip, captures once and
// counts per-lane discontinuities. The stimulus is switched off again
// before returning.
func (dev *Device) testRamp(c *Chip) (errs []float64, err error) {
	if _, _, err := dev.setPattern(c, PatRamp); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := dev.patternOff(c); cerr != nil && err == nil {
			errs, err = nil, cerr
		}
	}()
	m, err := dev.capture(c, true)
	if err != nil {
		return nil, err
	}
	return rampScores(m, int(c.Lanes), c.Res), nil
}

// CheckBonded verifies that all lanes left test mode on a shared
// sample phase. Every chip drives its free-running ramp at once, one
// capture per chip is taken, and the first sample of every lane must
// equal the reference: the chip's own lane 0, or chip 0's lane 0 with
// cross set. Each lane can pass the ramp continuity check on its own
// and still fail here, phase-shifted against its neighbours.
func (dev *Device) CheckBonded(cross bool) (ok bool, err error) {
	var armed []*Chip
	defer func() {
		for _, c := range armed {
			if cerr := dev.patternOff(c); cerr != nil && err == nil {
				ok, err = false, cerr
			}
		}
	}()
	for i := range dev.chips {
		c := &dev.chips[i]
		if _, _, err := dev.setPattern(c, PatRamp); err != nil {
			return false, err
		}
		armed = append(armed, c)
	}

	ok = true
	var ref int32
	for i := range dev.chips {
		c := &dev.chips[i]
		m, err := dev.capture(c, false)
		if err != nil {
			return false, err
		}
		first := m[0]
		if i == 0 || !cross {
			ref = first[0]
		}
		for lane, v := range first {
			if v != ref {
				dev.msg.Printf("chip %d lane %d: phase %d, want %d", i, lane, v, ref)
				ok = false
			}
		}
	}
	return ok, nil
}
