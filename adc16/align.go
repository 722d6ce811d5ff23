// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

// alignTaps centres every lane delay of one chip inside its data eye:
// sweep the taps under the canonical dual pattern, pick the tap with
// the widest error-free margin per lane and apply it. A lane with no
// error-free tap fails the chip.
func (dev *Device) alignTaps(c *Chip) error {
	sw, err := dev.sweepChip(c)
	if err != nil {
		return err
	}
	for lane := 0; lane < int(c.Lanes); lane++ {
		best, ok := selectTap(sw.Lane(lane))
		if !ok {
			dev.msg.Printf("chip %d lane %d: no error-free tap", c.ID, lane)
			return &Error{
				Kind:  AlignmentExhausted,
				Stage: StageClockLocked,
				Chip:  int(c.ID),
				Lane:  lane,
			}
		}
		tap := sw.Taps[best]
		dev.msg.Printf("chip %d lane %d: tap %d", c.ID, lane, tap)
		if err := dev.applyDelay(tap, []*Chip{c}, []uint8{uint8(lane)}); err != nil {
			return err
		}
	}
	return nil
}

// alignLineClock runs the tap alignment of one chip and verifies it
// took, retrying up to the configured attempt count. Verification uses
// the value-stability score: word framing is still arbitrary at this
// point, so only the presence of exactly two stable values counts.
func (dev *Device) alignLineClock(c *Chip) error {
	var err error
	for attempt := 0; attempt < dev.attempts; attempt++ {
		if attempt > 0 {
			dev.msg.Printf("chip %d: line clock not aligned, retrying", c.ID)
		}
		if err = dev.alignTaps(c); err != nil {
			return err
		}
		var stable bool
		stable, err = dev.lineStable(c)
		if err != nil {
			return err
		}
		if stable {
			return nil
		}
	}
	return &Error{
		Kind:  AlignmentExhausted,
		Stage: StageClockLocked,
		Chip:  int(c.ID),
		Lane:  -1,
	}
}

// lineStable captures one chip under the canonical dual pattern and
// reports whether every lane holds exactly two values.
func (dev *Device) lineStable(c *Chip) (ok bool, err error) {
	if _, _, err := dev.setPattern(c, PatDual); err != nil {
		return false, err
	}
	defer func() {
		if cerr := dev.patternOff(c); cerr != nil && err == nil {
			ok, err = false, cerr
		}
	}()
	m, err := dev.capture(c, true)
	if err != nil {
		return false, err
	}
	for _, e := range stdDualScores(m, int(c.Lanes)) {
		if e != 0 {
			return false, nil
		}
	}
	return true, nil
}

// AlignWord rotates the deserializer of one lane until it frames whole
// words of the canonical dual pattern. The search is bounded at twice
// the word width; past that the lane alignment is exhausted.
func (dev *Device) AlignWord(chip, lane int) error {
	c, err := dev.chip(chip)
	if err != nil {
		return err
	}
	if lane < 0 || lane >= int(c.Lanes) {
		return errInvalid("lane %d out of range [0, %d)", lane, c.Lanes)
	}
	for i := 0; i < 2*int(c.Res); i++ {
		errs, err := dev.wordErrs(c)
		if err != nil {
			return err
		}
		if errs[lane] == 0 {
			return nil
		}
		if err := dev.bitslip(c, uint8(lane)); err != nil {
			return err
		}
	}
	return &Error{
		Kind:  AlignmentExhausted,
		Stage: StageLineClockAligned,
		Chip:  chip,
		Lane:  lane,
	}
}

// alignWords walks all lanes of one chip onto word boundaries,
// slipping every misframed lane once per round.
func (dev *Device) alignWords(c *Chip) error {
	for round := 0; round < 2*int(c.Res); round++ {
		errs, err := dev.wordErrs(c)
		if err != nil {
			return err
		}
		done := true
		for lane, e := range errs {
			if e == 0 {
				continue
			}
			done = false
			dev.msg.Printf("round %d: bitslipping chip %d lane %d", round, c.ID, lane)
			if err := dev.bitslip(c, uint8(lane)); err != nil {
				return err
			}
		}
		if done {
			dev.msg.Printf("chip %d: word boundaries locked", c.ID)
			return nil
		}
	}
	if dev.softWord {
		dev.msg.Printf("chip %d: word alignment exhausted, relying on final checks", c.ID)
		return nil
	}
	return &Error{
		Kind:  AlignmentExhausted,
		Stage: StageLineClockAligned,
		Chip:  int(c.ID),
		Lane:  -1,
	}
}

// wordsAligned reports whether every lane of every chip frames whole
// words of its canonical dual pattern.
func (dev *Device) wordsAligned() (bool, error) {
	for i := range dev.chips {
		errs, err := dev.wordErrs(&dev.chips[i])
		if err != nil {
			return false, err
		}
		for _, e := range errs {
			if e != 0 {
				return false, nil
			}
		}
	}
	return true, nil
}
