// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

// PatternMode selects the test stimulus a chip drives onto its lanes.
type PatternMode uint8

const (
	PatOff    PatternMode = iota
	PatSingle             // one constant word
	PatDual               // two words, alternating
	PatRamp               // free-running counter
)

func (m PatternMode) String() string {
	switch m {
	case PatOff:
		return "off"
	case PatSingle:
		return "single"
	case PatDual:
		return "dual"
	case PatRamp:
		return "ramp"
	}
	return "PatternMode(?)"
}

// wireOp is one chip-register write of a stimulus or bring-up script.
type wireOp struct {
	reg uint8
	val uint16
}

// stimPaths routes stimulus programming to the register dialect wired
// to each chip position. Which path a position uses is a topology fact
// carried by the profile; changes stay local to this table.
var stimPaths = map[StimPath]func(res uint8, mode PatternMode, p1, p2 uint32, canon bool) []wireOp{
	PathA: stimADS,
	PathB: stimHMC,
}

// HMCAD-dialect stimulus registers (path B). Custom patterns are
// left-justified in their 16-bit registers.
const (
	hmcRegPat     = 0x25
	hmcRegCustom1 = 0x26
	hmcRegCustom2 = 0x27
	hmcRegSync    = 0x45

	hmcPatSingle = 0x0010
	hmcPatDual   = 0x0020
	hmcPatRamp   = 0x0040
	hmcPatSync   = 0x0002
)

func stimHMC(res uint8, mode PatternMode, p1, p2 uint32, canon bool) []wireOp {
	just := 16 - uint(res)
	switch mode {
	case PatOff:
		return []wireOp{{hmcRegPat, 0}, {hmcRegSync, 0}}
	case PatRamp:
		return []wireOp{{hmcRegPat, hmcPatRamp}}
	case PatSingle:
		if canon {
			// The chip generates the canonical word itself in
			// sync-pattern mode.
			return []wireOp{{hmcRegSync, hmcPatSync}}
		}
		return []wireOp{
			{hmcRegCustom1, uint16(p1 << just)},
			{hmcRegPat, hmcPatSingle},
		}
	case PatDual:
		return []wireOp{
			{hmcRegCustom1, uint16(p1 << just)},
			{hmcRegCustom2, uint16(p2 << just)},
			{hmcRegPat, hmcPatDual},
		}
	}
	return nil
}

// ADS-dialect stimulus registers (path A). One mode register; custom
// patterns left-justified, as on path B.
const (
	adsRegTest    = 0x25
	adsRegCustom1 = 0x2a
	adsRegCustom2 = 0x2b

	adsPatOff    = 0x0000
	adsPatSync   = 0x0001
	adsPatRamp   = 0x0004
	adsPatSingle = 0x0005
	adsPatDual   = 0x0006
)

func stimADS(res uint8, mode PatternMode, p1, p2 uint32, canon bool) []wireOp {
	just := 16 - uint(res)
	switch mode {
	case PatOff:
		return []wireOp{{adsRegTest, adsPatOff}}
	case PatRamp:
		return []wireOp{{adsRegTest, adsPatRamp}}
	case PatSingle:
		if canon {
			return []wireOp{{adsRegTest, adsPatSync}}
		}
		return []wireOp{
			{adsRegCustom1, uint16(p1 << just)},
			{adsRegTest, adsPatSingle},
		}
	case PatDual:
		return []wireOp{
			{adsRegCustom1, uint16(p1 << just)},
			{adsRegCustom2, uint16(p2 << just)},
			{adsRegTest, adsPatDual},
		}
	}
	return nil
}

// syncPattern is the canonical test word for a resolution: ones in the
// top half, zeros in the bottom.
func syncPattern(res uint8) uint32 {
	half := uint(res) / 2
	return (1<<half - 1) << half
}

// dualPattern is the canonical alternating pair. The two words differ
// in every bit position, so any stable capture of them exposes both
// framing and sampling errors.
func dualPattern(res uint8) (p1, p2 uint32) {
	half := uint(res) / 2
	mask := uint32(1)<<half - 1
	p1 = (0xaaaaaaaa&mask)<<half | (0xffffffff & mask)
	p2 = (0x55555555 & mask) << half
	return p1, p2
}

// signedPattern maps a pattern word to the signed sample the capture
// path reports for it. The chips run offset binary: zero scale is the
// half-range code.
func signedPattern(v uint32, res uint8) int32 {
	return int32(v&(1<<uint(res)-1)) - int32(1)<<(res-1)
}

// setPattern arms the test stimulus of one chip and returns the signed
// values the capture path will see for it. For PatSingle and PatDual
// with no explicit patterns, the canonical patterns of the chip's own
// resolution are synthesized; callers score against the returned
// values, not against what they asked for.
func (dev *Device) setPattern(c *Chip, mode PatternMode, pats ...uint32) (p1, p2 int32, err error) {
	var (
		u1, u2 uint32
		canon  bool
	)
	switch mode {
	case PatOff, PatRamp:
		if len(pats) != 0 {
			return 0, 0, errInvalid("mode %v takes no pattern", mode)
		}
	case PatSingle:
		switch len(pats) {
		case 0:
			u1, canon = syncPattern(c.Res), true
		case 1:
			u1 = pats[0]
		default:
			return 0, 0, errInvalid("mode %v takes at most one pattern", mode)
		}
	case PatDual:
		switch len(pats) {
		case 0:
			u1, u2 = dualPattern(c.Res)
			canon = true
		case 2:
			u1, u2 = pats[0], pats[1]
		default:
			return 0, 0, errInvalid("mode %v takes exactly two patterns", mode)
		}
	default:
		return 0, 0, errInvalid("unknown pattern mode %d", mode)
	}
	if max := uint32(1)<<c.Res - 1; u1 > max || u2 > max {
		return 0, 0, errInvalid("pattern wider than %d bits", c.Res)
	}

	stim, ok := stimPaths[c.path]
	if !ok {
		return 0, 0, errInvalid("chip %d has unknown stimulus path %v", c.ID, c.path)
	}
	if err := writeOps(dev.wireTo(c), stim(c.Res, mode, u1, u2, canon)); err != nil {
		return 0, 0, err
	}
	return signedPattern(u1, c.Res), signedPattern(u2, c.Res), nil
}

func (dev *Device) patternOff(c *Chip) error {
	_, _, err := dev.setPattern(c, PatOff)
	return err
}

// ScoreMode selects how TestPattern grades a capture.
type ScoreMode uint8

const (
	ScoreStd  ScoreMode = iota // value spread or stability
	ScoreErr                   // exact mismatch counts
	ScoreRamp                  // ramp discontinuities
)

// TestPattern arms a test stimulus on one chip, captures once, scores
// every lane and switches the stimulus off again. ScoreStd and
// ScoreErr take zero, one or two patterns: none arms the canonical
// single pattern, one a custom constant, two an alternating pair.
// ScoreRamp takes no pattern.
func (dev *Device) TestPattern(chip int, mode ScoreMode, pats ...uint32) (errs []float64, err error) {
	c, err := dev.chip(chip)
	if err != nil {
		return nil, err
	}
	if mode == ScoreRamp {
		if len(pats) != 0 {
			return nil, errInvalid("ramp scoring takes no pattern")
		}
		return dev.testRamp(c)
	}

	pmode, dual := PatSingle, false
	if len(pats) == 2 {
		pmode, dual = PatDual, true
	}
	p1, p2, err := dev.setPattern(c, pmode, pats...)
	if err != nil {
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
	lanes := int(c.Lanes)
	switch {
	case mode == ScoreStd && dual:
		return stdDualScores(m, lanes), nil
	case mode == ScoreStd:
		return stdScores(m, lanes), nil
	case mode == ScoreErr && dual:
		return errDualScores(m, lanes, p1, p2), nil
	case mode == ScoreErr:
		return errSingleScores(m, lanes, p1), nil
	}
	return nil, errInvalid("unknown score mode %d", mode)
}

// patternErrors arms the canonical dual pattern on one chip, captures
// once and counts word mismatches per lane. The stimulus is switched
// off again before returning.
func (dev *Device) patternErrors(c *Chip) (errs []float64, err error) {
	p1, p2, err := dev.setPattern(c, PatDual)
	if err != nil {
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
	return errDualScores(m, int(c.Lanes), p1, p2), nil
}
