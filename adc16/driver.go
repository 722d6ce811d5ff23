// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import "fmt"

// A driver knows one ADC family's serial-register dialect: how to
// bring a chip out of reset into the requested operating mode. The
// family is selected once, from the profile, at construction.
type driver interface {
	init(w *wire, c *Chip, mode DemuxMode) error
}

// newDriver selects the driver for a chip position.
func newDriver(cp ChipProfile) (driver, error) {
	switch cp.Model {
	case "hmcad1511":
		if cp.Res != 8 {
			return nil, fmt.Errorf("adc16: hmcad1511 runs 8 bits, profile asks for %d", cp.Res)
		}
		return hmcad1511{}, nil
	case "hmcad1520":
		switch cp.Res {
		case 8, 12, 14:
			return hmcad1520{res: cp.Res}, nil
		}
		return nil, fmt.Errorf("adc16: hmcad1520 runs 8, 12 or 14 bits, profile asks for %d", cp.Res)
	case "ads5296":
		if cp.Res != 10 {
			return nil, fmt.Errorf("adc16: ads5296 runs 10 bits, profile asks for %d", cp.Res)
		}
		return ads5296{}, nil
	}
	return nil, fmt.Errorf("adc16: unknown chip model %q", cp.Model)
}

// HMCAD-family registers used during bring-up.
const (
	hmcRegReset   = 0x00
	hmcRegPower   = 0x0f
	hmcRegChanNum = 0x31
	hmcRegFormat  = 0x46
	hmcRegResSel  = 0x53 // hmcad1520 only

	hmcPowerSleep = 0x0200
)

type hmcad1511 struct{}

func (hmcad1511) init(w *wire, c *Chip, mode DemuxMode) error {
	return hmcInit(w, mode, 0)
}

type hmcad1520 struct {
	res uint8
}

func (d hmcad1520) init(w *wire, c *Chip, mode DemuxMode) error {
	var sel uint16
	switch d.res {
	case 12:
		sel = 0x0001
	case 14:
		sel = 0x0002
	}
	return hmcInit(w, mode, sel)
}

// hmcInit walks an HMCAD chip through reset into the requested channel
// mode. The chip must sleep while channel_num changes.
func hmcInit(w *wire, mode DemuxMode, resSel uint16) error {
	ops := []wireOp{
		{hmcRegReset, 0x0001},
		{hmcRegPower, hmcPowerSleep},
		{hmcRegChanNum, uint16(mode.Channels())},
		{hmcRegFormat, 0x0000}, // MSB first, offset binary
	}
	if resSel != 0 {
		ops = append(ops, wireOp{hmcRegResSel, resSel})
	}
	ops = append(ops, wireOp{hmcRegPower, 0x0000})
	return writeOps(w, ops)
}

// ADS-family registers used during bring-up.
const (
	adsRegReset      = 0x00
	adsRegInterleave = 0x07
	adsRegInput      = 0x40
	adsRegFormat     = 0x46
)

type ads5296 struct{}

func (ads5296) init(w *wire, c *Chip, mode DemuxMode) error {
	ileave := uint16(0)
	if mode == Demux1 {
		ileave = 0x0001
	}
	return writeOps(w, []wireOp{
		{adsRegReset, 0x0001},
		{adsRegInterleave, ileave},
		{adsRegInput, 0x8000},
		{adsRegFormat, 0x8100}, // offset binary, DDR, 10-bit frames
	})
}

func writeOps(w *wire, ops []wireOp) error {
	for _, op := range ops {
		if err := w.write(op.reg, op.val); err != nil {
			return err
		}
	}
	return nil
}
