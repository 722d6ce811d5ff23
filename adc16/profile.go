// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import "fmt"

// A Profile describes the fabric side of one ADC16 board build: device
// names, control-word layout and chip population. Register addresses
// and bit layouts are configuration data supplied by the board profile,
// not computed by the calibration engine.
type Profile struct {
	Controller string // controller device name

	Words  CtrlWords    // write-side word offsets within the controller
	Ctrl   CtrlLayout   // command fields of the control word
	Status StatusLayout // fields of the status word (read offset 0)
	Wire   WireLayout   // three-wire serial bit positions

	NTaps   int // delay-line tap count; legal taps are 0..NTaps-1
	TapStep int // tap increment during sweeps

	SnapSamples int // samples per chip per capture

	Chips []ChipProfile
}

// CtrlWords gives the write-side word offsets of the controller block.
type CtrlWords struct {
	Wire3    uint32 // three-wire serial bit-bang
	Ctrl     uint32 // demux/reset/snapshot/delay/bitslip commands
	StrobeLo uint32 // delay strobes, even (a) lanes
	StrobeHi uint32 // delay strobes, odd (b) lanes
}

// CtrlLayout gives the command fields of the control word.
type CtrlLayout struct {
	DemuxWrite  uint32
	DemuxMode   uint32
	Reset       uint32
	SnapReq     uint32
	DelayTap    uint32
	BitslipChip uint32
	BitslipLane uint32
}

// StatusLayout gives the fields of the controller status word.
type StatusLayout struct {
	ZdokRev  uint32
	Locked   uint32
	NumUnits uint32
	CtrlRev  uint32
	BoardRev uint32
	Wire3    uint32
}

// WireLayout gives the bit positions of the three-wire serial bus
// within the controller's 3-wire word. Chip selects are active high on
// the fabric side.
type WireLayout struct {
	CS    uint32 // one select bit per chip
	SData uint32
	SClk  uint32
}

// A ChipProfile describes one ADC chip position on the board.
type ChipProfile struct {
	Model    string // chip family: "hmcad1511", "hmcad1520", "ads5296"
	Res      uint8  // sample resolution, in bits
	Lanes    uint8  // active serial lanes into the fabric
	Path     StimPath
	SnapCtrl string // snapshot control device
	SnapBRAM string // snapshot data device
}

// StimPath names the stimulus-control register dialect wired to a chip
// position. The assignment is a board topology fact carried by the
// profile.
type StimPath uint8

const (
	PathA StimPath = iota // ADS-dialect stimulus registers
	PathB                 // HMCAD-dialect stimulus registers
)

func (p StimPath) String() string {
	switch p {
	case PathA:
		return "A"
	case PathB:
		return "B"
	}
	return fmt.Sprintf("StimPath(%d)", uint8(p))
}

// DefaultProfile returns the profile of the reference board build: four
// chips behind an "adc16_controller" device, ADS5296 (10-bit) parts on
// the even positions and HMCAD1511 (8-bit) parts on the odd ones, with
// a 32-tap delay line.
func DefaultProfile() Profile {
	p := Profile{
		Controller: "adc16_controller",
		Words: CtrlWords{
			Wire3:    0,
			Ctrl:     1,
			StrobeLo: 2,
			StrobeHi: 3,
		},
		Ctrl: CtrlLayout{
			DemuxWrite:  0x1 << 26,
			DemuxMode:   0x3 << 24,
			Reset:       0x1 << 20,
			SnapReq:     0x1 << 16,
			DelayTap:    0x1f,
			BitslipChip: 0xff << 8,
			BitslipLane: 0x7 << 5,
		},
		Status: StatusLayout{
			ZdokRev:  0x3 << 28,
			Locked:   0x3 << 24,
			NumUnits: 0xf << 20,
			CtrlRev:  0x3 << 18,
			BoardRev: 0x3 << 16,
			Wire3:    0xffff,
		},
		Wire: WireLayout{
			CS:    0xff,
			SData: 0x1 << 8,
			SClk:  0x1 << 9,
		},
		NTaps:       32,
		TapStep:     1,
		SnapSamples: 1024,
	}
	for i := 0; i < 4; i++ {
		cp := ChipProfile{
			Model:    "hmcad1511",
			Res:      8,
			Lanes:    8,
			Path:     PathB,
			SnapCtrl: fmt.Sprintf("adc_snapshot%d_ctrl", i),
			SnapBRAM: fmt.Sprintf("adc_snapshot%d_bram", i),
		}
		if i%2 == 0 {
			cp.Model = "ads5296"
			cp.Res = 10
			cp.Path = PathA
		}
		p.Chips = append(p.Chips, cp)
	}
	return p
}

func (p *Profile) validate() error {
	if p.Controller == "" {
		return fmt.Errorf("adc16: profile has no controller device")
	}
	if p.NTaps <= 0 {
		return fmt.Errorf("adc16: profile has invalid tap count %d", p.NTaps)
	}
	if p.TapStep <= 0 {
		return fmt.Errorf("adc16: profile has invalid tap step %d", p.TapStep)
	}
	if p.SnapSamples <= 0 {
		return fmt.Errorf("adc16: profile has invalid snapshot size %d", p.SnapSamples)
	}
	if len(p.Chips) == 0 {
		return fmt.Errorf("adc16: profile has no chips")
	}
	for i, c := range p.Chips {
		if c.Res == 0 || c.Res > 16 {
			return fmt.Errorf("adc16: chip %d: invalid resolution %d", i, c.Res)
		}
		if c.Lanes == 0 || c.Lanes > 8 {
			return fmt.Errorf("adc16: chip %d: invalid lane count %d", i, c.Lanes)
		}
		if c.SnapCtrl == "" || c.SnapBRAM == "" {
			return fmt.Errorf("adc16: chip %d: missing snapshot devices", i)
		}
		if p.SnapSamples%int(c.Lanes) != 0 {
			return fmt.Errorf("adc16: chip %d: snapshot size %d not a multiple of %d lanes",
				i, p.SnapSamples, c.Lanes,
			)
		}
	}
	return nil
}

// tapValues returns the tap settings visited by a sweep.
func (p *Profile) tapValues() []int {
	taps := make([]int, 0, p.NTaps/p.TapStep)
	for tap := 0; tap < p.NTaps; tap += p.TapStep {
		taps = append(taps, tap)
	}
	return taps
}
