// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jack-h/caltech-lwa/internal/bitfield"
)

// testChip models one ADC position of the fake board: its serial
// registers, the stimulus they select, the deserializer framing and
// the data eye of its lanes.
type testChip struct {
	path  StimPath
	res   uint8
	lanes int
	max   uint32
	half  uint32

	regs  map[uint8]uint16 // serial-register writes, latest value
	cust1 uint32
	cust2 uint32

	eyeLo, eyeHi int // taps that sample cleanly

	taps  []int
	frame []int // deserializer misframe per lane, in bits
	slips []int // bitslips received per lane
	stuck bool  // bitslips are accepted but change nothing

	phase      []uint32 // per-lane ramp offset
	glitchLane int      // lane with one ramp discontinuity, -1 for none
	glitchRow  int

	armed bool
	block []byte
}

func (c *testChip) writeReg(reg uint8, val uint16) {
	c.regs[reg] = val
	just := 16 - uint(c.res)
	switch c.path {
	case PathA:
		switch reg {
		case adsRegCustom1:
			c.cust1 = uint32(val) >> just
		case adsRegCustom2:
			c.cust2 = uint32(val) >> just
		}
	case PathB:
		switch reg {
		case hmcRegCustom1:
			c.cust1 = uint32(val) >> just
		case hmcRegCustom2:
			c.cust2 = uint32(val) >> just
		}
	}
}

// stim decodes the live stimulus from the chip's register state.
func (c *testChip) stim() (PatternMode, uint32, uint32) {
	switch c.path {
	case PathA:
		switch c.regs[adsRegTest] {
		case adsPatSync:
			return PatSingle, syncPattern(c.res), 0
		case adsPatRamp:
			return PatRamp, 0, 0
		case adsPatSingle:
			return PatSingle, c.cust1, 0
		case adsPatDual:
			return PatDual, c.cust1, c.cust2
		}
	case PathB:
		switch c.regs[hmcRegPat] {
		case hmcPatSingle:
			return PatSingle, c.cust1, 0
		case hmcPatDual:
			return PatDual, c.cust1, c.cust2
		case hmcPatRamp:
			return PatRamp, 0, 0
		}
		if c.regs[hmcRegSync] == hmcPatSync {
			return PatSingle, syncPattern(c.res), 0
		}
	}
	return PatOff, 0, 0
}

func (c *testChip) stimIsOff() bool {
	mode, _, _ := c.stim()
	return mode == PatOff
}

// word returns the serial word the chip drives at sample index r.
func (c *testChip) word(r, lane int) uint32 {
	mode, p1, p2 := c.stim()
	switch mode {
	case PatRamp:
		v := uint32(r) + c.phase[lane]
		if lane == c.glitchLane && r >= c.glitchRow {
			v++
		}
		return v & c.max
	case PatDual:
		if r%2 == 0 {
			return p1
		}
		return p2
	case PatSingle:
		return p1
	}
	return c.half
}

// sample returns the code the fabric captures for one lane at one
// sample instant. Outside the data eye the lane samples junk; inside
// it, a misframed lane sees its word stream shifted across word
// boundaries. The fabric inverts the top bit of every code.
func (c *testChip) sample(r, lane int) uint32 {
	if tap := c.taps[lane]; tap < c.eyeLo || tap > c.eyeHi {
		return uint32(17*r+13*lane+7*tap) & c.max
	}
	u := c.word(r, lane)
	if f := uint(c.frame[lane]); f != 0 {
		u = (u<<f | c.word(r+1, lane)>>(uint(c.res)-f)) & c.max
	}
	return u ^ c.half
}

func (c *testChip) render(n int) {
	width := 1
	if c.res > 8 {
		width = 2
	}
	blk := make([]byte, n*width)
	for i := 0; i < n; i++ {
		u := c.sample(i/c.lanes, i%c.lanes)
		if width == 2 {
			binary.BigEndian.PutUint16(blk[2*i:], uint16(u<<(16-c.res)))
		} else {
			blk[i] = byte(u)
		}
	}
	c.block = blk
}

// testBoard emulates the fabric side of a board: the three-wire serial
// bus, the control and strobe words and the snapshot blocks. All
// methods lock, so parallel calibration can drive it.
type testBoard struct {
	mu sync.Mutex
	p  Profile

	chips []*testChip
	ctrl  map[string]int // snapshot control device name to chip
	bram  map[string]int

	locked   uint8
	resets   int
	demuxLog []uint32 // demux modes written to the fabric, in order

	wcs   uint32 // three-wire decoder state
	wclk  uint32
	shift uint32
	nbits int

	lastCtrl uint32
}

func newTestBoard(p Profile) *testBoard {
	b := &testBoard{
		p:      p,
		ctrl:   make(map[string]int),
		bram:   make(map[string]int),
		locked: 0b11,
	}
	for i, cp := range p.Chips {
		b.chips = append(b.chips, &testChip{
			path:       cp.Path,
			res:        cp.Res,
			lanes:      int(cp.Lanes),
			max:        1<<cp.Res - 1,
			half:       1 << (cp.Res - 1),
			regs:       make(map[uint8]uint16),
			eyeLo:      10,
			eyeHi:      20,
			taps:       make([]int, cp.Lanes),
			frame:      make([]int, cp.Lanes),
			slips:      make([]int, cp.Lanes),
			phase:      make([]uint32, cp.Lanes),
			glitchLane: -1,
		})
		b.ctrl[cp.SnapCtrl] = i
		b.bram[cp.SnapBRAM] = i
	}
	return b
}

func (b *testBoard) WriteWord(dev string, off, v uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.ctrl[dev]; ok {
		if off == 0 && v == snapArm {
			b.chips[i].armed = true
		}
		return nil
	}
	if dev != b.p.Controller {
		return fmt.Errorf("no such device %q", dev)
	}
	switch off {
	case b.p.Words.Wire3:
		b.wireEdge(v)
	case b.p.Words.Ctrl:
		b.ctrlWord(v)
	case b.p.Words.StrobeLo:
		b.strobe(v, 0)
	case b.p.Words.StrobeHi:
		b.strobe(v, 1)
	}
	return nil
}

// wireEdge advances the three-wire decoder by one word write: sample
// SDATA on a rising SCLK and commit the frame when the selects drop.
func (b *testBoard) wireEdge(v uint32) {
	var (
		cs   = bitfield.Get(v, b.p.Wire.CS)
		data = bitfield.Get(v, b.p.Wire.SData)
		clk  = bitfield.Get(v, b.p.Wire.SClk)
	)
	if clk == 1 && b.wclk == 0 {
		b.shift = b.shift<<1 | data
		b.nbits++
	}
	if cs == 0 && b.wcs != 0 {
		if b.nbits == 24 {
			reg := uint8(b.shift >> 16)
			val := uint16(b.shift)
			for i, c := range b.chips {
				if b.wcs&(1<<uint(i)) != 0 {
					c.writeReg(reg, val)
				}
			}
		}
		b.shift, b.nbits = 0, 0
	}
	b.wcs, b.wclk = cs, clk
}

func (b *testBoard) ctrlWord(v uint32) {
	b.lastCtrl = v
	lay := b.p.Ctrl
	if v&lay.DemuxWrite != 0 {
		b.demuxLog = append(b.demuxLog, bitfield.Get(v, lay.DemuxMode))
	}
	if v&lay.Reset != 0 {
		b.resets++
		for _, c := range b.chips {
			for i := range c.taps {
				c.taps[i] = 0
			}
		}
	}
	if v&lay.SnapReq != 0 {
		for _, c := range b.chips {
			if c.armed {
				c.render(b.p.SnapSamples)
				c.armed = false
			}
		}
	}
	if chips := bitfield.Get(v, lay.BitslipChip); chips != 0 {
		lane := bitfield.Get(v, lay.BitslipLane)
		for i, c := range b.chips {
			if chips&(1<<uint(i)) == 0 {
				continue
			}
			c.slips[lane]++
			if !c.stuck {
				c.frame[lane] = (c.frame[lane] + int(c.res) - 1) % int(c.res)
			}
		}
	}
}

func (b *testBoard) strobe(v uint32, odd int) {
	if v == 0 {
		return
	}
	tap := int(bitfield.Get(b.lastCtrl, b.p.Ctrl.DelayTap))
	for bit := 0; bit < 32; bit++ {
		if v&(1<<uint(bit)) == 0 {
			continue
		}
		chip, lane := bit/4, 2*(bit%4)+odd
		if chip < len(b.chips) && lane < b.chips[chip].lanes {
			b.chips[chip].taps[lane] = tap
		}
	}
}

func (b *testBoard) ReadWord(dev string, off uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev != b.p.Controller {
		return 0, fmt.Errorf("no such device %q", dev)
	}
	if off != 0 {
		return 0, nil
	}
	lay := b.p.Status
	v := bitfield.Set(0, 1, lay.ZdokRev)
	v = bitfield.Set(v, uint32(b.locked), lay.Locked)
	v = bitfield.Set(v, uint32(len(b.chips)), lay.NumUnits)
	v = bitfield.Set(v, 1, lay.CtrlRev)
	return v, nil
}

func (b *testBoard) ReadBlock(dev string, off uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.bram[dev]
	if !ok {
		return fmt.Errorf("no such device %q", dev)
	}
	if b.chips[i].block == nil {
		return fmt.Errorf("snapshot of %q read before any trigger", dev)
	}
	copy(p, b.chips[i].block[off:])
	return nil
}

func TestWireDecode(t *testing.T) {
	b := newTestBoard(DefaultProfile())
	dev, err := New(b, quiet())
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	w := dev.wireTo(&dev.chips[2])
	if err := w.write(0xab, 0x1234); err != nil {
		t.Fatalf("could not write chip register: %+v", err)
	}
	if got, want := b.chips[2].regs[0xab], uint16(0x1234); got != want {
		t.Fatalf("invalid register value: got=0x%04x, want=0x%04x", got, want)
	}
	for _, i := range []int{0, 1, 3} {
		if n := len(b.chips[i].regs); n != 0 {
			t.Fatalf("chip %d: unexpected register writes: %v", i, b.chips[i].regs)
		}
	}
}

func TestInit(t *testing.T) {
	for _, tc := range []struct {
		name  string
		mode  DemuxMode
		chans uint16
		ilv   uint16
	}{
		{"demux1", Demux1, 1, 1},
		{"demux4", Demux4, 4, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBoard(DefaultProfile())
			dev, err := New(b, quiet(), WithDemux(tc.mode))
			if err != nil {
				t.Fatalf("could not create device: %+v", err)
			}
			if err := dev.Init(); err != nil {
				t.Fatalf("could not init: %+v", err)
			}
			if b.resets != 1 {
				t.Fatalf("invalid reset count: got=%d, want=1", b.resets)
			}
			ads := b.chips[0].regs
			for reg, want := range map[uint8]uint16{
				adsRegReset:      1,
				adsRegInterleave: tc.ilv,
				adsRegInput:      0x8000,
				adsRegFormat:     0x8100,
			} {
				if got := ads[reg]; got != want {
					t.Errorf("ads reg 0x%02x: got=0x%04x, want=0x%04x", reg, got, want)
				}
			}
			hmc := b.chips[1].regs
			for reg, want := range map[uint8]uint16{
				hmcRegReset:   1,
				hmcRegChanNum: tc.chans,
				hmcRegFormat:  0,
				hmcRegPower:   0, // awake again after channel-mode change
			} {
				if got := hmc[reg]; got != want {
					t.Errorf("hmc reg 0x%02x: got=0x%04x, want=0x%04x", reg, got, want)
				}
			}
			if want := []uint32{uint32(tc.mode)}; !reflect.DeepEqual(b.demuxLog, want) {
				t.Fatalf("invalid demux writes: got=%v, want=%v", b.demuxLog, want)
			}
		})
	}
}

func TestTestPattern(t *testing.T) {
	b := newTestBoard(DefaultProfile())
	b.chips[0].eyeLo = 0 // power-up taps sample cleanly
	dev, err := New(b, quiet())
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}

	for _, tc := range []struct {
		name string
		mode ScoreMode
		pats []uint32
	}{
		{"canonical-single", ScoreErr, nil},
		{"custom-single", ScoreErr, []uint32{0x155}},
		{"custom-dual-swapped", ScoreErr, []uint32{0x2a0, 0x15f}},
		{"stability", ScoreStd, nil},
		{"ramp", ScoreRamp, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			errs, err := dev.TestPattern(0, tc.mode, tc.pats...)
			if err != nil {
				t.Fatalf("could not test pattern: %+v", err)
			}
			if len(errs) != 8 {
				t.Fatalf("invalid lane count: got=%d, want=8", len(errs))
			}
			for lane, e := range errs {
				if e != 0 {
					t.Fatalf("lane %d: unexpected errors: %v", lane, e)
				}
			}
			if !b.chips[0].stimIsOff() {
				t.Fatalf("stimulus left armed")
			}
		})
	}

	// A misframed lane matches no whole word of the test pattern.
	b.chips[0].frame[4] = 5
	errs, err := dev.TestPattern(0, ScoreErr)
	if err != nil {
		t.Fatalf("could not test pattern: %+v", err)
	}
	if errs[0] != 0 || errs[4] == 0 {
		t.Fatalf("invalid errors for misframed lane: %v", errs)
	}
	b.chips[0].frame[4] = 0

	for _, tc := range []struct {
		name string
		chip int
		mode ScoreMode
		pats []uint32
	}{
		{"bad-chip", 9, ScoreStd, nil},
		{"ramp-with-pattern", 0, ScoreRamp, []uint32{1}},
		{"three-patterns", 0, ScoreErr, []uint32{1, 2, 3}},
		{"wide-pattern", 0, ScoreErr, []uint32{1 << 10}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dev.TestPattern(tc.chip, tc.mode, tc.pats...)
			var derr *Error
			if !errors.As(err, &derr) || derr.Kind != InvalidParameter {
				t.Fatalf("invalid error: %+v", err)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	b := newTestBoard(DefaultProfile())
	for _, c := range b.chips {
		c.eyeLo, c.eyeHi = 3, 7
	}
	dev, err := New(b, quiet())
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	sw, err := dev.Sweep(1)
	if err != nil {
		t.Fatalf("could not sweep: %+v", err)
	}
	if got, want := len(sw.Taps), 32; got != want {
		t.Fatalf("invalid tap count: got=%d, want=%d", got, want)
	}
	for lane := 0; lane < 8; lane++ {
		col := sw.Lane(lane)
		if col[0] == 0 || col[5] != 0 {
			t.Fatalf("lane %d: invalid error profile: %v", lane, col)
		}
		best, ok := selectTap(col)
		if !ok || sw.Taps[best] != 5 {
			t.Fatalf("lane %d: invalid tap choice: got=%d, ok=%v, want=5", lane, sw.Taps[best], ok)
		}
	}
	o := new(strings.Builder)
	if err := sw.Render(o); err != nil {
		t.Fatalf("could not render sweep: %+v", err)
	}
	if !strings.Contains(o.String(), "tap=5") {
		t.Fatalf("invalid sweep rendering:\n%s", o.String())
	}
	if !b.chips[1].stimIsOff() {
		t.Fatalf("stimulus left armed")
	}
	// The last visited tap stays applied until realigned.
	if got := b.chips[1].taps[0]; got != 31 {
		t.Fatalf("invalid tap after sweep: got=%d, want=31", got)
	}
}
