// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"encoding/binary"
	"fmt"
)

// Snapshot block control values: write enable held high, arm strobed.
const (
	snapIdle = 0b100
	snapArm  = 0b101
)

// Snapshot captures one block of samples from a chip and returns it as
// signed values, one row per sample instant, one column per lane.
func (dev *Device) Snapshot(chip int) ([][]int32, error) {
	c, err := dev.chip(chip)
	if err != nil {
		return nil, err
	}
	return dev.capture(c, true)
}

// capture arms the snapshot block of one chip, triggers it through the
// controller and decodes the captured block. Chips wider than 8 bits
// store one sample per big-endian 16-bit word, left-justified; 8-bit
// chips store one sample per byte.
//
// The fabric inverts the top bit of the chips' offset-binary codes, so
// the block holds two's-complement codes: any code with the top bit
// set decodes to a negative sample. Raw codes are kept for phase
// comparisons, where only equality matters.
func (dev *Device) capture(c *Chip, signed bool) ([][]int32, error) {
	dev.mu.Lock()
	s := seq{dev: dev}
	s.write(c.snapCtrl, 0, snapIdle)
	s.write(c.snapCtrl, 0, snapArm)
	s.write(c.snapCtrl, 0, snapIdle)
	dev.mu.Unlock()
	if s.err != nil {
		return nil, fmt.Errorf("adc16: could not arm snapshot of chip %d: %w", c.ID, s.err)
	}
	if err := dev.ctrlCmd(dev.p.Ctrl.SnapReq); err != nil {
		return nil, fmt.Errorf("adc16: could not trigger snapshot of chip %d: %w", c.ID, err)
	}

	var (
		n     = dev.p.SnapSamples
		width = 1
	)
	if c.Res > 8 {
		width = 2
	}
	buf := make([]byte, n*width)
	if err := dev.t.ReadBlock(c.snapBRAM, 0, buf); err != nil {
		return nil, fmt.Errorf("adc16: could not read snapshot of chip %d: %w", c.ID, err)
	}

	var (
		lanes = int(c.Lanes)
		shift = uint(16 - c.Res)
		half  = uint32(1) << (c.Res - 1)
		flat  = make([]int32, n)
		out   = make([][]int32, n/lanes)
	)
	for i := range flat {
		var v uint32
		if width == 2 {
			v = uint32(binary.BigEndian.Uint16(buf[2*i:])) >> shift
		} else {
			v = uint32(buf[i])
		}
		sv := int32(v)
		if signed && v&half != 0 {
			sv -= int32(1) << c.Res
		}
		flat[i] = sv
	}
	for r := range out {
		out[r] = flat[r*lanes : (r+1)*lanes]
	}
	return out, nil
}
