// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"fmt"

	"github.com/jack-h/caltech-lwa/internal/bitfield"
)

// wire bit-bangs the three-wire serial bus shared by all chips through
// the controller's serial word. A frame is 24 bits, an 8-bit register
// address followed by a 16-bit value, shifted MSB first into whichever
// chips have their select line raised.
type wire struct {
	dev *Device
	cs  uint32 // chip-select bits, one per chip
}

// wireTo returns a wire addressing a single chip.
func (dev *Device) wireTo(c *Chip) *wire {
	return &wire{dev: dev, cs: 1 << c.ID}
}

// write clocks one register frame out to the selected chips. The whole
// frame goes out under the device lock so concurrent chip work cannot
// interleave edges.
func (w *wire) write(reg uint8, v uint16) error {
	var (
		dev   = w.dev
		lay   = dev.p.Wire
		ctl   = dev.p.Controller
		off   = dev.p.Words.Wire3
		frame = uint32(reg)<<16 | uint32(v)
	)

	dev.mu.Lock()
	defer dev.mu.Unlock()

	cs := bitfield.Set(0, w.cs, lay.CS)
	s := seq{dev: dev}
	s.write(ctl, off, cs)
	for i := 23; i >= 0; i-- {
		bit := (frame >> uint(i)) & 1
		d := bitfield.Set(cs, bit, lay.SData)
		s.write(ctl, off, d)
		s.write(ctl, off, bitfield.Set(d, 1, lay.SClk))
		s.write(ctl, off, d)
	}
	s.write(ctl, off, 0)
	if s.err != nil {
		return fmt.Errorf("adc16: could not write chip register 0x%02x: %w", reg, s.err)
	}
	return nil
}
