// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import "fmt"

// A Chip is one ADC position of the board, as populated from the
// profile at construction time.
type Chip struct {
	ID    uint8
	Model string
	Res   uint8 // sample resolution, in bits
	Lanes uint8
	Taps  []int // applied delay tap, per lane

	path     StimPath
	drv      driver
	snapCtrl string
	snapBRAM string
}

// laneIDs returns all lane indices of the chip.
func (c *Chip) laneIDs() []uint8 {
	lanes := make([]uint8, c.Lanes)
	for i := range lanes {
		lanes[i] = uint8(i)
	}
	return lanes
}

// DemuxMode selects how many analog inputs each chip digitizes. Fewer
// inputs run at a higher sample rate by interleaving converter cores.
type DemuxMode uint8

const (
	Demux4 DemuxMode = iota // four inputs per chip
	Demux2                  // two inputs, cores interleaved in pairs
	Demux1                  // one input, all cores interleaved
)

// Channels returns the number of analog inputs per chip in this mode.
func (m DemuxMode) Channels() int { return 4 >> m }

func (m DemuxMode) String() string {
	if m > Demux1 {
		return fmt.Sprintf("DemuxMode(%d)", uint8(m))
	}
	return fmt.Sprintf("%dch", m.Channels())
}

// Interleave returns the order in which the eight serial lanes carry
// consecutive samples of a channel in this mode. In single-channel
// mode the lanes read out in natural order.
func (m DemuxMode) Interleave() []int {
	switch m {
	case Demux4:
		return []int{0, 4, 1, 5, 2, 6, 3, 7}
	case Demux2:
		return []int{0, 1, 4, 5, 2, 3, 6, 7}
	}
	return []int{0, 1, 2, 3, 4, 5, 6, 7}
}
