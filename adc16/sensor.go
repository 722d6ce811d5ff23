// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// LM75 returns a temperature reader for the LM75-class sensor behind
// the given i2c bus and address, suitable for WithSensor. The reader
// reports degrees Celsius.
func LM75(bus int, addr uint8) (func() (float64, error), error) {
	c, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("adc16: could not open i2c bus %d: %w", bus, err)
	}
	return func() (float64, error) {
		raw, err := c.ReadWord(addr, 0x00)
		if err != nil {
			return 0, fmt.Errorf("adc16: could not read temperature: %w", err)
		}
		// The sensor returns the temperature register big-endian,
		// SMBus words are little-endian. 11 significant bits,
		// 0.125 C per count.
		raw = raw<<8 | raw>>8
		return float64(int16(raw)>>5) * 0.125, nil
	}, nil
}
