// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitfield reads and writes masked sub-fields of 32-bit control
// words. Masks must describe a single contiguous run of bits; this is a
// precondition on the register layout, not a runtime check.
package bitfield // import "github.com/jack-h/caltech-lwa/internal/bitfield"

// Get extracts the field selected by mask from w, right-justified.
func Get(w, mask uint32) uint32 {
	return (w & mask) / (mask & -mask)
}

// Set returns w with the field selected by mask replaced by v, leaving
// all bits outside mask unchanged.
func Set(w, v, mask uint32) uint32 {
	return (w &^ mask) | (v * (mask & -mask))
}
