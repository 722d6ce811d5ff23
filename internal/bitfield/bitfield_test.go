// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bitfield_test

import (
	"fmt"
	"testing"

	"github.com/jack-h/caltech-lwa/internal/bitfield"
)

func TestGet(t *testing.T) {
	for _, tc := range []struct {
		w    uint32
		mask uint32
		want uint32
	}{
		{w: 0x00000000, mask: 0x1 << 26, want: 0},
		{w: 0x04000000, mask: 0x1 << 26, want: 1},
		{w: 0x03000000, mask: 0x3 << 24, want: 3},
		{w: 0xdeadbeef, mask: 0xffffffff, want: 0xdeadbeef},
		{w: 0x0000001f, mask: 0x1f, want: 31},
		{w: 0x0000ff00, mask: 0xff << 8, want: 255},
		{w: 0x12345678, mask: 0xf << 12, want: 5},
	} {
		t.Run(fmt.Sprintf("w=0x%x,m=0x%x", tc.w, tc.mask), func(t *testing.T) {
			if got, want := bitfield.Get(tc.w, tc.mask), tc.want; got != want {
				t.Fatalf("invalid field value: got=0x%x, want=0x%x", got, want)
			}
		})
	}
}

func TestSet(t *testing.T) {
	for _, tc := range []struct {
		w    uint32
		v    uint32
		mask uint32
		want uint32
	}{
		{w: 0, v: 1, mask: 0x1 << 26, want: 0x04000000},
		{w: 0xffffffff, v: 0, mask: 0x3 << 24, want: 0xfcffffff},
		{w: 0, v: 31, mask: 0x1f, want: 0x0000001f},
		{w: 0x0000001f, v: 2, mask: 0x3 << 24, want: 0x0200001f},
		{w: 0xdead0000, v: 0xbeef, mask: 0xffff, want: 0xdeadbeef},
	} {
		t.Run(fmt.Sprintf("w=0x%x,v=%d", tc.w, tc.v), func(t *testing.T) {
			if got, want := bitfield.Set(tc.w, tc.v, tc.mask), tc.want; got != want {
				t.Fatalf("invalid word: got=0x%x, want=0x%x", got, want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	masks := []uint32{
		0x1 << 26,
		0x3 << 24,
		0x1 << 20,
		0x1 << 16,
		0x1f,
		0xff << 8,
		0x7 << 5,
		0x3 << 28,
		0xf << 20,
		0xffff,
	}
	words := []uint32{0x00000000, 0xffffffff, 0xdeadbeef, 0x12345678}
	for _, mask := range masks {
		width := mask / (mask & -mask)
		for _, w := range words {
			for _, v := range []uint32{0, 1, width / 2, width} {
				got := bitfield.Set(w, v, mask)
				if gotv, want := bitfield.Get(got, mask), v; gotv != want {
					t.Fatalf("mask=0x%x w=0x%x v=%d: round-trip: got=%d, want=%d",
						mask, w, v, gotv, want,
					)
				}
				if gotw, want := got&^mask, w&^mask; gotw != want {
					t.Fatalf("mask=0x%x w=0x%x v=%d: bits outside mask changed: got=0x%x, want=0x%x",
						mask, w, v, gotw, want,
					)
				}
			}
		}
	}
}
