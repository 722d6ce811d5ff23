// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Scorers grade one captured block per lane. Zero always means "no
// error detected"; magnitudes are only comparable within one scorer.

// laneColumn copies one lane's samples out of a capture.
func laneColumn(m [][]int32, lane int) []float64 {
	xs := make([]float64, len(m))
	for i, row := range m {
		xs[i] = float64(row[lane])
	}
	return xs
}

// stdScores grades each lane by the spread of its samples. Under a
// constant stimulus a healthy lane scores zero.
func stdScores(m [][]int32, lanes int) []float64 {
	out := make([]float64, lanes)
	for lane := range out {
		out[lane] = stat.StdDev(laneColumn(m, lane), nil)
	}
	return out
}

// stdDualScores grades each lane under an alternating two-word
// stimulus. The two stimulus words should be the only values present,
// whatever they deserialized to, so every sample outside the two most
// frequent values counts as an error.
func stdDualScores(m [][]int32, lanes int) []float64 {
	out := make([]float64, lanes)
	for lane := 0; lane < lanes; lane++ {
		counts := make(map[int32]int)
		for _, row := range m {
			counts[row[lane]]++
		}
		ns := make([]int, 0, len(counts))
		for _, n := range counts {
			ns = append(ns, n)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ns)))
		sum := 0
		for i := 2; i < len(ns); i++ {
			sum += ns[i]
		}
		out[lane] = float64(sum)
	}
	return out
}

// errSingleScores counts samples differing from the expected word.
func errSingleScores(m [][]int32, lanes int, p1 int32) []float64 {
	out := make([]float64, lanes)
	for lane := 0; lane < lanes; lane++ {
		n := 0
		for _, row := range m {
			if row[lane] != p1 {
				n++
			}
		}
		out[lane] = float64(n)
	}
	return out
}

// errDualScores counts samples differing from an alternating pair.
// A capture can start on either phase of the alternation, so both
// orderings are scored and the smaller count kept, per lane.
func errDualScores(m [][]int32, lanes int, p1, p2 int32) []float64 {
	out := make([]float64, lanes)
	for lane := 0; lane < lanes; lane++ {
		var n1, n2 int
		for i, row := range m {
			a, b := p1, p2
			if i%2 == 1 {
				a, b = p2, p1
			}
			if row[lane] != a {
				n1++
			}
			if row[lane] != b {
				n2++
			}
		}
		if n2 < n1 {
			n1 = n2
		}
		out[lane] = float64(n1)
	}
	return out
}

// rampScores counts sample-to-sample steps that are not +1 modulo the
// chip's code range.
func rampScores(m [][]int32, lanes int, res uint8) []float64 {
	mask := uint32(1)<<uint(res) - 1
	out := make([]float64, lanes)
	for lane := 0; lane < lanes; lane++ {
		n := 0
		for i := 1; i < len(m); i++ {
			if uint32(m[i][lane]-m[i-1][lane])&mask != 1 {
				n++
			}
		}
		out[lane] = float64(n)
	}
	return out
}
