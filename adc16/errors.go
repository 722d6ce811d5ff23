// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc16

import (
	"fmt"
	"strings"
)

// Kind classifies calibration failures.
type Kind uint8

const (
	InvalidParameter Kind = iota + 1
	ClockNotLocked
	AlignmentExhausted
	RampVerificationFailed
	LaneBondingFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidParameter:
		return "invalid parameter"
	case ClockNotLocked:
		return "clock not locked"
	case AlignmentExhausted:
		return "alignment exhausted"
	case RampVerificationFailed:
		return "ramp verification failed"
	case LaneBondingFailed:
		return "lane bonding failed"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Stage names a step of the calibration ladder. Stages are ordered:
// a chip at a given stage has passed all the preceding ones.
type Stage uint8

const (
	StageStart Stage = iota
	StageClockLocked
	StageLineClockAligned
	StageFrameClockAligned
	StageRampVerified
	StageLaneBonded
	StageCalibrated
)

func (st Stage) String() string {
	switch st {
	case StageStart:
		return "start"
	case StageClockLocked:
		return "clock-locked"
	case StageLineClockAligned:
		return "line-clock-aligned"
	case StageFrameClockAligned:
		return "frame-clock-aligned"
	case StageRampVerified:
		return "ramp-verified"
	case StageLaneBonded:
		return "lane-bonded"
	case StageCalibrated:
		return "calibrated"
	}
	return fmt.Sprintf("Stage(%d)", uint8(st))
}

// Error reports a calibration failure together with the stage that had
// been reached and, when applicable, the chip and lane concerned.
// Chip and Lane are negative when the failure is not tied to one.
type Error struct {
	Kind   Kind
	Stage  Stage
	Chip   int
	Lane   int
	Detail string
}

func (e *Error) Error() string {
	o := new(strings.Builder)
	o.WriteString("adc16: ")
	o.WriteString(e.Kind.String())
	if e.Kind != InvalidParameter {
		fmt.Fprintf(o, " (stage %v", e.Stage)
		if e.Chip >= 0 {
			fmt.Fprintf(o, ", chip %d", e.Chip)
		}
		if e.Lane >= 0 {
			fmt.Fprintf(o, ", lane %d", e.Lane)
		}
		o.WriteString(")")
	}
	if e.Detail != "" {
		o.WriteString(": ")
		o.WriteString(e.Detail)
	}
	return o.String()
}

func errInvalid(format string, args ...interface{}) error {
	return &Error{
		Kind:   InvalidParameter,
		Chip:   -1,
		Lane:   -1,
		Detail: fmt.Sprintf(format, args...),
	}
}
