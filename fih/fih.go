// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fih implements fault injection hardened return values.
//
// A Ret carries one of two sentinel values together with a masked copy of
// it, so that a glitch flipping a few bits of a stored result, or skipping
// the instruction that sets it, cannot turn a failure into a success. The
// sentinels are far apart in Hamming distance and every comparison checks
// the masked copy as well as the value.
//
// Callers must only ever branch on Eq/NotEq against Success, never on the
// error value of the operation that produced the Ret.
package fih

import (
	"fmt"

	"github.com/steakknife/hamming"
)

const (
	positiveValue = 0x1AAAAAAA
	negativeValue = 0x15555555
	maskValue     = 0xA5C35A3C

	// MinDistance is the minimum number of bits that must differ between
	// the encodings of Success and Failure.
	MinDistance = 16
)

// Ret is a hardened two valued result.
//
// The zero value is neither Success nor Failure and is treated as corrupt.
type Ret struct {
	val uint32
	msk uint32
}

var (
	// Success is the only value which authorises booting an image.
	Success = Ret{val: positiveValue, msk: positiveValue ^ maskValue}
	// Failure is the value returned on every rejection path.
	Failure = Ret{val: negativeValue, msk: negativeValue ^ maskValue}
)

func init() {
	if d := Distance(Success, Failure); d < MinDistance {
		panic(fmt.Sprintf("fih: sentinel distance %d < %d", d, MinDistance))
	}
}

// intact reports whether the masked copy still matches the value.
func (r Ret) intact() bool {
	return r.msk^maskValue == r.val
}

// Eq returns true only if both a and b are intact and carry the same value.
func Eq(a, b Ret) bool {
	if !a.intact() || !b.intact() {
		return false
	}

	if a.val != b.val {
		return false
	}

	// compare the masked copies as well, a single skipped comparison
	// must not be enough to reach the success path
	return a.msk == b.msk
}

// NotEq returns true if a and b differ or if either of them is corrupt.
func NotEq(a, b Ret) bool {
	if !a.intact() || !b.intact() {
		return true
	}

	if a.val != b.val {
		return true
	}

	return a.msk != b.msk
}

// Distance returns the number of bits that differ between the encodings of
// a and b.
func Distance(a, b Ret) int {
	return hamming.Uint32(a.val, b.val) + hamming.Uint32(a.msk, b.msk)
}

func (r Ret) String() string {
	switch {
	case Eq(r, Success):
		return "FIH_SUCCESS"
	case Eq(r, Failure):
		return "FIH_FAILURE"
	default:
		return fmt.Sprintf("FIH_CORRUPT(%08x/%08x)", r.val, r.msk)
	}
}
