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

package fih

import (
	"testing"
)

func TestEq(t *testing.T) {
	for _, test := range []struct {
		name string
		a, b Ret
		want bool
	}{
		{name: "success", a: Success, b: Success, want: true},
		{name: "failure", a: Failure, b: Failure, want: true},
		{name: "success vs failure", a: Success, b: Failure},
		{name: "zero value", a: Ret{}, b: Success},
		{name: "zero vs zero", a: Ret{}, b: Ret{}},
		{name: "mask mismatch", a: Ret{val: positiveValue, msk: positiveValue}, b: Success},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Eq(test.a, test.b); got != test.want {
				t.Errorf("Eq(%v, %v) = %t, want %t", test.a, test.b, got, test.want)
			}
			if got := NotEq(test.a, test.b); got == test.want {
				t.Errorf("NotEq(%v, %v) = %t, want %t", test.a, test.b, got, !test.want)
			}
		})
	}
}

func TestDistance(t *testing.T) {
	if got := Distance(Success, Failure); got < MinDistance {
		t.Fatalf("Distance(Success, Failure) = %d, want >= %d", got, MinDistance)
	}
	if got := Distance(Success, Success); got != 0 {
		t.Fatalf("Distance(Success, Success) = %d, want 0", got)
	}
}

// TestSingleBitFlips enumerates every single bit corruption of both
// sentinels and checks that none of them is accepted as either sentinel.
func TestSingleBitFlips(t *testing.T) {
	for _, r := range []Ret{Success, Failure} {
		for i := 0; i < 64; i++ {
			f := r
			if i < 32 {
				f.val ^= 1 << i
			} else {
				f.msk ^= 1 << (i - 32)
			}

			if Eq(f, Success) {
				t.Errorf("%v with bit %d flipped compares equal to Success", r, i)
			}
			if Eq(f, Failure) {
				t.Errorf("%v with bit %d flipped compares equal to Failure", r, i)
			}
			if !NotEq(f, Success) {
				t.Errorf("%v with bit %d flipped: NotEq(_, Success) = false", r, i)
			}
		}
	}
}

func TestCall(t *testing.T) {
	if got := Call(func() Ret { return Success }); NotEq(got, Success) {
		t.Errorf("Call(success) = %v", got)
	}

	nested := Call(func() Ret {
		return Call(func() Ret { return Success })
	})
	if NotEq(nested, Success) {
		t.Errorf("nested Call(success) = %v", nested)
	}

	skipped := Call(func() Ret {
		// emulate a glitched return which skipped the counter update
		cfiCounter++
		return Success
	})
	cfiCounter = 0
	if Eq(skipped, Success) {
		t.Error("Call with unbalanced counter returned Success")
	}
}

func TestString(t *testing.T) {
	for _, test := range []struct {
		r    Ret
		want string
	}{
		{r: Success, want: "FIH_SUCCESS"},
		{r: Failure, want: "FIH_FAILURE"},
		{r: Ret{}, want: "FIH_CORRUPT(00000000/00000000)"},
	} {
		if got := test.r.String(); got != test.want {
			t.Errorf("String() = %q, want %q", got, test.want)
		}
	}
}
