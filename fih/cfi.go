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

// cfiCounter tracks the nesting depth of hardened calls. Boot runs on a
// single thread before any scheduler exists, so no locking is needed.
var cfiCounter uint32

// Call invokes f as a hardened call.
//
// The control flow integrity counter is incremented before and decremented
// after f returns; if it does not come back to its previous value (a call or
// return was skipped) the result is forced to Failure.
func Call(f func() Ret) Ret {
	saved := cfiCounter
	cfiCounter++

	rc := f()

	cfiCounter--

	if cfiCounter != saved {
		return Failure
	}

	return rc
}
