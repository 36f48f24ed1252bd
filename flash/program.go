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

package flash

import (
	"fmt"
)

// DefaultBatchSize is the number of bytes written per device access by
// Program.
const DefaultBatchSize = 64 * 1024

// Program writes buf at offset off of the area.
//
// Since flash can only be written in multiples of the area alignment, buf is
// padded with ErasedValue up to the next alignment boundary. Data is written
// in batches of at most batch bytes and progress, if not nil, is called with
// the number of bytes written after each batch.
func Program(a *Area, off int64, buf []byte, batch int, progress func(n int)) (err error) {
	al := int(a.Align())

	if rem := len(buf) % al; rem > 0 {
		pad := make([]byte, al-rem)

		for i := range pad {
			pad[i] = ErasedValue
		}

		buf = append(buf[:len(buf):len(buf)], pad...)
	}

	if batch <= 0 {
		batch = DefaultBatchSize
	}

	batch -= batch % al

	if batch == 0 {
		batch = al
	}

	for start := 0; start < len(buf); start += batch {
		end := start + batch

		if end > len(buf) {
			end = len(buf)
		}

		if _, err = a.WriteAt(buf[start:end], off+int64(start)); err != nil {
			return fmt.Errorf("failed to program area %d at %#x: %w", a.ID(), off+int64(start), err)
		}

		if progress != nil {
			progress(end - start)
		}
	}

	return
}
