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

// Package testonly provides support for flash tests.
package testonly

import (
	"fmt"
	"testing"

	"github.com/transparency-dev/armored-witness-loader/flash"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory flash device.
//
// Rather than allocating a slab of RAM to emulate the entire device, it
// uses a map internally to associate blocks with their index, unwritten
// blocks read back as erased flash.
type MemDev struct {
	size int64
	mem  map[int64][]byte

	// ReadErr, if set, is called before every read and a non-nil return
	// value fails the read.
	ReadErr func(off int64, n int) error
	// WriteErr, if set, is called before every write and a non-nil return
	// value fails the write.
	WriteErr func(off int64, n int) error

	// Writes counts successful WriteAt calls.
	Writes int
}

// NewMemDev creates a new in-memory device of the given size.
func NewMemDev(t *testing.T, size int64) *MemDev {
	t.Helper()
	return &MemDev{
		size: size,
		mem:  make(map[int64][]byte),
	}
}

func (md *MemDev) block(i int64) []byte {
	b, ok := md.mem[i]

	if !ok {
		b = make([]byte, MemBlockSize)
		for j := range b {
			b[j] = flash.ErasedValue
		}
		md.mem[i] = b
	}

	return b
}

// Size implements flash.Device.
func (md *MemDev) Size() int64 {
	return md.size
}

// ReadAt implements flash.Device.
func (md *MemDev) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > md.size {
		return 0, fmt.Errorf("read [%d, %d) outside device (%d)", off, off+int64(len(p)), md.size)
	}

	if md.ReadErr != nil {
		if err := md.ReadErr(off, len(p)); err != nil {
			return 0, err
		}
	}

	for n := 0; n < len(p); {
		o := off + int64(n)
		b := md.block(o / MemBlockSize)
		n += copy(p[n:], b[o%MemBlockSize:])
	}

	return len(p), nil
}

// WriteAt implements flash.Device.
func (md *MemDev) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > md.size {
		return 0, fmt.Errorf("write [%d, %d) outside device (%d)", off, off+int64(len(p)), md.size)
	}

	if md.WriteErr != nil {
		if err := md.WriteErr(off, len(p)); err != nil {
			return 0, err
		}
	}

	for n := 0; n < len(p); {
		o := off + int64(n)
		b := md.block(o / MemBlockSize)
		n += copy(b[o%MemBlockSize:], p[n:])
	}

	md.Writes++

	return len(p), nil
}

// NewMap returns a flash map holding a single device with id 0 of the given
// size, and a primary image area covering it from offset to the end.
func NewMap(t *testing.T, size int64, offset uint32) (*flash.Map, *MemDev) {
	t.Helper()

	md := NewMemDev(t, size)
	m, err := flash.NewMap(
		map[uint8]flash.Device{0: md},
		[]flash.Descriptor{{
			ID:     flash.AreaImagePrimary,
			Offset: offset,
			Size:   uint32(size) - offset,
		}},
	)

	if err != nil {
		t.Fatalf("Failed to create flash map: %v", err)
	}

	return m, md
}
