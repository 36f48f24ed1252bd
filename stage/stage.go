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

// Package stage copies images from flash into the executable RAM window
// they are linked to run from.
package stage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
)

// RAM is an executable memory window images can be staged to.
type RAM struct {
	start uint32
	mem   []byte

	// staged range, relative to start
	off int
	n   int
}

// NewRAM returns a window of size bytes starting at address start, backed
// by mem when not nil.
func NewRAM(start uint32, size int, mem []byte) (*RAM, error) {
	if size <= 0 || uint64(start)+uint64(size) > math.MaxUint32+1 {
		return nil, fmt.Errorf("invalid RAM window [%#x, +%#x)", start, size)
	}

	if mem == nil {
		mem = make([]byte, size)
	}

	if len(mem) != size {
		return nil, fmt.Errorf("RAM window backing is %d bytes, want %d", len(mem), size)
	}

	return &RAM{
		start: start,
		mem:   mem,
	}, nil
}

// Start returns the window start address.
func (r *RAM) Start() uint32 {
	return r.start
}

// End returns the address following the window.
func (r *RAM) End() uint64 {
	return uint64(r.start) + uint64(len(r.mem))
}

// Staged returns the currently staged bytes, if any.
func (r *RAM) Staged() []byte {
	return r.mem[r.off : r.off+r.n]
}

// bounds returns the window offset of an image of n bytes loaded at addr.
func (r *RAM) bounds(addr uint32, n int64) (int, error) {
	end := uint64(addr) + uint64(n)

	switch {
	case n <= 0:
		return 0, errors.New("empty image")
	case end > math.MaxUint32+1:
		return 0, fmt.Errorf("image at %#x (%d bytes) overflows address space", addr, n)
	case addr < r.start || end > r.End():
		return 0, fmt.Errorf("image [%#x, %#x) outside RAM window [%#x, %#x)", addr, end, r.start, r.End())
	}

	return int(addr - r.start), nil
}

// Stage copies the image in a to its load address.
//
// Only images flagged for RAM loading are accepted. On success the returned
// reader serves the staged copy, on failure nothing is left staged.
func (r *RAM) Stage(a *flash.Area, hdr *image.Header) (rd image.Reader, err error) {
	if hdr.Flags&image.FlagRAMLoad == 0 {
		return nil, errors.New("image is not flagged for RAM loading")
	}

	n, err := image.TotalSize(a, hdr)

	if err != nil {
		return nil, fmt.Errorf("failed to compute image size, %v", err)
	}

	off, err := r.bounds(hdr.LoadAddr, n)

	if err != nil {
		return
	}

	// any previous copy is scrubbed before staging a new one
	r.scrub()

	buf := r.mem[off : off+int(n)]

	if _, err = a.ReadAt(buf, 0); err != nil && err != io.EOF {
		clear(buf)
		return nil, fmt.Errorf("failed to copy image to RAM, %v", err)
	}

	r.off, r.n = off, int(n)

	klog.V(1).Infof("LD staged %d bytes at %#x", n, hdr.LoadAddr)

	return bytes.NewReader(buf), nil
}

// Unstage scrubs the staged copy.
func (r *RAM) Unstage(_ *flash.Area, hdr *image.Header) error {
	klog.V(1).Infof("LD removing staged image at %#x", hdr.LoadAddr)
	r.scrub()
	return nil
}

func (r *RAM) scrub() {
	clear(r.mem[r.off : r.off+r.n])
	r.off, r.n = 0, 0
}
