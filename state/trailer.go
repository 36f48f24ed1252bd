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

package state

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/flash"
)

const magicSize = len(BootMagic)

// Trailer stores the record in the last bytes of the region itself:
//
//	+----------------------+ size - 16 - align
//	| image_ok | padding   |
//	+----------------------+ size - 16
//	| boot magic           |
//	+----------------------+ size
//
// Both fields are written in units of the region write alignment.
type Trailer struct{}

// TrailerSize returns the number of bytes at the end of a region with the
// given write alignment which are reserved to the trailer.
func TrailerSize(align uint32) int64 {
	return int64(magicSize) + int64(align)
}

func (Trailer) offsets(a *flash.Area) (magic int64, imageOK int64, err error) {
	align := a.Align()

	if align > uint32(magicSize) || uint32(magicSize)%align != 0 {
		return 0, 0, fmt.Errorf("unsupported write alignment %d", align)
	}

	if a.Size() < TrailerSize(align) {
		return 0, 0, fmt.Errorf("area %d too small for trailer", a.ID())
	}

	magic = a.Size() - int64(magicSize)
	imageOK = magic - int64(align)

	return
}

// ReadState implements Store.
func (t Trailer) ReadState(a *flash.Area) (r Record, err error) {
	magicOff, okOff, err := t.offsets(a)

	if err != nil {
		return
	}

	buf := make([]byte, magicSize)

	if _, err = a.ReadAt(buf, magicOff); err != nil {
		return r, fmt.Errorf("failed to read boot magic, %v", err)
	}

	r.Magic = decodeMagic(buf, flash.ErasedValue)

	if _, err = a.ReadAt(buf[:1], okOff); err != nil {
		return r, fmt.Errorf("failed to read image_ok, %v", err)
	}

	r.ImageOK = decodeFlag(buf[0], flash.ErasedValue)

	return
}

// WriteMagic implements Store.
func (t Trailer) WriteMagic(a *flash.Area) (err error) {
	off, _, err := t.offsets(a)

	if err != nil {
		return
	}

	if _, err = a.WriteAt(BootMagic[:], off); err != nil {
		return fmt.Errorf("failed to write boot magic, %v", err)
	}

	return
}

// WriteImageOK implements Store.
func (t Trailer) WriteImageOK(a *flash.Area) (err error) {
	_, off, err := t.offsets(a)

	if err != nil {
		return
	}

	buf := bytes.Repeat([]byte{flash.ErasedValue}, int(a.Align()))
	buf[0] = FlagSetValue

	if _, err = a.WriteAt(buf, off); err != nil {
		return fmt.Errorf("failed to write image_ok, %v", err)
	}

	return
}
