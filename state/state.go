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

// Package state implements the persistent trust record of an image
// region: a boot magic and an image_ok flag, which together record that the
// image has been validated once.
//
// Records only ever move towards the validated state, nothing in this
// package clears them.
package state

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/flash"
)

// Magic is the decoded state of the boot magic field.
type Magic int

const (
	// MagicUnset means the field is erased.
	MagicUnset Magic = iota
	// MagicGood means the field holds the boot magic.
	MagicGood
	// MagicBad means the field holds anything else.
	MagicBad
)

func (m Magic) String() string {
	switch m {
	case MagicUnset:
		return "unset"
	case MagicGood:
		return "good"
	default:
		return "bad"
	}
}

// Flag is the decoded state of the image_ok field.
type Flag int

const (
	// FlagUnset means the field is erased.
	FlagUnset Flag = iota
	// FlagSet means the field holds the set value.
	FlagSet
	// FlagBad means the field holds anything else.
	FlagBad
)

func (f Flag) String() string {
	switch f {
	case FlagUnset:
		return "unset"
	case FlagSet:
		return "set"
	default:
		return "bad"
	}
}

// FlagSetValue is the encoding of a set image_ok flag.
const FlagSetValue = 0x01

// BootMagic marks a region whose trust record has been initialized.
var BootMagic = [16]byte{
	0x77, 0xc2, 0x95, 0xf3,
	0x60, 0xd2, 0xef, 0x7f,
	0x35, 0x52, 0x50, 0x0f,
	0x2c, 0xb6, 0x79, 0x80,
}

// Record is the trust record of a region.
type Record struct {
	Magic   Magic
	ImageOK Flag
}

// Validated reports whether the record attests a previous successful
// validation.
func (r Record) Validated() bool {
	return r.Magic == MagicGood && r.ImageOK == FlagSet
}

func (r Record) String() string {
	return fmt.Sprintf("magic:%v image_ok:%v", r.Magic, r.ImageOK)
}

// Store persists trust records. Every write is assumed atomic for the
// field it updates.
type Store interface {
	// ReadState returns the record of the region.
	ReadState(a *flash.Area) (Record, error)
	// WriteMagic sets the boot magic of the region.
	WriteMagic(a *flash.Area) error
	// WriteImageOK sets the image_ok flag of the region.
	WriteImageOK(a *flash.Area) error
}

func decodeMagic(b []byte, erased byte) Magic {
	switch {
	case bytes.Equal(b, BootMagic[:]):
		return MagicGood
	case bytes.Equal(b, bytes.Repeat([]byte{erased}, len(b))):
		return MagicUnset
	default:
		return MagicBad
	}
}

func decodeFlag(b byte, erased byte) Flag {
	switch b {
	case FlagSetValue:
		return FlagSet
	case erased:
		return FlagUnset
	default:
		return FlagBad
	}
}
