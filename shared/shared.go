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

// Package shared implements the memory area through which the loader hands
// information to the booted image.
//
// The area starts with a 4 byte header, magic and total length, followed by
// TLV entries whose 16-bit type carries a major type in its top 4 bits:
//
//	+-------+-----------+------+--------+------+--------+----
//	| magic | total len | type | length | data | type   | ...
//	+-------+-----------+------+--------+------+--------+----
package shared

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies an initialized area.
	Magic = 0x2016
	// HeaderSize is the size of the area header.
	HeaderSize = 4
	// EntryHeaderSize is the size of the type and length of an entry.
	EntryHeaderSize = 4
)

// Major types.
const (
	MajorCore = 0x0
	// MajorIAS entries hold measured boot records.
	MajorIAS = 0x1
	// MajorBLInfo entries hold boot loader information.
	MajorBLInfo = 0x2
)

var (
	// ErrDuplicate is returned when adding an entry whose type is already
	// present.
	ErrDuplicate = errors.New("entry already present")
	// ErrNoSpace is returned when an entry does not fit the area.
	ErrNoSpace = errors.New("not enough space")
)

// Type returns the entry type for a major and minor type.
func Type(major uint8, minor uint16) uint16 {
	return uint16(major&0xf)<<12 | minor&0x0fff
}

// Entry is a decoded shared data entry.
type Entry struct {
	Major uint8
	Minor uint16
	Data  []byte
}

// Area is a shared data area backed by a fixed size buffer.
type Area struct {
	mem []byte
}

// NewArea initializes an empty area over mem.
func NewArea(mem []byte) (*Area, error) {
	if len(mem) < HeaderSize || len(mem) > 0xffff {
		return nil, fmt.Errorf("invalid shared area size %d", len(mem))
	}

	clear(mem)

	binary.LittleEndian.PutUint16(mem[0:], Magic)
	binary.LittleEndian.PutUint16(mem[2:], HeaderSize)

	return &Area{mem: mem}, nil
}

func (a *Area) used() int {
	return int(binary.LittleEndian.Uint16(a.mem[2:]))
}

// Add appends an entry, entry types are unique within an area.
func (a *Area) Add(major uint8, minor uint16, data []byte) error {
	typ := Type(major, minor)

	entries, err := Parse(a.Bytes())

	if err != nil {
		return err
	}

	for _, e := range entries {
		if Type(e.Major, e.Minor) == typ {
			return fmt.Errorf("%w: type %#04x", ErrDuplicate, typ)
		}
	}

	off := a.used()
	n := EntryHeaderSize + len(data)

	if off+n > len(a.mem) {
		return fmt.Errorf("%w: %d bytes needed, %d available", ErrNoSpace, n, len(a.mem)-off)
	}

	binary.LittleEndian.PutUint16(a.mem[off:], typ)
	binary.LittleEndian.PutUint16(a.mem[off+2:], uint16(len(data)))
	copy(a.mem[off+EntryHeaderSize:], data)
	binary.LittleEndian.PutUint16(a.mem[2:], uint16(off+n))

	return nil
}

// Bytes returns the used portion of the area.
func (a *Area) Bytes() []byte {
	return a.mem[:a.used()]
}

// Parse decodes the entries of a shared data area.
func Parse(b []byte) (entries []Entry, err error) {
	if len(b) < HeaderSize {
		return nil, errors.New("short shared area")
	}

	if m := binary.LittleEndian.Uint16(b[0:]); m != Magic {
		return nil, fmt.Errorf("bad shared area magic %#04x", m)
	}

	tot := int(binary.LittleEndian.Uint16(b[2:]))

	if tot < HeaderSize || tot > len(b) {
		return nil, fmt.Errorf("invalid shared area length %d", tot)
	}

	for off := HeaderSize; off < tot; {
		if off+EntryHeaderSize > tot {
			return nil, errors.New("truncated shared area entry")
		}

		typ := binary.LittleEndian.Uint16(b[off:])
		n := int(binary.LittleEndian.Uint16(b[off+2:]))
		off += EntryHeaderSize

		if off+n > tot {
			return nil, fmt.Errorf("shared area entry %#04x overflows area", typ)
		}

		entries = append(entries, Entry{
			Major: uint8(typ >> 12),
			Minor: typ & 0x0fff,
			Data:  b[off : off+n],
		})

		off += n
	}

	return
}
