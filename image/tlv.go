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

package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// TLVInfoMagic marks the unprotected TLV area.
	TLVInfoMagic = 0x6907
	// TLVProtInfoMagic marks the protected TLV area.
	TLVProtInfoMagic = 0x6908
	// TLVInfoSize is the size of a TLV area header.
	TLVInfoSize = 4
	// TLVEntryHeaderSize is the size of the type and length preceding
	// each TLV value.
	TLVEntryHeaderSize = 4
)

// TLV types.
const (
	// TLVKeyHash holds the SHA-256 of the signing key name.
	TLVKeyHash = 0x01
	// TLVSHA256 holds the SHA-256 of header, body and protected TLVs.
	TLVSHA256 = 0x10
	// TLVSigNote holds a signed note committing to the image hash.
	TLVSigNote = 0x80
	// TLVAny matches every TLV type when iterating.
	TLVAny = 0xffff
)

// TLV is a single type-length-value entry.
type TLV struct {
	Type uint16
	Data []byte
}

// TLVEntry locates a TLV value within the image storage.
type TLVEntry struct {
	Type      uint16
	Offset    int64
	Len       uint16
	Protected bool
}

// TLVIter walks the TLV areas following an image body.
type TLVIter struct {
	r   Reader
	typ uint16

	off     int64
	protEnd int64
	end     int64
}

func readInfo(r Reader, off int64) (magic uint16, tot uint16, err error) {
	buf := make([]byte, TLVInfoSize)

	if off+TLVInfoSize > r.Size() {
		return 0, 0, fmt.Errorf("TLV info at %#x beyond storage", off)
	}

	if _, err = r.ReadAt(buf, off); err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("failed to read TLV info, %v", err)
	}

	return binary.LittleEndian.Uint16(buf[0:]), binary.LittleEndian.Uint16(buf[2:]), nil
}

// NewTLVIter returns an iterator over the TLV entries of type typ (or
// TLVAny) following the image described by hdr. When prot is set only
// protected entries are returned.
func NewTLVIter(r Reader, hdr *Header, typ uint16, prot bool) (it *TLVIter, err error) {
	off := int64(hdr.TLVOffset())

	magic, tot, err := readInfo(r, off)

	if err != nil {
		return
	}

	it = &TLVIter{
		r:   r,
		typ: typ,
	}

	if hdr.ProtectTLVSize > 0 {
		if magic != TLVProtInfoMagic {
			return nil, fmt.Errorf("bad protected TLV magic %#04x", magic)
		}

		if tot != hdr.ProtectTLVSize {
			return nil, fmt.Errorf("protected TLV size mismatch (%d != %d)", tot, hdr.ProtectTLVSize)
		}

		it.protEnd = off + int64(tot)

		if magic, tot, err = readInfo(r, it.protEnd); err != nil {
			return nil, err
		}
	} else {
		it.protEnd = off
	}

	if magic != TLVInfoMagic {
		return nil, fmt.Errorf("bad TLV magic %#04x", magic)
	}

	if prot {
		it.end = it.protEnd
	} else {
		it.end = it.protEnd + int64(tot)
	}

	if it.end > r.Size() {
		return nil, fmt.Errorf("TLV area end %#x beyond storage size %#x", it.end, r.Size())
	}

	it.off = off + TLVInfoSize

	return
}

// Next returns the next matching entry, io.EOF signals the end of the
// TLV areas.
func (it *TLVIter) Next() (e TLVEntry, err error) {
	buf := make([]byte, TLVEntryHeaderSize)

	for it.off < it.end {
		if it.off == it.protEnd {
			// skip the unprotected area info header
			it.off += TLVInfoSize
			continue
		}

		if it.off+TLVEntryHeaderSize > it.end {
			return e, errors.New("truncated TLV entry")
		}

		if _, err = it.r.ReadAt(buf, it.off); err != nil && err != io.EOF {
			return e, fmt.Errorf("failed to read TLV entry, %v", err)
		}

		e = TLVEntry{
			Type:      binary.LittleEndian.Uint16(buf[0:]),
			Len:       binary.LittleEndian.Uint16(buf[2:]),
			Offset:    it.off + TLVEntryHeaderSize,
			Protected: it.off < it.protEnd,
		}

		it.off = e.Offset + int64(e.Len)

		if it.off > it.end || (e.Protected && it.off > it.protEnd) {
			return TLVEntry{}, fmt.Errorf("TLV entry %#02x overflows its area", e.Type)
		}

		if it.typ == TLVAny || it.typ == e.Type {
			return e, nil
		}
	}

	return TLVEntry{}, io.EOF
}

// ProtectedEnd returns the offset of the end of the protected TLV area,
// which is also the end of the data covered by the image hash.
func (it *TLVIter) ProtectedEnd() int64 {
	return it.protEnd
}

// End returns the offset of the end of the TLV areas.
func (it *TLVIter) End() int64 {
	return it.end
}

// TotalSize returns the size of the image described by hdr including all of
// its TLVs.
func TotalSize(r Reader, hdr *Header) (int64, error) {
	it, err := NewTLVIter(r, hdr, TLVAny, false)

	if err != nil {
		return 0, err
	}

	return it.End(), nil
}

// ReadValue reads the value of e into a new buffer.
func ReadValue(r Reader, e TLVEntry) ([]byte, error) {
	buf := make([]byte, e.Len)

	if _, err := r.ReadAt(buf, e.Offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read TLV %#02x, %v", e.Type, err)
	}

	return buf, nil
}

// EncodeTLVArea returns the encoding of a TLV area with the given info
// magic. An empty protected area encodes to nothing.
func EncodeTLVArea(magic uint16, tlvs []TLV) ([]byte, error) {
	if magic == TLVProtInfoMagic && len(tlvs) == 0 {
		return nil, nil
	}

	tot := TLVInfoSize

	for _, t := range tlvs {
		if len(t.Data) > math.MaxUint16 {
			return nil, fmt.Errorf("TLV %#02x too large", t.Type)
		}

		tot += TLVEntryHeaderSize + len(t.Data)
	}

	if tot > math.MaxUint16 {
		return nil, errors.New("TLV area too large")
	}

	buf := make([]byte, 0, tot)
	buf = binary.LittleEndian.AppendUint16(buf, magic)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(tot))

	for _, t := range tlvs {
		buf = binary.LittleEndian.AppendUint16(buf, t.Type)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.Data)))
		buf = append(buf, t.Data...)
	}

	return buf, nil
}
