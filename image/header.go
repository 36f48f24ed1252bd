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

// Package image implements parsing of the firmware image container: a
// fixed size header, the image body and the TLV trailer which follows it.
//
// All multi-byte fields are little-endian:
//
//	+----------------------+ 0
//	| Header (32 bytes)    |
//	| padding to HdrSize   |
//	+----------------------+ HdrSize
//	| body (ImgSize bytes) |
//	+----------------------+ HdrSize + ImgSize
//	| protected TLVs       | ProtectTLVSize bytes, covered by the image hash
//	+----------------------+
//	| TLVs                 | hash, signatures, ...
//	+----------------------+
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/coreos/go-semver/semver"
)

const (
	// Magic identifies an image header.
	Magic = 0x96f3b83d
	// HeaderSize is the encoded length of Header.
	HeaderSize = 32
)

// Image header flags.
const (
	// FlagPIC marks position independent images.
	FlagPIC = 0x00000001
	// FlagEncryptedAES128 marks an image body encrypted with AES-128.
	FlagEncryptedAES128 = 0x00000004
	// FlagEncryptedAES256 marks an image body encrypted with AES-256.
	FlagEncryptedAES256 = 0x00000008
	// FlagNonBootable marks images which must not be booted.
	FlagNonBootable = 0x00000010
	// FlagRAMLoad marks images which must be copied to LoadAddr and
	// executed from RAM.
	FlagRAMLoad = 0x00000020

	// EncryptionFlags is the set of flags indicating an encrypted body.
	EncryptionFlags = FlagEncryptedAES128 | FlagEncryptedAES256
)

// Reader is the access an image needs to its backing storage, satisfied by
// flash areas and staged copies alike.
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
	// Size returns the number of bytes available to the image.
	Size() int64
}

// Version is the image version.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	BuildNum uint32
}

// Semver returns the version in semantic version format, the build number
// is carried as build metadata.
func (v Version) Semver() *semver.Version {
	sv := &semver.Version{
		Major: int64(v.Major),
		Minor: int64(v.Minor),
		Patch: int64(v.Revision),
	}

	if v.BuildNum != 0 {
		sv.Metadata = fmt.Sprintf("%d", v.BuildNum)
	}

	return sv
}

func (v Version) String() string {
	return v.Semver().String()
}

// ParseVersion parses a semantic version string such as "1.2.3+4" into an
// image version.
func ParseVersion(s string) (v Version, err error) {
	sv, err := semver.NewVersion(s)

	if err != nil {
		return
	}

	if len(sv.PreRelease) > 0 {
		return v, fmt.Errorf("pre-release versions are not supported (%q)", s)
	}

	if sv.Major > math.MaxUint8 || sv.Minor > math.MaxUint8 || sv.Patch > math.MaxUint16 {
		return v, fmt.Errorf("version %q out of range", s)
	}

	v = Version{
		Major:    uint8(sv.Major),
		Minor:    uint8(sv.Minor),
		Revision: uint16(sv.Patch),
	}

	if len(sv.Metadata) > 0 {
		var n uint32

		if _, err = fmt.Sscanf(sv.Metadata, "%d", &n); err != nil {
			return v, fmt.Errorf("invalid build number %q: %v", sv.Metadata, err)
		}

		v.BuildNum = n
	}

	return
}

// Header is the fixed layout descriptor at the start of an image.
type Header struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTLVSize uint16
	ImgSize        uint32
	Flags          uint32
	Ver            Version
	Pad1           uint32
}

// IsEncrypted reports whether the header declares an encrypted body.
func (h *Header) IsEncrypted() bool {
	return h.Flags&EncryptionFlags != 0
}

// TLVOffset returns the offset of the first TLV area, i.e. the end of the
// image body.
func (h *Header) TLVOffset() uint32 {
	return uint32(h.HdrSize) + h.ImgSize
}

// MarshalBinary encodes the header in its on-flash format.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a header from its on-flash format.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("short header (%d bytes)", len(b))
	}

	return binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, h)
}

// HeaderError indicates an unreadable or structurally invalid header.
type HeaderError struct {
	Err error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid image header: %v", e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

var (
	// ErrBadMagic is returned for headers without the expected magic.
	ErrBadMagic = errors.New("bad magic")
	// ErrBadSize is returned for headers whose size fields are
	// inconsistent or do not fit the storage.
	ErrBadSize = errors.New("bad size")
)

// Load reads and parses the header at offset 0 of r into hdr.
//
// Only the structure of the header is checked: its magic, that its size
// fields do not overflow, and that the header, body and protected TLVs fit
// within r. The body is not read.
func Load(r Reader, hdr *Header) error {
	buf := make([]byte, HeaderSize)

	n, err := r.ReadAt(buf, 0)

	if n < HeaderSize {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return &HeaderError{Err: err}
	}

	if err = hdr.UnmarshalBinary(buf); err != nil {
		return &HeaderError{Err: err}
	}

	if err = check(hdr, r.Size()); err != nil {
		return &HeaderError{Err: err}
	}

	return nil
}

func check(hdr *Header, size int64) error {
	if hdr.Magic != Magic {
		return fmt.Errorf("%w %#08x", ErrBadMagic, hdr.Magic)
	}

	if hdr.HdrSize < HeaderSize {
		return fmt.Errorf("%w: header size %d < %d", ErrBadSize, hdr.HdrSize, HeaderSize)
	}

	end := uint64(hdr.HdrSize) + uint64(hdr.ImgSize)

	if end > math.MaxUint32 {
		return fmt.Errorf("%w: header + image size overflows", ErrBadSize)
	}

	end += uint64(hdr.ProtectTLVSize)

	if end > math.MaxUint32 {
		return fmt.Errorf("%w: protected TLV size overflows", ErrBadSize)
	}

	if end > uint64(size) {
		return fmt.Errorf("%w: image end %#x beyond storage size %#x", ErrBadSize, end, size)
	}

	return nil
}
