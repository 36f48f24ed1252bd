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

package shared

import (
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/image"
)

// Boot loader information minor types.
const (
	BLInfoMode = iota
	BLInfoSignatureType
	BLInfoRecovery
	BLInfoRunningSlot
	BLInfoBootloaderVersion
	BLInfoMaxApplicationSize
)

// ModeSingleSlot is the BLInfoMode value of a single slot loader.
const ModeSingleSlot = 0

// Signature types.
const (
	SignatureNone    = 0
	SignatureEd25519 = 3
)

// MinorExtra is the core minor type holding caller supplied data.
const MinorExtra = 0x01

// Sharer adds boot loader information to a shared area.
type Sharer struct {
	Area *Area
	// SignatureType is the kind of signature images are verified with.
	SignatureType uint8
	// Version is the boot loader version.
	Version image.Version
	// Reserved is the number of bytes at the end of the image region
	// which images cannot use.
	Reserved int64
}

// EncodeVersion returns the shared area encoding of a version.
func EncodeVersion(v image.Version) []byte {
	b := make([]byte, 0, 8)
	b = append(b, v.Major, v.Minor)
	b = binary.LittleEndian.AppendUint16(b, v.Revision)
	b = binary.LittleEndian.AppendUint32(b, v.BuildNum)
	return b
}

// Share implements the loader data sharing step.
//
// It is a no-op when the boot loader information has already been
// shared, as can happen when the boot is retried without a reset.
func (s *Sharer) Share(hdr *image.Header, r image.Reader, slot int, extra []byte) (err error) {
	entries, err := Parse(s.Area.Bytes())

	if err != nil {
		return
	}

	for _, e := range entries {
		if e.Major == MajorBLInfo {
			klog.V(1).Info("LD boot loader information already shared")
			return nil
		}
	}

	maxSize := r.Size() - s.Reserved

	if maxSize < 0 {
		return fmt.Errorf("reserved size %d exceeds region size %d", s.Reserved, r.Size())
	}

	u32 := func(v uint32) []byte {
		return binary.LittleEndian.AppendUint32(nil, v)
	}

	for _, e := range []Entry{
		{Major: MajorBLInfo, Minor: BLInfoMode, Data: []byte{ModeSingleSlot}},
		{Major: MajorBLInfo, Minor: BLInfoSignatureType, Data: []byte{s.SignatureType}},
		{Major: MajorBLInfo, Minor: BLInfoRunningSlot, Data: u32(uint32(slot))},
		{Major: MajorBLInfo, Minor: BLInfoBootloaderVersion, Data: EncodeVersion(s.Version)},
		{Major: MajorBLInfo, Minor: BLInfoMaxApplicationSize, Data: u32(uint32(maxSize))},
	} {
		if err = s.Area.Add(e.Major, e.Minor, e.Data); err != nil {
			return fmt.Errorf("failed to share boot loader information, %w", err)
		}
	}

	if extra != nil {
		if err = s.Area.Add(MajorCore, MinorExtra, extra); err != nil {
			return fmt.Errorf("failed to share extra data, %w", err)
		}
	}

	klog.V(1).Infof("LD shared boot information for image %v (slot %d)", hdr.Ver, slot)

	return
}
