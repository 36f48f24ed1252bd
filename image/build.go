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
	"fmt"
	"math"
)

// Assemble fills in the size fields of hdr and returns the hashed portion
// of an image: header, padding up to hdr.HdrSize, body and protected TLV
// area.
//
// A zero hdr.HdrSize defaults to HeaderSize.
func Assemble(hdr *Header, body []byte, prot []TLV) ([]byte, error) {
	protArea, err := EncodeTLVArea(TLVProtInfoMagic, prot)

	if err != nil {
		return nil, err
	}

	if hdr.HdrSize == 0 {
		hdr.HdrSize = HeaderSize
	}

	if hdr.HdrSize < HeaderSize {
		return nil, fmt.Errorf("header size %d < %d", hdr.HdrSize, HeaderSize)
	}

	if uint64(len(body))+uint64(hdr.HdrSize)+uint64(len(protArea)) > math.MaxUint32 {
		return nil, fmt.Errorf("image too large (%d bytes)", len(body))
	}

	hdr.Magic = Magic
	hdr.ImgSize = uint32(len(body))
	hdr.ProtectTLVSize = uint16(len(protArea))

	h, err := hdr.MarshalBinary()

	if err != nil {
		return nil, err
	}

	buf := make([]byte, int(hdr.HdrSize), int(hdr.HdrSize)+len(body)+len(protArea))
	copy(buf, h)
	buf = append(buf, body...)
	buf = append(buf, protArea...)

	return buf, nil
}

// Finish appends the unprotected TLV area to an assembled image.
func Finish(assembled []byte, tlvs []TLV) ([]byte, error) {
	area, err := EncodeTLVArea(TLVInfoMagic, tlvs)

	if err != nil {
		return nil, err
	}

	return append(assembled, area...), nil
}
