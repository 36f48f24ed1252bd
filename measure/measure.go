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

// Package measure implements measured boot.
//
// The measurement of an image is the RFC 6962 leaf hash of its header, body
// and protected TLVs. Every measurement extends a boot register, starting
// from the empty tree root, as
//
//	register = HashChildren(register, measurement)
//
// and is published to the next stage as an api.BootRecord.
package measure

import (
	"fmt"
	"io"

	"github.com/transparency-dev/merkle/rfc6962"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/shared"
)

// MeasurementType names the measurement algorithm in boot records.
const MeasurementType = "RFC6962-LEAF-SHA256"

// MinorBootRecord is the shared area minor type of the boot record of
// slot 0, other slots are offset by slot << 6.
const MinorBootRecord = 0x3f

// Recorder measures booted images.
type Recorder struct {
	// SWType is reported in boot records.
	SWType string
	// Shared, when set, receives a boot record per measurement.
	Shared *shared.Area

	register []byte
	records  []api.BootRecord
}

// NewRecorder returns a recorder with a reset boot register.
func NewRecorder(swType string, area *shared.Area) *Recorder {
	return &Recorder{
		SWType:   swType,
		Shared:   area,
		register: rfc6962.DefaultHasher.EmptyRoot(),
	}
}

// Register returns the current boot register value.
func (r *Recorder) Register() []byte {
	return append([]byte{}, r.register...)
}

// Records returns the boot records produced so far.
func (r *Recorder) Records() []api.BootRecord {
	return r.records
}

// Measure returns the measurement of the image described by hdr.
func Measure(hdr *image.Header, rd image.Reader) ([]byte, error) {
	it, err := image.NewTLVIter(rd, hdr, image.TLVAny, true)

	if err != nil {
		return nil, err
	}

	buf := make([]byte, it.ProtectedEnd())

	if _, err = rd.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read image, %v", err)
	}

	return rfc6962.DefaultHasher.HashLeaf(buf), nil
}

func signerID(hdr *image.Header, rd image.Reader) []byte {
	it, err := image.NewTLVIter(rd, hdr, image.TLVKeyHash, false)

	if err != nil {
		return nil
	}

	e, err := it.Next()

	if err != nil {
		return nil
	}

	id, err := image.ReadValue(rd, e)

	if err != nil {
		return nil
	}

	return id
}

// Record implements the loader measured boot step.
func (r *Recorder) Record(slot int, hdr *image.Header, rd image.Reader) (err error) {
	if slot < 0 || slot > 0x3f {
		return fmt.Errorf("invalid slot %d", slot)
	}

	m, err := Measure(hdr, rd)

	if err != nil {
		return
	}

	register := rfc6962.DefaultHasher.HashChildren(r.register, m)

	rec := api.BootRecord{
		SWType:          r.SWType,
		SWVersion:       hdr.Ver.String(),
		Measurement:     m,
		SignerID:        signerID(hdr, rd),
		MeasurementType: MeasurementType,
		Slot:            uint32(slot),
		Register:        register,
	}

	if r.Shared != nil {
		minor := uint16(slot)<<6 | MinorBootRecord

		if err = r.Shared.Add(shared.MajorIAS, minor, rec.Bytes()); err != nil {
			return fmt.Errorf("failed to share boot record, %w", err)
		}
	}

	r.register = register
	r.records = append(r.records, rec)

	klog.Infof("LD measured image %v: %x", hdr.Ver, m)

	return
}
