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

// Package api defines the messages the loader hands to the booted image.
//
// Messages use the protocol buffers wire format so that the next stage can
// decode them with generated code from the following definition:
//
//	message BootRecord {
//	  string sw_type = 1;
//	  string sw_version = 2;
//	  bytes measurement = 3;
//	  bytes signer_id = 4;
//	  string measurement_type = 5;
//	  uint32 slot = 6;
//	  bytes register = 7;
//	}
package api

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	swTypeField          protowire.Number = 1
	swVersionField       protowire.Number = 2
	measurementField     protowire.Number = 3
	signerIDField        protowire.Number = 4
	measurementTypeField protowire.Number = 5
	slotField            protowire.Number = 6
	registerField        protowire.Number = 7
)

// BootRecord describes a measured image.
type BootRecord struct {
	// SWType names the kind of software measured.
	SWType string
	// SWVersion is the image version.
	SWVersion string
	// Measurement is the image measurement.
	Measurement []byte
	// SignerID identifies the image signing key.
	SignerID []byte
	// MeasurementType names the measurement algorithm.
	MeasurementType string
	// Slot is the image slot.
	Slot uint32
	// Register is the boot register value after extension with
	// Measurement.
	Register []byte
}

// Bytes serializes a boot record.
func (r *BootRecord) Bytes() (buf []byte) {
	appendString := func(n protowire.Number, s string) {
		if s != "" {
			buf = protowire.AppendTag(buf, n, protowire.BytesType)
			buf = protowire.AppendString(buf, s)
		}
	}

	appendBytes := func(n protowire.Number, b []byte) {
		if len(b) > 0 {
			buf = protowire.AppendTag(buf, n, protowire.BytesType)
			buf = protowire.AppendBytes(buf, b)
		}
	}

	appendString(swTypeField, r.SWType)
	appendString(swVersionField, r.SWVersion)
	appendBytes(measurementField, r.Measurement)
	appendBytes(signerIDField, r.SignerID)
	appendString(measurementTypeField, r.MeasurementType)

	if r.Slot != 0 {
		buf = protowire.AppendTag(buf, slotField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.Slot))
	}

	appendBytes(registerField, r.Register)

	return
}

// Unmarshal parses a serialized boot record, unknown fields are skipped.
func (r *BootRecord) Unmarshal(b []byte) error {
	*r = BootRecord{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)

		if n < 0 {
			return fmt.Errorf("invalid boot record tag, %v", protowire.ParseError(n))
		}

		b = b[n:]

		switch {
		case typ == protowire.BytesType && num <= registerField && num != slotField:
			v, n := protowire.ConsumeBytes(b)

			if n < 0 {
				return fmt.Errorf("invalid boot record field %d, %v", num, protowire.ParseError(n))
			}

			b = b[n:]

			switch num {
			case swTypeField:
				r.SWType = string(v)
			case swVersionField:
				r.SWVersion = string(v)
			case measurementField:
				r.Measurement = append([]byte{}, v...)
			case signerIDField:
				r.SignerID = append([]byte{}, v...)
			case measurementTypeField:
				r.MeasurementType = string(v)
			case registerField:
				r.Register = append([]byte{}, v...)
			}
		case typ == protowire.VarintType && num == slotField:
			v, n := protowire.ConsumeVarint(b)

			if n < 0 {
				return fmt.Errorf("invalid boot record slot, %v", protowire.ParseError(n))
			}

			b = b[n:]
			r.Slot = uint32(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)

			if n < 0 {
				return fmt.Errorf("invalid boot record field %d, %v", num, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	return nil
}

// Print returns the boot record in textual format.
func (r *BootRecord) Print() string {
	var status bytes.Buffer

	status.WriteString("---------------------------------------------------------- Boot Record ----\n")
	status.WriteString(fmt.Sprintf("Software type ..........: %s\n", r.SWType))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", r.SWVersion))
	status.WriteString(fmt.Sprintf("Slot ...................: %d\n", r.Slot))
	status.WriteString(fmt.Sprintf("Measurement type .......: %s\n", r.MeasurementType))
	status.WriteString(fmt.Sprintf("Measurement ............: %x\n", r.Measurement))
	status.WriteString(fmt.Sprintf("Signer ID ..............: %x\n", r.SignerID))
	status.WriteString(fmt.Sprintf("Register ...............: %x", r.Register))

	return status.String()
}
