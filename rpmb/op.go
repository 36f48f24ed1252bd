// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

package rpmb

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameLength is the size of an RPMB data frame.
	FrameLength = 512
	// SectorLength is the size of the data carried by a frame.
	SectorLength = 256
	// MACOffset is the distance from the end of the frame at which the
	// MAC covered region begins.
	MACOffset = 284
	// ResponseFlag marks response frames in the message type high byte.
	ResponseFlag = 0x01
)

// p99, Table 18, RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

// p100, Table 20, RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

var results = map[uint16]string{
	GeneralFailure:                    "general failure",
	AuthenticationFailure:             "authentication failure",
	CounterFailure:                    "counter failure",
	AddressFailure:                    "address failure",
	WriteFailure:                      "write failure",
	ReadFailure:                       "read failure",
	AuthenticationKeyNotYetProgrammed: "authentication key not yet programmed",
}

// OperationError is returned when the card reports a failed operation.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	if s, ok := results[e.Result]; ok {
		return fmt.Sprintf("operation failed (%s)", s)
	}

	return fmt.Sprintf("operation failed (%x)", e.Result)
}

// Config describes how a request is exchanged with the card.
type Config struct {
	// RequestMAC signs the request.
	RequestMAC bool
	// ResponseMAC requires a valid response MAC.
	ResponseMAC bool
	// RandomNonce sets a fresh nonce, which the response must echo.
	RandomNonce bool
	// ResultRead fetches the response with a result read request.
	ResultRead bool
}

// p98, Table 17, Data Frame Files for RPMB, JESD84-B51
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [32]byte
	Data         [SectorLength]byte
	Nonce        [16]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	// ResponseFlag in responses, zero in requests
	Resp byte
	// message type
	Req byte
}

// Counter returns the data frame WriteCounter in uint32 format.
func (d *DataFrame) Counter() uint32 {
	return binary.BigEndian.Uint32(d.WriteCounter[:])
}

// Bytes converts the data frame structure to byte array format.
func (d *DataFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ParseFrame converts a byte array to a data frame.
func ParseFrame(buf []byte) (d *DataFrame, err error) {
	if len(buf) != FrameLength {
		return nil, fmt.Errorf("invalid frame length %d", len(buf))
	}

	d = &DataFrame{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, d)

	return
}

// MAC computes the HMAC-SHA256 of the authenticated portion of a frame.
func MAC(key []byte, frame []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(frame[FrameLength-MACOffset:])
	return mac.Sum(nil)
}

func (p *RPMB) op(req *DataFrame, cfg *Config) (res *DataFrame, err error) {
	p.Lock()
	defer p.Unlock()

	if cfg.RandomNonce {
		if _, err = rand.Read(req.Nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce, %v", err)
		}
	}

	if cfg.RequestMAC {
		copy(req.KeyMAC[:], MAC(p.key[:], req.Bytes()))
	}

	// writes are only committed on reliable transfers
	rel := req.Req == AuthenticationKeyProgramming ||
		req.Req == AuthenticatedDataWrite ||
		req.Req == AuthenticatedDeviceConfigurationWrite

	if err = p.card.WriteRPMB(req.Bytes(), rel); err != nil {
		return nil, fmt.Errorf("failed to send request, %v", err)
	}

	if cfg.ResultRead {
		rr := &DataFrame{Req: ResultRead}

		if err = p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return nil, fmt.Errorf("failed to request result, %v", err)
		}
	}

	buf := make([]byte, FrameLength)

	if err = p.card.ReadRPMB(buf); err != nil {
		return nil, fmt.Errorf("failed to read response, %v", err)
	}

	if res, err = ParseFrame(buf); err != nil {
		return
	}

	if cfg.ResponseMAC && !hmac.Equal(res.KeyMAC[:], MAC(p.key[:], buf)) {
		return nil, errors.New("invalid response MAC")
	}

	switch {
	case res.Resp != ResponseFlag || res.Req != req.Req:
		return nil, fmt.Errorf("unexpected response type %#02x%02x", res.Resp, res.Req)
	case res.Nonce != req.Nonce:
		return nil, errors.New("nonce mismatch")
	}

	if result := binary.BigEndian.Uint16(res.Result[:]); result != OperationOK {
		return nil, &OperationError{Result: result}
	}

	return
}

// sectorFrame returns a single block request of the given kind.
func sectorFrame(kind byte, offset uint16, buf []byte) (*DataFrame, error) {
	if len(buf) > SectorLength {
		return nil, fmt.Errorf("transfer size must not exceed %d bytes", SectorLength)
	}

	req := &DataFrame{Req: kind}
	binary.BigEndian.PutUint16(req.Address[:], offset)
	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	copy(req.Data[:], buf)

	return req, nil
}
