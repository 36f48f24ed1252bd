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

// Package testonly provides an in-memory eMMC RPMB partition which
// follows the JEDEC request/response protocol closely enough to exercise
// the rpmb package and its users.
package testonly

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-loader/rpmb"
)

// Card is a fake eMMC RPMB partition.
type Card struct {
	sync.Mutex

	// Sectors is the number of addressable half-sectors.
	Sectors uint16
	// WriteErr, if set, is consulted on every authenticated data write
	// and its error returned by the transport before the write commits.
	WriteErr func(address uint16) error

	key     []byte
	counter uint32
	mem     map[uint16][rpmb.SectorLength]byte

	// result of the last write type request, returned by ResultRead
	result *rpmb.DataFrame
	// response waiting to be read
	pending *rpmb.DataFrame
}

// NewCard returns a blank card without an authentication key.
func NewCard(sectors uint16) *Card {
	return &Card{
		Sectors: sectors,
		mem:     make(map[uint16][rpmb.SectorLength]byte),
	}
}

// Counter returns the card write counter.
func (c *Card) Counter() uint32 {
	c.Lock()
	defer c.Unlock()

	return c.counter
}

// Sector returns a copy of the raw contents of a sector.
func (c *Card) Sector(address uint16) [rpmb.SectorLength]byte {
	c.Lock()
	defer c.Unlock()

	return c.mem[address]
}

// Programmed reports whether the authentication key has been set.
func (c *Card) Programmed() bool {
	c.Lock()
	defer c.Unlock()

	return c.key != nil
}

func response(req *rpmb.DataFrame, result uint16) *rpmb.DataFrame {
	res := &rpmb.DataFrame{
		Resp: rpmb.ResponseFlag,
		Req:  req.Req,
	}

	binary.BigEndian.PutUint16(res.Result[:], result)

	return res
}

func (c *Card) sign(res *rpmb.DataFrame) {
	if c.key != nil {
		copy(res.KeyMAC[:], rpmb.MAC(c.key, res.Bytes()))
	}
}

// WriteRPMB implements rpmb.Card.
func (c *Card) WriteRPMB(buf []byte, rel bool) (err error) {
	c.Lock()
	defer c.Unlock()

	req, err := rpmb.ParseFrame(buf)

	if err != nil {
		return
	}

	switch req.Req {
	case rpmb.AuthenticationKeyProgramming:
		if !rel {
			return errors.New("key programming requires reliable write")
		}

		if c.key != nil {
			c.result = response(req, rpmb.GeneralFailure)
			return
		}

		c.key = append([]byte{}, req.KeyMAC[:]...)
		c.result = response(req, rpmb.OperationOK)
	case rpmb.WriteCounterRead:
		if c.key == nil {
			c.pending = response(req, rpmb.AuthenticationKeyNotYetProgrammed)
			return
		}

		res := response(req, rpmb.OperationOK)
		res.Nonce = req.Nonce
		binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
		c.sign(res)
		c.pending = res
	case rpmb.AuthenticatedDataWrite:
		if !rel {
			return errors.New("data write requires reliable write")
		}

		c.result = c.write(req, buf)
	case rpmb.AuthenticatedDataRead:
		c.pending = c.read(req)
	case rpmb.ResultRead:
		if c.result == nil {
			return errors.New("no result available")
		}

		c.sign(c.result)
		c.pending = c.result
		c.result = nil
	default:
		return fmt.Errorf("unsupported request %#x", req.Req)
	}

	return
}

func (c *Card) write(req *rpmb.DataFrame, buf []byte) (res *rpmb.DataFrame) {
	address := binary.BigEndian.Uint16(req.Address[:])

	defer func() {
		binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
		res.Address = req.Address
	}()

	switch {
	case c.key == nil:
		return response(req, rpmb.AuthenticationKeyNotYetProgrammed)
	case !hmac.Equal(req.KeyMAC[:], rpmb.MAC(c.key, buf)):
		return response(req, rpmb.AuthenticationFailure)
	case req.Counter() != c.counter:
		return response(req, rpmb.CounterFailure)
	case binary.BigEndian.Uint16(req.BlockCount[:]) != 1 || address >= c.Sectors:
		return response(req, rpmb.AddressFailure)
	}

	if c.WriteErr != nil {
		if err := c.WriteErr(address); err != nil {
			return response(req, rpmb.WriteFailure)
		}
	}

	c.mem[address] = req.Data
	c.counter++

	return response(req, rpmb.OperationOK)
}

func (c *Card) read(req *rpmb.DataFrame) (res *rpmb.DataFrame) {
	address := binary.BigEndian.Uint16(req.Address[:])

	switch {
	case c.key == nil:
		return response(req, rpmb.AuthenticationKeyNotYetProgrammed)
	case address >= c.Sectors:
		res = response(req, rpmb.AddressFailure)
	default:
		res = response(req, rpmb.OperationOK)
		res.Data = c.mem[address]
	}

	res.Nonce = req.Nonce
	res.Address = req.Address
	c.sign(res)

	return
}

// ReadRPMB implements rpmb.Card.
func (c *Card) ReadRPMB(buf []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.pending == nil {
		return errors.New("no response available")
	}

	if len(buf) != rpmb.FrameLength {
		return fmt.Errorf("invalid buffer length %d", len(buf))
	}

	copy(buf, c.pending.Bytes())
	c.pending = nil

	return nil
}
