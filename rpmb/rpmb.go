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

// Package rpmb implements Replay Protected Memory Block (RPMB) access on
// eMMCs, the boot loader uses it to keep its trust records out of reach of
// anyone able to rewrite the image flash.
//
// The card transport is abstracted by the Card interface, which the TamaGo
// NXP uSDHC driver (github.com/usbarmory/tamago/soc/nxp/usdhc) satisfies
// as is.
//
// The API supports mitigations for CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// KeyLen is the length of the RPMB authentication key.
const KeyLen = 32

// Card represents an eMMC able to exchange RPMB data frames.
type Card interface {
	// WriteRPMB sends a data frame, rel requests a reliable write.
	WriteRPMB(buf []byte, rel bool) error
	// ReadRPMB receives a data frame.
	ReadRPMB(buf []byte) error
}

// RPMB defines a Replay Protected Memory Block partition access instance.
type RPMB struct {
	sync.Mutex

	card Card
	key  [KeyLen]byte
}

// Init returns a new RPMB instance for a specific MMC card and MAC key. The
// dummyBlock argument is an unused sector, required for CVE-2020-13799
// mitigation to invalidate uncommitted writes.
func Init(card Card, key []byte, dummyBlock uint16, writeDummy bool) (p *RPMB, err error) {
	if card == nil {
		return nil, errors.New("no MMC card set")
	}

	if len(key) != KeyLen {
		return nil, errors.New("invalid MAC key size")
	}

	p = &RPMB{
		card: card,
	}

	copy(p.key[:], key)

	// invalidate uncommitted writes (CVE-2020-13799) if the RPMB has previously been programmed
	if writeDummy {
		if err = p.Write(dummyBlock, nil); err != nil {
			return nil, fmt.Errorf("failed to write dummy block, %v", err)
		}
	}

	return
}

// ProgramKey programs the RPMB partition authentication key.
//
// *WARNING*: this is a one-time irreversible operation for the specific MMC
// card associated to the RPMB partition instance.
func (p *RPMB) ProgramKey() (err error) {
	req := &DataFrame{
		KeyMAC: p.key,
		Req:    AuthenticationKeyProgramming,
	}

	_, err = p.op(req, &Config{ResultRead: true})

	return
}

// Counter returns the RPMB partition write counter, the argument boolean
// indicates whether the read operation should be authenticated.
func (p *RPMB) Counter(auth bool) (n uint32, err error) {
	cfg := &Config{
		RandomNonce: auth,
		ResponseMAC: auth,
	}

	res, err := p.op(&DataFrame{Req: WriteCounterRead}, cfg)

	if err != nil {
		return
	}

	return res.Counter(), nil
}

// Programmed reports whether the card authentication key has been
// programmed.
func (p *RPMB) Programmed() (bool, error) {
	_, err := p.Counter(false)

	var e *OperationError

	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &e) && e.Result == AuthenticationKeyNotYetProgrammed:
		return false, nil
	default:
		return false, err
	}
}

// Write performs an authenticated data transfer to the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
//
// The write operation mitigates CVE-2020-13799 by verifying that the response
// counter is equal to a single increment of the request counter, otherwise an
// error is returned.
func (p *RPMB) Write(offset uint16, buf []byte) (err error) {
	req, err := sectorFrame(AuthenticatedDataWrite, offset, buf)

	if err != nil {
		return
	}

	counter, err := p.Counter(true)

	if err != nil {
		return
	}

	binary.BigEndian.PutUint32(req.WriteCounter[:], counter)

	res, err := p.op(req, &Config{
		RequestMAC:  true,
		ResponseMAC: true,
		ResultRead:  true,
	})

	if err != nil {
		return
	}

	if n := res.Counter(); n != counter+1 {
		return fmt.Errorf("write counter mismatch (%d, want %d)", n, counter+1)
	}

	return
}

// Read performs an authenticated data transfer from the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
func (p *RPMB) Read(offset uint16, buf []byte) (err error) {
	req, err := sectorFrame(AuthenticatedDataRead, offset, buf)

	if err != nil {
		return
	}

	res, err := p.op(req, &Config{
		RandomNonce: true,
		ResponseMAC: true,
	})

	if err != nil {
		return
	}

	copy(buf, res.Data[:])

	return
}
