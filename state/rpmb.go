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

package state

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/rpmb"
	"github.com/transparency-dev/armored-witness-loader/verify"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	DummySector = 0
	// DefaultBaseSector is the RPMB sector holding the record of area 0.
	DefaultBaseSector = 1

	// unwritten RPMB sectors read back as zeroes
	rpmbErased = 0x00

	// record layout: boot magic, image_ok, image binding
	imageOKOffset = magicSize
	bindingOffset = imageOKOffset + 1
	recordSize    = bindingOffset + sha256.Size

	bindingScratchSize = 1024

	diversifierMAC = "ArmoredLoaderMAC"
	iter           = 4096
)

// DeriveRPMBKey derives the RPMB MAC key from a device secret and its unique
// identifier.
func DeriveRPMBKey(secret []byte, uid []byte) []byte {
	return pbkdf2.Key(append([]byte(diversifierMAC), secret...), uid, iter, rpmb.KeyLen, sha256.New)
}

// RPMBStore stores records in the RPMB partition of an eMMC, one sector per
// flash area starting at Base, so that they cannot be forged by rewriting
// the image flash.
//
// RPMB sectors survive reflashing the area, each record therefore carries
// the hash of the image it was written for and reads back as unset for any
// other image.
type RPMBStore struct {
	// Base is the sector holding the record of area 0.
	Base uint16

	partition *rpmb.RPMB
}

// NewRPMBStore returns a store for the RPMB partition of card.
//
// When the card authentication key has not yet been programmed it is
// programmed with key, this is a one-time irreversible operation.
func NewRPMBStore(card rpmb.Card, key []byte) (s *RPMBStore, err error) {
	p, err := rpmb.Init(card, key, DummySector, false)

	if err != nil {
		return nil, fmt.Errorf("failed to initialize RPMB, %v", err)
	}

	ok, err := p.Programmed()

	if err != nil {
		return nil, fmt.Errorf("failed to read RPMB write counter, %v", err)
	}

	if !ok {
		klog.Warning("LD RPMB authentication key not yet programmed, programming")

		if err = p.ProgramKey(); err != nil {
			return nil, fmt.Errorf("failed to program RPMB key, %v", err)
		}
	}

	// invalidate uncommitted writes (CVE-2020-13799)
	if err = p.Write(DummySector, nil); err != nil {
		return nil, fmt.Errorf("failed to write RPMB dummy sector, %v", err)
	}

	return &RPMBStore{
		Base:      DefaultBaseSector,
		partition: p,
	}, nil
}

func (s *RPMBStore) sector(a *flash.Area) (uint16, error) {
	if s.partition == nil {
		return 0, errors.New("RPMB has not been initialized")
	}

	return s.Base + uint16(a.ID()), nil
}

func (s *RPMBStore) read(a *flash.Area) (sector uint16, buf []byte, err error) {
	if sector, err = s.sector(a); err != nil {
		return
	}

	buf = make([]byte, recordSize)

	if err = s.partition.Read(sector, buf); err != nil {
		return 0, nil, fmt.Errorf("failed to read RPMB sector %d, %v", sector, err)
	}

	return
}

// Binding returns the hash of the header, body and protected TLVs of the
// image stored in a.
func Binding(a *flash.Area) ([]byte, error) {
	var hdr image.Header

	if err := image.Load(a, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read image header, %v", err)
	}

	end := int64(hdr.TLVOffset()) + int64(hdr.ProtectTLVSize)

	return verify.Digest(&hdr, a, end, make([]byte, bindingScratchSize))
}

// ReadState implements Store.
func (s *RPMBStore) ReadState(a *flash.Area) (r Record, err error) {
	_, buf, err := s.read(a)

	if err != nil {
		return
	}

	b, err := Binding(a)

	if err != nil {
		return
	}

	r.Magic = decodeMagic(buf[:magicSize], rpmbErased)
	r.ImageOK = decodeFlag(buf[imageOKOffset], rpmbErased)

	if !bytes.Equal(buf[bindingOffset:], b) {
		if r.Magic != MagicUnset || r.ImageOK != FlagUnset {
			klog.Warningf("LD trust record of area %d belongs to another image, ignoring it", a.ID())
		}

		return Record{Magic: MagicUnset, ImageOK: FlagUnset}, nil
	}

	return
}

func (s *RPMBStore) update(a *flash.Area, f func(buf []byte, binding []byte) error) (err error) {
	sector, buf, err := s.read(a)

	if err != nil {
		return
	}

	b, err := Binding(a)

	if err != nil {
		return
	}

	if err = f(buf, b); err != nil {
		return
	}

	if err = s.partition.Write(sector, buf); err != nil {
		return fmt.Errorf("failed to write RPMB sector %d, %v", sector, err)
	}

	return
}

// WriteMagic implements Store, it starts a new record bound to the image
// currently stored in a.
func (s *RPMBStore) WriteMagic(a *flash.Area) error {
	return s.update(a, func(buf []byte, binding []byte) error {
		copy(buf, BootMagic[:])
		buf[imageOKOffset] = rpmbErased
		copy(buf[bindingOffset:], binding)
		return nil
	})
}

// WriteImageOK implements Store, the record must have been started for the
// image currently stored in a.
func (s *RPMBStore) WriteImageOK(a *flash.Area) error {
	return s.update(a, func(buf []byte, binding []byte) error {
		if !bytes.Equal(buf[bindingOffset:], binding) {
			return errors.New("trust record belongs to another image")
		}

		buf[imageOKOffset] = FlagSetValue
		return nil
	})
}
