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

// Package loader implements the boot decision for a single image slot.
//
// A boot attempt opens the image region, reads the image header, optionally
// stages the image in RAM, authenticates it according to the configured
// Policy, records boot evidence and finally returns the information needed
// to jump into the image.
//
// The authentication outcome is carried as a fault injection hardened
// fih.Ret, callers must only jump into the image when it compares equal to
// fih.Success.
package loader

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/fih"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/state"
)

// Regions gives access to flash areas, *flash.Map implements it.
type Regions interface {
	Open(id uint8) (*flash.Area, error)
}

// Validator authenticates an image.
type Validator interface {
	// Validate checks the integrity and authenticity of the image described
	// by hdr, scratch is a buffer the validator may use for reads.
	Validate(hdr *image.Header, r image.Reader, scratch []byte) fih.Ret
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(hdr *image.Header, r image.Reader, scratch []byte) fih.Ret

// Validate implements Validator.
func (f ValidatorFunc) Validate(hdr *image.Header, r image.Reader, scratch []byte) fih.Ret {
	return f(hdr, r, scratch)
}

// Stager copies images to executable RAM.
type Stager interface {
	// Stage copies the image and returns a reader over the copy. A failed
	// Stage leaves nothing staged.
	Stage(a *flash.Area, hdr *image.Header) (image.Reader, error)
	// Unstage removes a staged copy.
	Unstage(a *flash.Area, hdr *image.Header) error
}

// Recorder records measured boot evidence.
type Recorder interface {
	Record(slot int, hdr *image.Header, r image.Reader) error
}

// Sharer hands boot information to the next stage.
type Sharer interface {
	Share(hdr *image.Header, r image.Reader, slot int, extra []byte) error
}

// Components are the collaborators of a Loader. Only those required by the
// Config need to be set.
type Components struct {
	Regions   Regions
	Validator Validator
	Store     state.Store
	Stager    Stager
	Recorder  Recorder
	Sharer    Sharer
}

// Response describes the image to boot.
type Response struct {
	// FlashDeviceID is the device holding the image.
	FlashDeviceID uint8
	// ImageOffset is the image offset on its device.
	ImageOffset uint32
	// Header is the image header, it is owned by the Loader and only valid
	// until the next call to Boot.
	Header *image.Header
}

// Loader makes the boot decision for one image region.
//
// A Loader is not safe for concurrent use.
type Loader struct {
	cfg Config
	c   Components

	hdr     image.Header
	scratch []byte
}

// New returns a loader for the given configuration.
func New(cfg Config, c Components) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var missing error

	need := func(ok bool, what string) {
		if !ok {
			missing = multierror.Append(missing, fmt.Errorf("missing %s", what))
		}
	}

	need(c.Regions != nil, "flash regions")
	need(cfg.Policy == PolicySkip || c.Validator != nil, "validator")
	need(cfg.Policy != PolicyValidateOnce || c.Store != nil, "trust state store")
	need(!cfg.RAMLoad || c.Stager != nil, "stager")
	need(!cfg.MeasuredBoot || c.Recorder != nil, "recorder")
	need(!cfg.DataSharing || c.Sharer != nil, "sharer")

	if missing != nil {
		return nil, fmt.Errorf("invalid loader configuration: %v", missing)
	}

	if cfg.ScratchSize == 0 {
		cfg.ScratchSize = DefaultScratchSize
	}

	if cfg.Policy == PolicySkip {
		klog.Warning("LD image authentication is disabled")
	}

	return &Loader{
		cfg:     cfg,
		c:       c,
		scratch: make([]byte, cfg.ScratchSize),
	}, nil
}

// Config returns the loader configuration.
func (l *Loader) Config() Config {
	return l.cfg
}

// Boot runs one boot attempt.
//
// The returned result is fih.Success only if the image may be booted, in
// which case rsp describes it. A non-nil error with a fih.Success result
// reports an evidence recording failure, which does not revoke trust.
func (l *Loader) Boot(rsp *Response) (ret fih.Ret, err error) {
	ret = fih.Failure

	if rsp == nil {
		return ret, errors.New("nil response")
	}

	*rsp = Response{}

	l.hdr = image.Header{}

	a, err := l.c.Regions.Open(l.cfg.RegionID)

	if err != nil {
		klog.Errorf("LD could not open image area %d, %v", l.cfg.RegionID, err)
		return fih.Failure, &Error{Kind: RegionError, Err: err}
	}

	defer func() {
		if cerr := a.Close(); cerr != nil {
			klog.Errorf("LD could not close image area %d, %v", l.cfg.RegionID, cerr)
			*rsp = Response{}
			ret = fih.Failure

			// an earlier failure is the better diagnostic
			if err == nil || errors.Is(err, ErrEvidence) {
				err = &Error{Kind: RegionError, Err: cerr}
			}
		}
	}()

	if err = image.Load(a, &l.hdr); err != nil {
		klog.Errorf("LD could not read image header, %v", err)
		return fih.Failure, &Error{Kind: HeaderReadError, Err: err}
	}

	klog.V(1).Infof("LD image header: version %v, %d bytes, flags %#x", l.hdr.Ver, l.hdr.ImgSize, l.hdr.Flags)

	var r image.Reader = a

	if l.cfg.RAMLoad {
		if r, err = l.c.Stager.Stage(a, &l.hdr); err != nil {
			klog.Errorf("LD could not stage image, %v", err)
			return fih.Failure, &Error{Kind: StagingError, Err: err}
		}

		klog.V(1).Infof("LD image staged at %#x", l.hdr.LoadAddr)
	}

	ret = fih.Call(func() fih.Ret {
		return l.authenticate(a, r)
	})

	if fih.NotEq(ret, fih.Success) {
		klog.Errorf("LD image authentication failed (%v)", l.cfg.Policy)

		if l.cfg.RAMLoad {
			if uerr := l.c.Stager.Unstage(a, &l.hdr); uerr != nil {
				klog.Errorf("LD could not remove staged image, %v", uerr)
			}
		}

		return fih.Failure, &Error{Kind: AuthenticationFailure, Err: errors.New("image not authenticated")}
	}

	klog.Infof("LD image %v trusted (%v)", l.hdr.Ver, l.cfg.Policy)

	if eerr := l.recordEvidence(a); eerr != nil {
		klog.Warningf("LD could not record boot evidence, %v", eerr)
		err = &Error{Kind: EvidenceRecordingError, Err: eerr}
	}

	*rsp = Response{
		FlashDeviceID: a.DeviceID(),
		ImageOffset:   a.Offset(),
		Header:        &l.hdr,
	}

	return
}

func (l *Loader) recordEvidence(a *flash.Area) error {
	var errs *multierror.Error

	if l.cfg.MeasuredBoot {
		if err := l.c.Recorder.Record(0, &l.hdr, a); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("measured boot: %w", err))
		}
	}

	if l.cfg.DataSharing {
		if err := l.c.Sharer.Share(&l.hdr, a, 0, nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("data sharing: %w", err))
		}
	}

	return errs.ErrorOrNil()
}
