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

package main

import (
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/board"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/loader"
	"github.com/transparency-dev/armored-witness-loader/measure"
	"github.com/transparency-dev/armored-witness-loader/shared"
	"github.com/transparency-dev/armored-witness-loader/stage"
	"github.com/transparency-dev/armored-witness-loader/state"
	"github.com/transparency-dev/armored-witness-loader/verify"
)

// swType is the software type reported in boot records.
const swType = "SPE"

type emulator struct {
	b     *board.Board
	m     *flash.Map
	close func() error

	l        *loader.Loader
	ram      *stage.RAM
	recorder *measure.Recorder
	area     *shared.Area
}

func newEmulator(boardPath string, version string) (e *emulator, err error) {
	b, err := board.Load(boardPath)

	if err != nil {
		return
	}

	cfg, err := b.Config()

	if err != nil {
		return
	}

	ver, err := image.ParseVersion(version)

	if err != nil {
		return
	}

	if keys.DisableAuth && cfg.Policy != loader.PolicySkip {
		klog.Warningf("Image authentication disabled at build time, ignoring policy %v", cfg.Policy)
		cfg.Policy = loader.PolicySkip
	}

	m, closeFn, err := b.Flash()

	if err != nil {
		return
	}

	e = &emulator{
		b:     b,
		m:     m,
		close: closeFn,
	}

	defer func() {
		if err != nil {
			e.close()
			e = nil
		}
	}()

	c := loader.Components{
		Regions: m,
		Store:   state.Trailer{},
	}

	if cfg.Policy != loader.PolicySkip {
		origin := b.Loader.Origin

		if origin == "" {
			origin = verify.DefaultOrigin
		}

		vkeys := append(keys.VerifierKeys(), b.Loader.VerifierKeys...)

		if c.Validator, err = verify.NewNoteValidator(origin, vkeys...); err != nil {
			return
		}
	}

	if cfg.RAMLoad {
		if e.ram, err = stage.NewRAM(b.Loader.RAM.Start, b.Loader.RAM.Size, nil); err != nil {
			return
		}

		c.Stager = e.ram
	}

	if cfg.DataSharing {
		if e.area, err = shared.NewArea(make([]byte, b.Loader.SharedSize)); err != nil {
			return
		}

		desc, ok := m.Descriptor(cfg.RegionID)

		if !ok {
			err = fmt.Errorf("unknown image region %d", cfg.RegionID)
			return
		}

		c.Sharer = &shared.Sharer{
			Area:          e.area,
			SignatureType: shared.SignatureEd25519,
			Version:       ver,
			Reserved:      state.TrailerSize(desc.Align),
		}
	}

	if cfg.MeasuredBoot {
		e.recorder = measure.NewRecorder(swType, e.area)
		c.Recorder = e.recorder
	}

	e.l, err = loader.New(cfg, c)

	return
}

func (e *emulator) saveShared() error {
	if e.area == nil || e.b.Loader.SharedFile == "" {
		return nil
	}

	return os.WriteFile(e.b.Path(e.b.Loader.SharedFile), e.area.Bytes(), 0o644)
}

func (e *emulator) report(rsp *loader.Response) string {
	var s strings.Builder

	fmt.Fprintf(&s, "Flash device ...........: %d\n", rsp.FlashDeviceID)
	fmt.Fprintf(&s, "Image offset ...........: %#x\n", rsp.ImageOffset)
	fmt.Fprintf(&s, "Image version ..........: %v\n", rsp.Header.Ver)
	fmt.Fprintf(&s, "Entry point ............: %#x\n", entry(rsp))

	if e.recorder != nil {
		fmt.Fprintf(&s, "Boot register ..........: %x\n", e.recorder.Register())

		for _, r := range e.recorder.Records() {
			s.WriteString(r.Print())
			s.WriteString("\n")
		}
	}

	return s.String()
}

// entry returns the address execution starts at.
func entry(rsp *loader.Response) uint64 {
	if rsp.Header.Flags&image.FlagRAMLoad != 0 {
		return uint64(rsp.Header.LoadAddr) + uint64(rsp.Header.HdrSize)
	}

	return uint64(rsp.ImageOffset) + uint64(rsp.Header.HdrSize)
}
