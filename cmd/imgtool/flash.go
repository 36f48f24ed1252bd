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
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/board"
)

func flashCmd() *command {
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	boardFile := fs.String("board", "", "Board description.")
	in := fs.String("in", "", "Image to program.")
	region := fs.Int("region", -1, "Flash area to program, defaults to the loader image region.")
	batch := fs.Int("batch", flash.DefaultBatchSize, "Bytes written per device access.")

	return &command{
		flags: fs,
		run: func() error {
			if *boardFile == "" || *in == "" {
				return errors.New("-board and -in are required")
			}

			b, err := board.Load(*boardFile)

			if err != nil {
				return err
			}

			id := b.Loader.Region

			if *region >= 0 {
				id = uint8(*region)
			}

			img, err := os.ReadFile(*in)

			if err != nil {
				return err
			}

			m, closeFn, err := b.Flash()

			if err != nil {
				return err
			}

			defer closeFn()

			bar := pb.Full.Start64(int64(len(img)))
			bar.Set(pb.Bytes, true)
			defer bar.Finish()

			return program(m, id, img, *batch, func(n int) {
				bar.Add(n)
			})
		},
	}
}

// program erases the area, which also resets its trust record, and writes
// img at its start.
func program(m *flash.Map, id uint8, img []byte, batch int, progress func(n int)) (err error) {
	var hdr image.Header

	if err = hdr.UnmarshalBinary(img); err != nil || hdr.Magic != image.Magic {
		return errors.New("input is not a loader image")
	}

	a, err := m.Open(id)

	if err != nil {
		return
	}

	defer a.Close()

	if int64(len(img)) > a.Size() {
		return fmt.Errorf("image (%d bytes) larger than area %d (%d bytes)", len(img), id, a.Size())
	}

	klog.Infof("Erasing area %d (%d bytes)", id, a.Size())

	if err = a.Erase(0, int(a.Size())); err != nil {
		return
	}

	if err = flash.Program(a, 0, img, batch, progress); err != nil {
		return
	}

	klog.Infof("Programmed image %v to area %d at %#x", hdr.Ver, id, a.Offset())

	return
}
