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
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/loader"
	"github.com/transparency-dev/armored-witness-loader/shared"
	"github.com/transparency-dev/armored-witness-loader/state"
	"github.com/transparency-dev/armored-witness-loader/verify"
)

const (
	flashSize   = 0x20000
	imageOffset = 0x8000
	imageSize   = flashSize - imageOffset
)

const boardTmpl = `
devices:
  - id: 0
    file: flash.bin
    size: %d
regions:
  - id: 1
    device: 0
    offset: %d
    size: %d
loader:
  region: 1
  policy: %s
  ram:
    start: 0x80000000
    size: 0x10000
  measured_boot: true
  shared_size: 512
  shared_file: shared.bin
  verifier_keys:
    - %s
`

type testBoard struct {
	t    *testing.T
	dir  string
	path string
}

// newBoard writes a board description and a flash file holding an image
// signed by a key the board trusts.
func newBoard(t *testing.T, policy string) *testBoard {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, "singleboot-test")

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	signer, err := note.NewSigner(skey)

	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	hdr := &image.Header{
		LoadAddr: 0x80001000,
		Flags:    image.FlagRAMLoad,
		Ver:      image.Version{Major: 1, Minor: 2, Revision: 3},
	}

	img, err := verify.Sign(hdr, bytes.Repeat([]byte{0x5a}, 2048), signer, verify.SignOpts{KeyHash: true})

	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	dir := t.TempDir()
	b := &testBoard{t: t, dir: dir, path: filepath.Join(dir, "board.yaml")}

	if err := os.WriteFile(b.path, []byte(fmt.Sprintf(boardTmpl, flashSize, imageOffset, imageSize, policy, vkey)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fl := bytes.Repeat([]byte{0xff}, flashSize)
	copy(fl[imageOffset:], img)

	if err := os.WriteFile(filepath.Join(dir, "flash.bin"), fl, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return b
}

func (b *testBoard) flash() []byte {
	b.t.Helper()

	fl, err := os.ReadFile(filepath.Join(b.dir, "flash.bin"))

	if err != nil {
		b.t.Fatalf("ReadFile: %v", err)
	}

	return fl
}

// corrupt flips a byte of the image body.
func (b *testBoard) corrupt() {
	b.t.Helper()

	fl := b.flash()
	fl[imageOffset+image.HeaderSize+10] ^= 0xff

	if err := os.WriteFile(filepath.Join(b.dir, "flash.bin"), fl, 0o644); err != nil {
		b.t.Fatalf("WriteFile: %v", err)
	}
}

func TestBootValidateOnce(t *testing.T) {
	b := newBoard(t, "validate-once")

	out, err := run(b.path, "0.1.0+5")

	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, want := range []string{"Image version ..........: 1.2.3", "Entry point ............: 0x80001020", "RFC6962-LEAF-SHA256"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	fl := b.flash()

	if diff := cmp.Diff(state.BootMagic[:], fl[flashSize-16:]); diff != "" {
		t.Errorf("boot magic not recorded (-want +got):\n%s", diff)
	}

	if got := fl[flashSize-16-8]; got != state.FlagSetValue {
		t.Errorf("image_ok = %#x, want %#x", got, state.FlagSetValue)
	}

	sb, err := os.ReadFile(filepath.Join(b.dir, "shared.bin"))

	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	entries, err := shared.Parse(sb)

	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var blinfo, records int

	for _, e := range entries {
		switch e.Major {
		case shared.MajorBLInfo:
			blinfo++
		case shared.MajorIAS:
			records++
		}
	}

	if blinfo == 0 || records != 1 {
		t.Errorf("shared area has %d boot loader entries and %d boot records", blinfo, records)
	}

	// a trusted image is not authenticated again
	b.corrupt()

	if _, err := run(b.path, "0.1.0"); err != nil {
		t.Errorf("run after validation: %v", err)
	}
}

func TestBootValidateAlways(t *testing.T) {
	b := newBoard(t, "validate-always")

	if _, err := run(b.path, "0.1.0"); err != nil {
		t.Fatalf("run: %v", err)
	}

	fl := b.flash()

	if diff := cmp.Diff(bytes.Repeat([]byte{0xff}, 16), fl[flashSize-16:]); diff != "" {
		t.Errorf("trust record written (-want +got):\n%s", diff)
	}

	b.corrupt()

	_, err := run(b.path, "0.1.0")

	if !errors.Is(err, loader.ErrAuthentication) {
		t.Errorf("run of corrupted image: %v, want %v", err, loader.ErrAuthentication)
	}
}

func TestBootErrors(t *testing.T) {
	b := newBoard(t, "validate-always")

	if _, err := run(filepath.Join(b.dir, "missing.yaml"), "0.1.0"); err == nil {
		t.Error("run with missing board succeeded")
	}

	if _, err := run(b.path, "not-a-version"); err == nil {
		t.Error("run with invalid version succeeded")
	}

	fl := b.flash()
	copy(fl[imageOffset:], bytes.Repeat([]byte{0xff}, image.HeaderSize))

	if err := os.WriteFile(filepath.Join(b.dir, "flash.bin"), fl, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := run(b.path, "0.1.0"); !errors.Is(err, loader.ErrHeaderRead) {
		t.Errorf("run of erased region: %v, want %v", err, loader.ErrHeaderRead)
	}
}
