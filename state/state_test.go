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

package state_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-loader/flash"
	ftest "github.com/transparency-dev/armored-witness-loader/flash/testonly"
	"github.com/transparency-dev/armored-witness-loader/image"
	rtest "github.com/transparency-dev/armored-witness-loader/rpmb/testonly"
	"github.com/transparency-dev/armored-witness-loader/state"
)

const areaSize = 0x1000

// writeImage stores an unsigned image with the given body at the start of
// the area.
func writeImage(t *testing.T, md *ftest.MemDev, body []byte) {
	t.Helper()

	img, err := image.Assemble(&image.Header{}, body, nil)

	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if img, err = image.Finish(img, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := md.WriteAt(img, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func openArea(t *testing.T) (*flash.Area, *ftest.MemDev) {
	t.Helper()

	m, md := ftest.NewMap(t, areaSize, 0)
	writeImage(t, md, []byte("first image"))

	a, err := m.Open(flash.AreaImagePrimary)

	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { a.Close() })

	return a, md
}

func newRPMBStore(t *testing.T) (*state.RPMBStore, *rtest.Card) {
	t.Helper()

	card := rtest.NewCard(8)
	s, err := state.NewRPMBStore(card, state.DeriveRPMBKey([]byte("secret"), []byte("uid")))

	if err != nil {
		t.Fatalf("NewRPMBStore: %v", err)
	}

	return s, card
}

func readState(t *testing.T, s state.Store, a *flash.Area) state.Record {
	t.Helper()

	r, err := s.ReadState(a)

	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}

	return r
}

func TestTransitions(t *testing.T) {
	for _, test := range []struct {
		desc  string
		store func(t *testing.T) state.Store
	}{
		{
			desc:  "trailer",
			store: func(*testing.T) state.Store { return state.Trailer{} },
		}, {
			desc: "rpmb",
			store: func(t *testing.T) state.Store {
				s, _ := newRPMBStore(t)
				return s
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			s := test.store(t)
			a, _ := openArea(t)

			if d := cmp.Diff(state.Record{Magic: state.MagicUnset, ImageOK: state.FlagUnset}, readState(t, s, a)); d != "" {
				t.Fatalf("blank record diff: %s", d)
			}

			if err := s.WriteMagic(a); err != nil {
				t.Fatalf("WriteMagic: %v", err)
			}

			r := readState(t, s, a)

			if d := cmp.Diff(state.Record{Magic: state.MagicGood, ImageOK: state.FlagUnset}, r); d != "" {
				t.Fatalf("record diff after WriteMagic: %s", d)
			}

			if r.Validated() {
				t.Fatal("Validated() = true after WriteMagic only")
			}

			if err := s.WriteImageOK(a); err != nil {
				t.Fatalf("WriteImageOK: %v", err)
			}

			if r := readState(t, s, a); !r.Validated() {
				t.Fatalf("Validated() = false, record %v", r)
			}
		})
	}
}

func TestTrailerLayout(t *testing.T) {
	a, md := openArea(t)

	s := state.Trailer{}

	if err := s.WriteMagic(a); err != nil {
		t.Fatalf("WriteMagic: %v", err)
	}

	if err := s.WriteImageOK(a); err != nil {
		t.Fatalf("WriteImageOK: %v", err)
	}

	want := append([]byte{state.FlagSetValue}, bytes.Repeat([]byte{flash.ErasedValue}, flash.DefaultAlign-1)...)
	want = append(want, state.BootMagic[:]...)

	got := make([]byte, len(want))

	if _, err := md.ReadAt(got, areaSize-int64(len(want))); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("trailer = %x, want %x", got, want)
	}

	if got, want := state.TrailerSize(a.Align()), int64(len(want)); got != want {
		t.Errorf("TrailerSize() = %d, want %d", got, want)
	}
}

func TestTrailerBadValues(t *testing.T) {
	magicOff := int64(areaSize - len(state.BootMagic))
	okOff := magicOff - flash.DefaultAlign

	for _, test := range []struct {
		desc  string
		magic []byte
		ok    byte
		want  state.Record
	}{
		{
			desc:  "corrupt magic",
			magic: bytes.Repeat([]byte{0x00}, 16),
			ok:    flash.ErasedValue,
			want:  state.Record{Magic: state.MagicBad, ImageOK: state.FlagUnset},
		}, {
			desc:  "corrupt image_ok",
			magic: state.BootMagic[:],
			ok:    0x02,
			want:  state.Record{Magic: state.MagicGood, ImageOK: state.FlagBad},
		}, {
			desc:  "flag without magic",
			magic: bytes.Repeat([]byte{flash.ErasedValue}, 16),
			ok:    state.FlagSetValue,
			want:  state.Record{Magic: state.MagicUnset, ImageOK: state.FlagSet},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			a, md := openArea(t)

			md.WriteAt(test.magic, magicOff)
			md.WriteAt([]byte{test.ok}, okOff)

			r := readState(t, state.Trailer{}, a)

			if d := cmp.Diff(test.want, r); d != "" {
				t.Fatalf("Got diff: %s", d)
			}

			if r.Validated() {
				t.Fatal("Validated() = true")
			}
		})
	}
}

func TestPartialWrite(t *testing.T) {
	for _, test := range []struct {
		desc  string
		setup func(t *testing.T) (state.Store, *flash.Area, func(fail bool))
	}{
		{
			desc: "trailer",
			setup: func(t *testing.T) (state.Store, *flash.Area, func(bool)) {
				a, md := openArea(t)
				okOff := int64(areaSize - len(state.BootMagic) - flash.DefaultAlign)

				return state.Trailer{}, a, func(fail bool) {
					md.WriteErr = func(off int64, _ int) error {
						if fail && off == okOff {
							return errors.New("power loss")
						}
						return nil
					}
				}
			},
		}, {
			desc: "rpmb",
			setup: func(t *testing.T) (state.Store, *flash.Area, func(bool)) {
				s, card := newRPMBStore(t)
				a, _ := openArea(t)
				writes := 0

				return s, a, func(fail bool) {
					writes = 0
					card.WriteErr = func(uint16) error {
						// the second record write is image_ok
						if writes++; fail && writes == 2 {
							return errors.New("power loss")
						}
						return nil
					}
				}
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			s, a, failImageOK := test.setup(t)

			failImageOK(true)

			if err := s.WriteMagic(a); err != nil {
				t.Fatalf("WriteMagic: %v", err)
			}

			if err := s.WriteImageOK(a); err == nil {
				t.Fatal("WriteImageOK: got nil error")
			}

			r := readState(t, s, a)

			if d := cmp.Diff(state.Record{Magic: state.MagicGood, ImageOK: state.FlagUnset}, r); d != "" {
				t.Fatalf("record diff after failed WriteImageOK: %s", d)
			}

			failImageOK(false)

			if err := s.WriteImageOK(a); err != nil {
				t.Fatalf("WriteImageOK retry: %v", err)
			}

			if r := readState(t, s, a); !r.Validated() {
				t.Fatalf("Validated() = false, record %v", r)
			}
		})
	}
}

func TestRPMBStoreProgramsKeyOnce(t *testing.T) {
	card := rtest.NewCard(8)
	key := state.DeriveRPMBKey([]byte("secret"), []byte("uid"))

	if _, err := state.NewRPMBStore(card, key); err != nil {
		t.Fatalf("NewRPMBStore: %v", err)
	}

	if !card.Programmed() {
		t.Fatal("card key not programmed")
	}

	// dummy sector write
	if got := card.Counter(); got != 1 {
		t.Fatalf("counter = %d, want 1", got)
	}

	if _, err := state.NewRPMBStore(card, key); err != nil {
		t.Fatalf("second NewRPMBStore: %v", err)
	}

	if _, err := state.NewRPMBStore(card, state.DeriveRPMBKey([]byte("other"), []byte("uid"))); err == nil {
		t.Fatal("NewRPMBStore with wrong key: got nil error")
	}
}

func TestRPMBStoreRecordsPerArea(t *testing.T) {
	s, card := newRPMBStore(t)
	a, _ := openArea(t)

	if err := s.WriteMagic(a); err != nil {
		t.Fatalf("WriteMagic: %v", err)
	}

	sector := card.Sector(s.Base + uint16(a.ID()))

	if !bytes.Equal(sector[:len(state.BootMagic)], state.BootMagic[:]) {
		t.Fatalf("sector %x does not hold boot magic", sector[:16])
	}
}

func TestRPMBStoreBindsImage(t *testing.T) {
	s, _ := newRPMBStore(t)
	a, md := openArea(t)

	if err := s.WriteMagic(a); err != nil {
		t.Fatalf("WriteMagic: %v", err)
	}

	if err := s.WriteImageOK(a); err != nil {
		t.Fatalf("WriteImageOK: %v", err)
	}

	if r := readState(t, s, a); !r.Validated() {
		t.Fatalf("Validated() = false, record %v", r)
	}

	// reflashing the area, the sector is untouched
	writeImage(t, md, []byte("second image"))

	if d := cmp.Diff(state.Record{Magic: state.MagicUnset, ImageOK: state.FlagUnset}, readState(t, s, a)); d != "" {
		t.Fatalf("record diff after reflash: %s", d)
	}

	if err := s.WriteImageOK(a); err == nil {
		t.Fatal("WriteImageOK for another image: got nil error")
	}

	if err := s.WriteMagic(a); err != nil {
		t.Fatalf("WriteMagic: %v", err)
	}

	if d := cmp.Diff(state.Record{Magic: state.MagicGood, ImageOK: state.FlagUnset}, readState(t, s, a)); d != "" {
		t.Fatalf("record diff after rebinding: %s", d)
	}

	// the first image is no longer trusted either
	writeImage(t, md, []byte("first image"))

	if r := readState(t, s, a); r.Validated() {
		t.Fatalf("Validated() = true for the first image, record %v", r)
	}
}

func TestRPMBStoreUnreadableImage(t *testing.T) {
	s, _ := newRPMBStore(t)

	m, _ := ftest.NewMap(t, areaSize, 0)
	a, err := m.Open(flash.AreaImagePrimary)

	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer a.Close()

	if _, err := s.ReadState(a); err == nil {
		t.Fatal("ReadState of erased area: got nil error")
	}

	if err := s.WriteMagic(a); err == nil {
		t.Fatal("WriteMagic of erased area: got nil error")
	}
}

func TestDeriveRPMBKey(t *testing.T) {
	k1 := state.DeriveRPMBKey([]byte("secret"), []byte("uid1"))
	k2 := state.DeriveRPMBKey([]byte("secret"), []byte("uid2"))

	if len(k1) != 32 {
		t.Fatalf("key length %d, want 32", len(k1))
	}

	if bytes.Equal(k1, k2) {
		t.Fatal("keys for different devices are equal")
	}

	if !bytes.Equal(k1, state.DeriveRPMBKey([]byte("secret"), []byte("uid1"))) {
		t.Fatal("key derivation is not deterministic")
	}
}
