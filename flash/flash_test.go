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

package flash_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/flash/testonly"
)

func TestNewMap(t *testing.T) {
	const devSize = 4096

	for _, test := range []struct {
		name    string
		layout  []flash.Descriptor
		wantErr bool
		want    flash.Descriptor
	}{
		{
			name: "single area",
			layout: []flash.Descriptor{
				{ID: 1, Offset: 1024, Size: 2048},
			},
			want: flash.Descriptor{ID: 1, Offset: 1024, Size: 2048, Align: flash.DefaultAlign},
		}, {
			name: "adjacent areas",
			layout: []flash.Descriptor{
				{ID: 2, Offset: 2048, Size: 2048, Align: 16},
				{ID: 1, Offset: 0, Size: 2048},
			},
			want: flash.Descriptor{ID: 1, Offset: 0, Size: 2048, Align: flash.DefaultAlign},
		}, {
			name: "overlapping areas",
			layout: []flash.Descriptor{
				{ID: 1, Offset: 0, Size: 2048},
				{ID: 2, Offset: 2040, Size: 1024},
			},
			wantErr: true,
		}, {
			name: "past end of device",
			layout: []flash.Descriptor{
				{ID: 1, Offset: 2048, Size: 4096},
			},
			wantErr: true,
		}, {
			name: "unknown device",
			layout: []flash.Descriptor{
				{ID: 1, DeviceID: 7, Size: 512},
			},
			wantErr: true,
		}, {
			name: "duplicate area",
			layout: []flash.Descriptor{
				{ID: 1, Size: 512},
				{ID: 1, Offset: 512, Size: 512},
			},
			wantErr: true,
		}, {
			name: "bad alignment",
			layout: []flash.Descriptor{
				{ID: 1, Size: 512, Align: 12},
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemDev(t, devSize)
			m, err := flash.NewMap(map[uint8]flash.Device{0: dev}, test.layout)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("NewMap: %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			got, ok := m.Descriptor(1)
			if !ok {
				t.Fatal("area 1 not found")
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestOpenClose(t *testing.T) {
	m, _ := testonly.NewMap(t, 4096, 0)

	a, err := m.Open(flash.AreaImagePrimary)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, want := m.OpenCount(flash.AreaImagePrimary), 1; got != want {
		t.Fatalf("OpenCount = %d, want %d", got, want)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, want := m.OpenCount(flash.AreaImagePrimary), 0; got != want {
		t.Fatalf("OpenCount = %d, want %d", got, want)
	}
	if err := a.Close(); !errors.Is(err, flash.ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
	if _, err := a.ReadAt(make([]byte, 1), 0); !errors.Is(err, flash.ErrClosed) {
		t.Fatalf("ReadAt after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Open(99); err == nil {
		t.Fatal("Open(unknown area) succeeded")
	}
}

func TestAreaReadWrite(t *testing.T) {
	m, md := testonly.NewMap(t, 4096, 1024)

	a, err := m.Open(flash.AreaImagePrimary)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	buf := make([]byte, 16)
	if _, err := a.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if want := bytes.Repeat([]byte{flash.ErasedValue}, 16); !bytes.Equal(buf, want) {
		t.Fatalf("fresh area reads %x, want erased", buf)
	}

	data := []byte("0123456789abcdef")
	if _, err := a.WriteAt(data, 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// writes are relative to the area
	raw := make([]byte, 16)
	if _, err := md.ReadAt(raw, 1024+8); err != nil {
		t.Fatalf("device ReadAt: %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Fatalf("device holds %q, want %q", raw, data)
	}

	for _, test := range []struct {
		name string
		f    func() error
	}{
		{
			name: "unaligned offset",
			f:    func() error { _, err := a.WriteAt(data, 3); return err },
		}, {
			name: "unaligned length",
			f:    func() error { _, err := a.WriteAt(data[:5], 0); return err },
		}, {
			name: "read past end",
			f:    func() error { _, err := a.ReadAt(buf, a.Size()-8); return err },
		}, {
			name: "negative offset",
			f:    func() error { _, err := a.ReadAt(buf, -1); return err },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := test.f(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestProgram(t *testing.T) {
	m, md := testonly.NewMap(t, 8192, 0)

	a, err := m.Open(flash.AreaImagePrimary)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	data := bytes.Repeat([]byte{0x5a}, 1001)
	total := 0
	if err := flash.Program(a, 512, data, 256, func(n int) { total += n }); err != nil {
		t.Fatalf("Program: %v", err)
	}

	// 1001 bytes padded to 1008, written in batches of 256
	if got, want := total, 1008; got != want {
		t.Errorf("progress total = %d, want %d", got, want)
	}
	if got, want := md.Writes, 4; got != want {
		t.Errorf("device writes = %d, want %d", got, want)
	}

	got := make([]byte, 1008)
	if _, err := a.ReadAt(got, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(append([]byte{}, data...), bytes.Repeat([]byte{flash.ErasedValue}, 7)...)
	if !bytes.Equal(got, want) {
		t.Fatal("programmed data mismatch")
	}
}

func TestFileDevice(t *testing.T) {
	p := filepath.Join(t.TempDir(), "flash.bin")

	d, err := flash.OpenFile(p, 2048)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := d.WriteAt([]byte("hello"), 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := d.WriteAt([]byte("x"), 2048); err == nil {
		t.Fatal("write past end succeeded")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = flash.OpenFile(p, 2048)
	if err != nil {
		t.Fatalf("re-OpenFile: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 7)
	if _, err := d.ReadAt(buf, 99); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if want := []byte{0xff, 'h', 'e', 'l', 'l', 'o', 0xff}; !bytes.Equal(buf, want) {
		t.Fatalf("ReadAt = %x, want %x", buf, want)
	}
}
