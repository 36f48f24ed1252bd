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

package board

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/loader"
)

func TestLoad(t *testing.T) {
	b, err := Load("testdata/board.yaml")

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantRegions := []Region{
		{ID: 0, Device: 0, Offset: 0, Size: 0x10000},
		{ID: 1, Device: 0, Offset: 0x10000, Size: 0x30000, Align: 8},
	}

	if d := cmp.Diff(wantRegions, b.Regions); d != "" {
		t.Errorf("regions diff: %s", d)
	}

	if got, want := b.Path(b.Devices[0].File), filepath.Join("testdata", "flash.bin"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}

	cfg, err := b.Config()

	if err != nil {
		t.Fatalf("Config: %v", err)
	}

	want := loader.Config{
		RegionID:     flash.AreaImagePrimary,
		Policy:       loader.PolicyValidateOnce,
		RAMLoad:      true,
		MeasuredBoot: true,
		DataSharing:  true,
	}

	if d := cmp.Diff(want, cfg); d != "" {
		t.Errorf("config diff: %s", d)
	}

	if got := len(b.Loader.VerifierKeys); got != 1 {
		t.Errorf("%d verifier keys, want 1", got)
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		desc string
		yaml string
	}{
		{desc: "no devices", yaml: "regions: []\n"},
		{desc: "bad yaml", yaml: "devices: [\n"},
		{desc: "bad type", yaml: "devices:\n  - id: banana\n"},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := Parse([]byte(test.yaml)); err == nil {
				t.Fatal("Parse: got nil error")
			}
		})
	}
}

func TestConfigBadPolicy(t *testing.T) {
	b, err := Parse([]byte("devices: [{id: 0, file: f, size: 16}]\nloader:\n  policy: sometimes\n"))

	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := b.Config(); err == nil {
		t.Fatal("Config: got nil error")
	}
}

func TestFlash(t *testing.T) {
	dir := t.TempDir()
	cfg := []byte(`
devices:
  - {id: 0, file: a.bin, size: 0x2000}
regions:
  - {id: 1, device: 0, offset: 0x1000, size: 0x1000}
`)
	path := filepath.Join(dir, "board.yaml")

	if err := os.WriteFile(path, cfg, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b, err := Load(path)

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	m, closeFn, err := b.Flash()

	if err != nil {
		t.Fatalf("Flash: %v", err)
	}

	d, ok := m.Descriptor(1)

	if !ok || d.Offset != 0x1000 || d.Align != flash.DefaultAlign {
		t.Errorf("Descriptor(1) = %+v, %v", d, ok)
	}

	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fi, err := os.Stat(filepath.Join(dir, "a.bin"))

	if err != nil || fi.Size() != 0x2000 {
		t.Fatalf("flash file: %v, %v", fi, err)
	}
}

func TestFlashBadLayout(t *testing.T) {
	dir := t.TempDir()

	b, err := Parse([]byte(`
devices:
  - {id: 0, file: a.bin, size: 0x1000}
regions:
  - {id: 1, device: 0, offset: 0x800, size: 0x1000}
`))

	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	b.dir = dir

	if _, _, err := b.Flash(); err == nil {
		t.Fatal("Flash: got nil error for area past device end")
	}
}
