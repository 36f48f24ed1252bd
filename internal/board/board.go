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

// Package board loads the YAML description of an emulated board: its flash
// devices, their area layout and the loader configuration.
package board

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-loader/flash"
	"github.com/transparency-dev/armored-witness-loader/loader"
)

// Device is a file backed flash device.
type Device struct {
	ID   uint8  `yaml:"id"`
	File string `yaml:"file"`
	Size int64  `yaml:"size"`
}

// Region is a flash area.
type Region struct {
	ID     uint8  `yaml:"id"`
	Device uint8  `yaml:"device"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
	Align  uint32 `yaml:"align"`
}

// RAM is the executable window images are staged to.
type RAM struct {
	Start uint32 `yaml:"start"`
	Size  int    `yaml:"size"`
}

// Loader holds the loader settings.
type Loader struct {
	Region        uint8    `yaml:"region"`
	Policy        string   `yaml:"policy"`
	EncryptionKey bool     `yaml:"encryption_key"`
	ScratchSize   int      `yaml:"scratch_size"`
	RAM           *RAM     `yaml:"ram"`
	MeasuredBoot  bool     `yaml:"measured_boot"`
	SharedSize    int      `yaml:"shared_size"`
	SharedFile    string   `yaml:"shared_file"`
	Origin        string   `yaml:"origin"`
	VerifierKeys  []string `yaml:"verifier_keys"`
}

// Board is an emulated board.
type Board struct {
	Devices []Device `yaml:"devices"`
	Regions []Region `yaml:"regions"`
	Loader  Loader   `yaml:"loader"`

	dir string
}

// Load reads a board description, relative paths within it are resolved
// against the directory holding the file.
func Load(path string) (*Board, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	b, err := Parse(buf)

	if err != nil {
		return nil, fmt.Errorf("invalid board %q: %w", path, err)
	}

	b.dir = filepath.Dir(path)

	return b, nil
}

// Parse decodes a board description.
func Parse(buf []byte) (*Board, error) {
	b := &Board{
		Loader: Loader{
			Region: flash.AreaImagePrimary,
			Policy: loader.PolicyValidateAlways.String(),
		},
	}

	if err := yaml.Unmarshal(buf, b); err != nil {
		return nil, err
	}

	if len(b.Devices) == 0 {
		return nil, errors.New("no flash devices")
	}

	return b, nil
}

// Path resolves a path found in the board description.
func (b *Board) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(b.dir, p)
}

// Config returns the loader configuration.
func (b *Board) Config() (cfg loader.Config, err error) {
	p, err := loader.ParsePolicy(b.Loader.Policy)

	if err != nil {
		return
	}

	cfg = loader.Config{
		RegionID:      b.Loader.Region,
		Policy:        p,
		RAMLoad:       b.Loader.RAM != nil,
		MeasuredBoot:  b.Loader.MeasuredBoot,
		DataSharing:   b.Loader.SharedSize > 0,
		EncryptionKey: b.Loader.EncryptionKey,
		ScratchSize:   b.Loader.ScratchSize,
	}

	return cfg, cfg.Validate()
}

// Flash opens the board devices and returns their area map, the returned
// function closes the devices.
func (b *Board) Flash() (m *flash.Map, closeFn func() error, err error) {
	devs := make(map[uint8]flash.Device)
	var files []*flash.FileDevice

	closeFn = func() error {
		var errs *multierror.Error

		for _, f := range files {
			errs = multierror.Append(errs, f.Close())
		}

		return errs.ErrorOrNil()
	}

	for _, d := range b.Devices {
		if _, ok := devs[d.ID]; ok {
			closeFn()
			return nil, nil, fmt.Errorf("duplicate device %d", d.ID)
		}

		f, err := flash.OpenFile(b.Path(d.File), d.Size)

		if err != nil {
			closeFn()
			return nil, nil, err
		}

		files = append(files, f)
		devs[d.ID] = f
	}

	var layout []flash.Descriptor

	for _, r := range b.Regions {
		layout = append(layout, flash.Descriptor{
			ID:       r.ID,
			DeviceID: r.Device,
			Offset:   r.Offset,
			Size:     r.Size,
			Align:    r.Align,
		})
	}

	if m, err = flash.NewMap(devs, layout); err != nil {
		closeFn()
		return nil, nil, err
	}

	return
}
