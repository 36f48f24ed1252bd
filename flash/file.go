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

package flash

import (
	"bytes"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// FileDevice is a Device backed by a regular file, used to emulate flash
// on a host.
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFile opens (or creates) the file at path as a device of the given
// size. Newly created or extended space reads back as erased flash.
func OpenFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)

	if err != nil {
		return nil, fmt.Errorf("failed to open flash file %q: %w", path, err)
	}

	fi, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to stat flash file %q: %w", path, err)
	}

	if cur := fi.Size(); cur < size {
		klog.Infof("Extending flash file %q from %d to %d bytes", path, cur, size)

		pad := bytes.Repeat([]byte{ErasedValue}, int(size-cur))

		if _, err = f.WriteAt(pad, cur); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to extend flash file %q: %w", path, err)
		}
	}

	return &FileDevice{f: f, size: size}, nil
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write [%d, %d) past end of device (%d)", off, off+int64(len(p)), d.size)
	}

	return d.f.WriteAt(p, off)
}

// Size implements Device.
func (d *FileDevice) Size() int64 {
	return d.size
}

// Close flushes and closes the underlying file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		return err
	}

	return d.f.Close()
}
