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

// Package flash provides access to logical flash areas carved out of one or
// more underlying storage devices.
//
// An area is opened by identity through a Map and must be closed exactly
// once; the Map keeps track of open handles so that leaks and double
// releases are detectable.
package flash

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"k8s.io/klog/v2"
)

const (
	// ErasedValue is the value read back from erased flash.
	ErasedValue = 0xff
	// DefaultAlign is the write alignment used when a Descriptor does not
	// specify one.
	DefaultAlign = 8
)

// Well known area identities.
const (
	AreaImagePrimary uint8 = iota + 1
)

var (
	// ErrClosed is returned when operating on an area handle which has
	// already been released.
	ErrClosed = errors.New("flash area closed")
	// ErrOutOfBounds is returned for accesses outside of an area.
	ErrOutOfBounds = errors.New("access out of flash area bounds")
)

// Device is the storage backing flash areas.
type Device interface {
	// ReadAt reads len(p) bytes at offset off of the device.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt writes len(p) bytes at offset off of the device.
	WriteAt(p []byte, off int64) (int, error)
	// Size returns the device capacity in bytes.
	Size() int64
}

// Descriptor describes the location of a flash area on a device.
type Descriptor struct {
	// ID identifies the area.
	ID uint8
	// DeviceID identifies the device holding the area.
	DeviceID uint8
	// Offset is the byte offset of the area on its device.
	Offset uint32
	// Size is the length of the area in bytes.
	Size uint32
	// Align is the minimum write size of the area, DefaultAlign if zero.
	Align uint32
}

func (d Descriptor) end() uint64 {
	return uint64(d.Offset) + uint64(d.Size)
}

// Map associates area identities with their devices and locations.
type Map struct {
	devices map[uint8]Device
	areas   map[uint8]Descriptor
	open    map[uint8]int
}

// NewMap returns a Map for the given devices and area layout.
//
// The layout is checked to be self-consistent: every area must live on a
// known device, fit within it, and not overlap any other area on the same
// device.
func NewMap(devices map[uint8]Device, layout []Descriptor) (*Map, error) {
	m := &Map{
		devices: devices,
		areas:   make(map[uint8]Descriptor),
		open:    make(map[uint8]int),
	}

	byDev := make(map[uint8][]Descriptor)

	for _, d := range layout {
		if _, ok := m.areas[d.ID]; ok {
			return nil, fmt.Errorf("duplicate flash area %d", d.ID)
		}

		dev, ok := devices[d.DeviceID]

		if !ok {
			return nil, fmt.Errorf("flash area %d: unknown device %d", d.ID, d.DeviceID)
		}

		if d.Size == 0 {
			return nil, fmt.Errorf("flash area %d: zero size", d.ID)
		}

		if d.end() > uint64(dev.Size()) {
			return nil, fmt.Errorf("flash area %d: [%#x, %#x) exceeds device %d size (%#x)", d.ID, d.Offset, d.end(), d.DeviceID, dev.Size())
		}

		if d.Align == 0 {
			d.Align = DefaultAlign
		}

		if d.Align&(d.Align-1) != 0 || d.Size%d.Align != 0 {
			return nil, fmt.Errorf("flash area %d: invalid alignment %d", d.ID, d.Align)
		}

		m.areas[d.ID] = d
		byDev[d.DeviceID] = append(byDev[d.DeviceID], d)
	}

	for id, ds := range byDev {
		sort.Slice(ds, func(i, j int) bool { return ds[i].Offset < ds[j].Offset })

		for i := 1; i < len(ds); i++ {
			if uint64(ds[i].Offset) < ds[i-1].end() {
				return nil, fmt.Errorf("device %d: flash area %d overlaps area %d", id, ds[i].ID, ds[i-1].ID)
			}
		}
	}

	return m, nil
}

// Descriptor returns the layout information of the given area.
func (m *Map) Descriptor(id uint8) (Descriptor, bool) {
	d, ok := m.areas[id]
	return d, ok
}

// Open returns a handle to the given area, the handle must be released with
// Close.
func (m *Map) Open(id uint8) (*Area, error) {
	d, ok := m.areas[id]

	if !ok {
		return nil, fmt.Errorf("unknown flash area %d", id)
	}

	m.open[id]++
	klog.V(2).Infof("Opened flash area %d (device %d @ %#x, %d bytes)", id, d.DeviceID, d.Offset, d.Size)

	return &Area{
		m:    m,
		desc: d,
		dev:  m.devices[d.DeviceID],
	}, nil
}

// OpenCount returns the number of handles to the given area which have not
// been released.
func (m *Map) OpenCount(id uint8) int {
	return m.open[id]
}

// Area is a handle to an opened flash area.
//
// All offsets taken by its methods are relative to the start of the area.
type Area struct {
	m      *Map
	desc   Descriptor
	dev    Device
	closed bool
}

// ID returns the area identity.
func (a *Area) ID() uint8 {
	return a.desc.ID
}

// DeviceID returns the identity of the device holding the area.
func (a *Area) DeviceID() uint8 {
	return a.desc.DeviceID
}

// Offset returns the byte offset of the area on its device.
func (a *Area) Offset() uint32 {
	return a.desc.Offset
}

// Size returns the area length in bytes.
func (a *Area) Size() int64 {
	return int64(a.desc.Size)
}

// Align returns the area minimum write size.
func (a *Area) Align() uint32 {
	return a.desc.Align
}

func (a *Area) check(off int64, n int) error {
	if a.closed {
		return ErrClosed
	}

	if off < 0 || off+int64(n) > int64(a.desc.Size) {
		return fmt.Errorf("%w: area %d [%d, %d)", ErrOutOfBounds, a.desc.ID, off, off+int64(n))
	}

	return nil
}

// ReadAt reads len(p) bytes at offset off of the area.
func (a *Area) ReadAt(p []byte, off int64) (n int, err error) {
	if err = a.check(off, len(p)); err != nil {
		return
	}

	n, err = a.dev.ReadAt(p, int64(a.desc.Offset)+off)

	if err == io.EOF && n == len(p) {
		err = nil
	}

	return
}

// WriteAt writes len(p) bytes at offset off of the area, off and len(p)
// must be multiples of the area alignment.
func (a *Area) WriteAt(p []byte, off int64) (n int, err error) {
	if err = a.check(off, len(p)); err != nil {
		return
	}

	if al := int64(a.desc.Align); off%al != 0 || int64(len(p))%al != 0 {
		return 0, fmt.Errorf("unaligned write to area %d (offset %d, length %d, alignment %d)", a.desc.ID, off, len(p), al)
	}

	return a.dev.WriteAt(p, int64(a.desc.Offset)+off)
}

// Erase sets n bytes at offset off of the area to ErasedValue.
func (a *Area) Erase(off int64, n int) (err error) {
	buf := make([]byte, n)

	for i := range buf {
		buf[i] = ErasedValue
	}

	_, err = a.WriteAt(buf, off)

	return
}

// Close releases the area handle, releasing a handle twice is an error.
func (a *Area) Close() error {
	if a.closed {
		return fmt.Errorf("flash area %d: %w", a.desc.ID, ErrClosed)
	}

	a.closed = true
	a.m.open[a.desc.ID]--
	klog.V(2).Infof("Closed flash area %d", a.desc.ID)

	return nil
}
