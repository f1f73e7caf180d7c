// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"errors"
	"fmt"
	"io"
)

// memMedium is an in-memory medium recording its erase calls.
type memMedium struct {
	data   []byte
	erases [][2]int64
}

func newMemMedium(size int) *memMedium {
	m := &memMedium{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

func (m *memMedium) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memMedium) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.New("write beyond end")
	}
	return copy(m.data[off:], p), nil
}

func (m *memMedium) Erase(off, length int64) error {
	if off+length > int64(len(m.data)) {
		return errors.New("erase beyond end")
	}
	m.erases = append(m.erases, [2]int64{off, length})
	for i := off; i < off+length; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

func (m *memMedium) Size() int64 { return int64(len(m.data)) }

// fakeTarget serves in-memory devices keyed by name ("nand0", "mmc1").
type fakeTarget struct {
	geo     map[string]Geometry
	media   map[string]*memMedium
	tables  map[string][]Extent
	gpt     map[int][]GPTEntry
	boots   [][2]int
	bootErr error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		geo:    map[string]Geometry{},
		media:  map[string]*memMedium{},
		tables: map[string][]Extent{},
		gpt:    map[int][]GPTEntry{},
	}
}

func (f *fakeTarget) add(name string, geo Geometry) *memMedium {
	f.geo[name] = geo
	m := newMemMedium(int(geo.Size))
	f.media[name] = m
	if geo.BootSize != 0 {
		f.media[name+"boot1"] = newMemMedium(int(geo.BootSize))
		f.media[name+"boot2"] = newMemMedium(int(geo.BootSize))
	}
	return m
}

func (f *fakeTarget) Probe(t DeviceType, index int) (Geometry, error) {
	geo, ok := f.geo[fmt.Sprintf("%v%d", t, index)]
	if !ok {
		return Geometry{}, errors.New("no such device")
	}
	return geo, nil
}

func (f *fakeTarget) Open(t DeviceType, index, hwpart int) (Medium, error) {
	name := fmt.Sprintf("%v%d", t, index)
	if hwpart != 0 {
		name = fmt.Sprintf("%sboot%d", name, hwpart)
	}
	m, ok := f.media[name]
	if !ok {
		return nil, errors.New("no such medium")
	}
	return m, nil
}

func (f *fakeTarget) PartitionTable(t DeviceType, index int) ([]Extent, error) {
	return f.tables[fmt.Sprintf("%v%d", t, index)], nil
}

func (f *fakeTarget) WritePartitionTable(index int, entries []GPTEntry) error {
	f.gpt[index] = entries
	return nil
}

func (f *fakeTarget) SetBootPartition(index, hwpart int) error {
	if f.bootErr != nil {
		return f.bootErr
	}
	f.boots = append(f.boots, [2]int{index, hwpart})
	return nil
}

// nandTarget returns a target with a 16MiB NAND using 128KiB blocks.
func nandTarget() *fakeTarget {
	f := newFakeTarget()
	f.add("nand0", Geometry{Size: 0x1000000, EraseSize: 0x20000, BlockSize: 0x800})
	return f
}

// withHeader prefixes payload with a valid STM32 header.
func withHeader(payload []byte) []byte {
	return append(NewHeader(payload).Bytes(), payload...)
}
