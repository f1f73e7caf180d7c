// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/openchirp/stm32prog"
)

// Geometry of flash image files
const (
	NOREraseSize  = 64 * 1024
	NANDEraseSize = 128 * 1024
	NANDPageSize  = 2048
	MMCBlockSize  = 512
)

var (
	// ErrNoDevice is returned for a device that was not registered.
	ErrNoDevice = errors.New("no such device")
	// ErrNoBootPartition is returned when an eMMC lacks boot partitions.
	ErrNoBootPartition = errors.New("no boot partition")
)

type device struct {
	typ   stm32prog.DeviceType
	index int
	path  string

	geo    stm32prog.Geometry
	probed bool
	// opened media by hardware partition
	media map[int]stm32prog.Medium
	boot  int
}

func (d *device) String() string {
	return fmt.Sprintf("%v%d", d.typ, d.index)
}

// Board is the set of storage devices of the target. eMMC are block
// devices or image files; NOR and NAND are MTD character devices or
// image files.
type Board struct {
	devices  map[string]*device
	mtdparts map[string][]MTDPart
}

// NewBoard returns a board without device.
func NewBoard() *Board {
	return &Board{
		devices:  make(map[string]*device),
		mtdparts: make(map[string][]MTDPart),
	}
}

func key(t stm32prog.DeviceType, index int) string {
	return fmt.Sprintf("%v%d", t, index)
}

// Add registers the device t of instance index served by path.
func (b *Board) Add(t stm32prog.DeviceType, index int, path string) error {
	if t == stm32prog.DeviceNone {
		return fmt.Errorf("%s: invalid device type", path)
	}
	k := key(t, index)
	if _, ok := b.devices[k]; ok {
		return fmt.Errorf("%s: already defined", k)
	}
	b.devices[k] = &device{typ: t, index: index, path: path, media: make(map[int]stm32prog.Medium)}
	stm32prog.LogDebug(stm32prog.ComponentStorage, "device added", "device", k, "path", path)
	return nil
}

// SetMTDParts sets the partitions of the flash devices, keyed by their
// name ("nand0", "nor0") in the mtdparts definition.
func (b *Board) SetMTDParts(s string) error {
	parts, err := ParseMTDParts(s)
	if err != nil {
		return err
	}
	b.mtdparts = parts
	return nil
}

func (b *Board) lookup(t stm32prog.DeviceType, index int) (*device, error) {
	d, ok := b.devices[key(t, index)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key(t, index), ErrNoDevice)
	}
	return d, nil
}

func (b *Board) open(d *device, hwpart int) (stm32prog.Medium, error) {
	if m, ok := d.media[hwpart]; ok {
		return m, nil
	}
	var (
		m   stm32prog.Medium
		err error
	)
	switch {
	case hwpart != 0:
		if d.typ != stm32prog.DeviceMMC {
			return nil, fmt.Errorf("%v: %w", d, ErrNoBootPartition)
		}
		user, uerr := b.open(d, 0)
		if uerr != nil {
			return nil, uerr
		}
		m, err = OpenFile(bootPath(d.path, hwpart, user.(*File).BlockDevice()), 0)
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%v: %w %d", d, ErrNoBootPartition, hwpart)
		}
	case d.typ == stm32prog.DeviceMMC:
		m, err = OpenFile(d.path, 0)
	default:
		m, err = openFlash(d.path)
	}
	if err != nil {
		return nil, err
	}
	d.media[hwpart] = m
	return m, nil
}

func openFlash(path string) (stm32prog.Medium, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeCharDevice != 0 {
		return OpenMTD(path)
	}
	return OpenFile(path, 0xFF)
}

// Probe implements stm32prog.Target.
func (b *Board) Probe(t stm32prog.DeviceType, index int) (stm32prog.Geometry, error) {
	d, err := b.lookup(t, index)
	if err != nil {
		return stm32prog.Geometry{}, err
	}
	if d.probed {
		return d.geo, nil
	}
	m, err := b.open(d, 0)
	if err != nil {
		return stm32prog.Geometry{}, err
	}
	switch m := m.(type) {
	case *MTD:
		d.geo = stm32prog.Geometry{Size: uint64(m.Size()), EraseSize: m.EraseSize(), BlockSize: m.WriteSize()}
	case *File:
		if t == stm32prog.DeviceMMC {
			d.geo = mmcGeometry(m)
		} else {
			d.geo = flashGeometry(t, m)
		}
	}
	d.probed = true
	stm32prog.LogInfo(stm32prog.ComponentStorage, "device probed", "device", d.String(), "path", d.path,
		"size", d.geo.Size, "erase", d.geo.EraseSize, "boot", d.geo.BootSize)
	return d.geo, nil
}

func mmcGeometry(m *File) stm32prog.Geometry {
	blockSize := uint32(MMCBlockSize)
	eraseGroup := uint32(1)
	var bootSize uint64
	if m.BlockDevice() {
		if ssz, err := unix.IoctlGetInt(int(m.f.Fd()), unix.BLKSSZGET); err == nil && ssz > 0 {
			blockSize = uint32(ssz)
		}
		if pref, err := sysfsBlock(m.Name(), "device/preferred_erase_size"); err == nil && pref >= uint64(blockSize) {
			eraseGroup = uint32(pref / uint64(blockSize))
		}
		// sysfs sizes are in 512 byte sectors
		if sectors, err := sysfsBlock(bootPath(m.Name(), 1, true), "size"); err == nil {
			bootSize = sectors * 512
		}
	} else if fi, err := os.Stat(bootPath(m.Name(), 1, false)); err == nil {
		bootSize = uint64(fi.Size())
	}
	return stm32prog.MMCGeometry(uint64(m.Size())/uint64(blockSize), blockSize, eraseGroup, bootSize)
}

func flashGeometry(t stm32prog.DeviceType, m *File) stm32prog.Geometry {
	if t == stm32prog.DeviceNAND {
		return stm32prog.Geometry{Size: uint64(m.Size()), EraseSize: NANDEraseSize, BlockSize: NANDPageSize}
	}
	return stm32prog.Geometry{Size: uint64(m.Size()), EraseSize: NOREraseSize, BlockSize: 1}
}

// Open implements stm32prog.Target.
func (b *Board) Open(t stm32prog.DeviceType, index, hwpart int) (stm32prog.Medium, error) {
	d, err := b.lookup(t, index)
	if err != nil {
		return nil, err
	}
	return b.open(d, hwpart)
}

// PartitionTable implements stm32prog.Target. eMMC tables come from
// their GPT, flash tables from the mtdparts definition.
func (b *Board) PartitionTable(t stm32prog.DeviceType, index int) ([]stm32prog.Extent, error) {
	geo, err := b.Probe(t, index)
	if err != nil {
		return nil, err
	}
	if t != stm32prog.DeviceMMC {
		return extents(b.mtdparts[key(t, index)], geo.Size), nil
	}
	m, err := b.Open(t, index, 0)
	if err != nil {
		return nil, err
	}
	return readGPT(m.(*File), int(geo.BlockSize))
}

// WritePartitionTable implements stm32prog.Target.
func (b *Board) WritePartitionTable(index int, entries []stm32prog.GPTEntry) error {
	geo, err := b.Probe(stm32prog.DeviceMMC, index)
	if err != nil {
		return err
	}
	m, err := b.Open(stm32prog.DeviceMMC, index, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		stm32prog.LogDebug(stm32prog.ComponentStorage, "gpt entry", "mmc", index, "entry", e.String())
	}
	return writeGPT(m.(*File), entries, int(geo.BlockSize))
}

// SetBootPartition implements stm32prog.Target. On image files the
// selection is only recorded.
func (b *Board) SetBootPartition(index, hwpart int) error {
	d, err := b.lookup(stm32prog.DeviceMMC, index)
	if err != nil {
		return err
	}
	m, err := b.open(d, 0)
	if err != nil {
		return err
	}
	if f := m.(*File); f.BlockDevice() {
		if err := setBootPartition(f.f, hwpart); err != nil {
			return err
		}
	}
	d.boot = hwpart
	stm32prog.LogInfo(stm32prog.ComponentStorage, "boot partition selected", "device", d.String(), "hwpart", hwpart)
	return nil
}

// BootPartition returns the boot partition selected on mmc index, 0
// when none was.
func (b *Board) BootPartition(index int) int {
	d, err := b.lookup(stm32prog.DeviceMMC, index)
	if err != nil {
		return 0
	}
	return d.boot
}

// Close closes every opened medium.
func (b *Board) Close() error {
	var errs []error
	for _, d := range b.devices {
		for hwpart, m := range d.media {
			if c, ok := m.(interface{ Close() error }); ok {
				errs = append(errs, c.Close())
			}
			delete(d.media, hwpart)
		}
		d.probed = false
	}
	return errors.Join(errs...)
}
