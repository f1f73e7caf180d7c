// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Medium is the backing storage of one device or hardware partition.
type Medium interface {
	io.ReaderAt
	io.WriterAt
	// Erase resets length bytes at off to the erased state.
	Erase(off, length int64) error
	// Size returns the capacity in bytes.
	Size() int64
}

// Geometry describes a probed storage device.
type Geometry struct {
	Size      uint64
	EraseSize uint32
	BlockSize uint32
	// ReservedHead is the first usable address.
	ReservedHead uint64
	// ReservedTail is the number of bytes reserved at the end.
	ReservedTail uint64
	// BootSize is the capacity of each eMMC hardware boot partition.
	BootSize uint64
}

// First returns the lowest address a partition may start at.
func (g Geometry) First() uint64 { return g.ReservedHead }

// Last returns the end of the usable range.
func (g Geometry) Last() uint64 { return g.Size - g.ReservedTail }

// MMCGeometry computes the geometry of a block device with lba blocks of
// blockSize bytes. A full erase group is reserved for each GPT header when
// it is larger than a GPT header.
func MMCGeometry(lba uint64, blockSize, eraseGroup uint32, bootSize uint64) Geometry {
	g := Geometry{
		Size:      lba * uint64(blockSize),
		EraseSize: eraseGroup * blockSize,
		BlockSize: blockSize,
		BootSize:  bootSize,
	}
	if eraseGroup > gptHeaderLBA {
		g.ReservedHead = uint64(g.EraseSize)
		g.ReservedTail = uint64(eraseGroup) * uint64(blockSize)
	} else {
		g.ReservedHead = gptHeaderLBA * uint64(blockSize)
		g.ReservedTail = (gptHeaderLBA + 1) * uint64(blockSize)
	}
	return g
}

// Extent is one entry of a partition table already on a device.
type Extent struct {
	Name string
	Addr uint64
	Size uint64
}

// GPTType is the partition type of a created GPT entry.
type GPTType string

// GPT partition types
const (
	GPTData  = GPTType("data")
	GPTLinux = GPTType("linux")
)

// GPTEntry is one partition of a table created on full update.
type GPTEntry struct {
	Name     string
	Start    uint64
	Size     uint64
	Type     GPTType
	Bootable bool
	UUID     string
}

func (e GPTEntry) String() string {
	s := fmt.Sprintf("name=%s,start=0x%x,size=0x%x,type=%s", e.Name, e.Start, e.Size, e.Type)
	if e.Bootable {
		s += ",bootable"
	}
	if e.UUID != "" {
		s += ",uuid=" + e.UUID
	}
	return s
}

// rootfsUUID is the partition UUID given to the first rootfs of each mmc.
var rootfsUUID = []string{
	"E91C4E10-16E6-4C0E-BD0E-77BECF4A3582",
	"491F6117-415D-4F53-88C9-6E0DE54DEAC6",
	"FD58F1C7-BE0D-4338-88E9-AD8F050AEB18",
}

// Target gives access to the storage devices of the board.
type Target interface {
	// Probe returns the geometry of a device.
	Probe(t DeviceType, index int) (Geometry, error)
	// Open returns a device medium. hwpart selects an eMMC hardware
	// boot partition, 0 the user area.
	Open(t DeviceType, index int, hwpart int) (Medium, error)
	// PartitionTable lists the partitions present on a device in table order.
	PartitionTable(t DeviceType, index int) ([]Extent, error)
	// WritePartitionTable replaces the GPT of an mmc device.
	WritePartitionTable(index int, entries []GPTEntry) error
	// SetBootPartition sets the boot bus width and the active
	// hardware boot partition of an mmc device.
	SetBootPartition(index int, hwpart int) error
}

// Device is one storage target of a layout.
type Device struct {
	Type     DeviceType
	Index    int
	Geometry Geometry
	Medium   Medium
	// Partitions of the device, boot partitions first then by address.
	Partitions []*Partition
}

func (d *Device) String() string {
	return fmt.Sprintf("%v%d", d.Type, d.Index)
}

// Layout is a flash layout reconciled with the devices of a target.
type Layout struct {
	// Partitions in file order, including virtual ones.
	Partitions []*Partition
	Devices    []*Device
	// FullUpdate is set when every flashable partition is selected.
	FullUpdate bool
}

// Reconcile groups partitions by device, resolves their sizes and
// validates them against the geometry reported by target.
// The partitions are updated in place; on error they must be discarded.
func Reconcile(parts []*Partition, target Target) (*Layout, error) {
	lay := &Layout{Partitions: parts}
	if err := lay.group(); err != nil {
		return nil, err
	}
	if target == nil && len(lay.Devices) > 0 {
		d := lay.Devices[0]
		return nil, Errorf(ErrDevice, "%v device %d not found", d.Type, d.Index)
	}
	for _, dev := range lay.Devices {
		if err := lay.initDevice(dev, target); err != nil {
			return nil, err
		}
	}
	return lay, nil
}

func (lay *Layout) group() error {
	lay.FullUpdate = true
	for i, part := range lay.Partitions {
		part.AltID = -1
		part.Device = nil

		if part.DevType == DeviceNone {
			if part.Selected() {
				return Errorf(ErrReconcile, "Layout: selected none phase = 0x%x", uint16(part.ID))
			}
			continue
		}
		if !part.Selected() && part.Type != PartRawImage {
			lay.FullUpdate = false
		}
		if part.ID == PhaseLayout || part.ID > PhaseLastUser {
			return Errorf(ErrReconcile, "Layout: invalid phase = 0x%x", uint16(part.ID))
		}
		for j := i + 1; j < len(lay.Partitions); j++ {
			if part.ID == lay.Partitions[j].ID {
				return Errorf(ErrReconcile, "Layout: duplicated phase %d at line %d and %d",
					uint16(part.ID), i, j)
			}
		}

		var dev *Device
		for _, d := range lay.Devices {
			if d.Type == part.DevType && d.Index == part.DevIndex {
				dev = d
				break
			}
		}
		if dev == nil {
			if len(lay.Devices) == MaxDevices {
				return Errorf(ErrReconcile, "Layout: too many device")
			}
			dev = &Device{Type: part.DevType, Index: part.DevIndex}
			lay.Devices = append(lay.Devices, dev)
		}
		part.Device = dev
		dev.Partitions = append(dev.Partitions, part)
	}
	return nil
}

func (lay *Layout) initDevice(dev *Device, target Target) error {
	geo, err := target.Probe(dev.Type, dev.Index)
	if err != nil {
		return wrapf(ErrDevice, err, "%v device %d not found", dev.Type, dev.Index)
	}
	medium, err := target.Open(dev.Type, dev.Index, 0)
	if err != nil {
		return wrapf(ErrDevice, err, "%v device %d not probed", dev.Type, dev.Index)
	}
	dev.Geometry = geo
	dev.Medium = medium
	LogDebug(ComponentDevice, "device probed", "device", dev.String(),
		"size", geo.Size, "erase", geo.EraseSize, "first", geo.First(), "last", geo.Last())

	// boot partitions sort first: boot2, boot1, then by address
	sort.SliceStable(dev.Partitions, func(i, j int) bool {
		a, b := dev.Partitions[i], dev.Partitions[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Addr < b.Addr
	})

	var table []Extent
	tableRead := false
	index := 1
	for i, part := range dev.Partitions {
		if part.Copies > 1 {
			if dev.Type != DeviceNAND || part.ID >= PhaseFirstUser || !strings.HasPrefix(part.Name, "fsbl") {
				return Errorf(ErrUnsupported, "%s: multiple binary %d not supported for phase %d",
					part.Name, part.Copies, uint16(part.ID))
			}
		}
		if part.Type == PartRawImage {
			part.Index = 0
			part.Addr = 0
			if dev.Type == DeviceMMC {
				part.Size = geo.Size
			} else {
				part.Size = geo.Last()
			}
			continue
		}
		if part.HWBoot() {
			if dev.Type != DeviceMMC || geo.BootSize == 0 {
				return Errorf(ErrReconcile, "%s: hw partition not expected : %d", part.Name, part.Index)
			}
			part.Size = geo.BootSize
		} else {
			part.Index = index
			index++
			if next := nextRegular(dev.Partitions[i+1:]); next != nil {
				if part.Addr >= next.Addr {
					return Errorf(ErrReconcile, "%s: invalid address : 0x%x >= 0x%x",
						part.Name, part.Addr, next.Addr)
				}
				part.Size = next.Addr - part.Addr
			} else {
				if part.Addr > geo.Last() {
					return Errorf(ErrReconcile, "%s: invalid address 0x%x (max=0x%x)",
						part.Name, part.Addr, geo.Last())
				}
				part.Size = geo.Last() - part.Addr
			}
			if part.Addr < geo.First() {
				return Errorf(ErrReconcile, "%s: invalid address 0x%x (min=0x%x)",
					part.Name, part.Addr, geo.First())
			}
		}
		if geo.EraseSize != 0 && part.Addr%uint64(geo.EraseSize) != 0 {
			return Errorf(ErrReconcile, "%s: not aligned address : 0x%x on erase size 0x%x",
				part.Name, part.Addr, geo.EraseSize)
		}
		LogDebug(ComponentDevice, "partition resolved", "device", dev.String(),
			"index", part.Index, "phase", part.ID, "name", part.Name, "addr", part.Addr, "size", part.Size)

		// only partial updates must match the table on the device
		if lay.FullUpdate || part.HWBoot() {
			continue
		}
		if !tableRead {
			table, err = target.PartitionTable(dev.Type, dev.Index)
			if err != nil {
				return wrapf(ErrDevice, err, "Couldn't read partition table on device %v %d", dev.Type, dev.Index)
			}
			tableRead = true
		}
		if part.Index > len(table) {
			return Errorf(ErrReconcile, "Couldn't find part %d on device %v %d", part.Index, dev.Type, dev.Index)
		}
		ext := table[part.Index-1]
		if part.Addr != ext.Addr {
			return Errorf(ErrReconcile, "%s: Bad address requested for partition %d = 0x%x <> 0x%x",
				part.Name, part.Index, part.Addr, ext.Addr)
		}
		if part.Size != ext.Size {
			return Errorf(ErrReconcile, "%s: Bad size requested for partition %d = 0x%x <> 0x%x",
				part.Name, part.Index, part.Size, ext.Size)
		}
	}
	return nil
}

// nextRegular returns the first partition of parts that is neither a
// boot partition nor a raw image.
func nextRegular(parts []*Partition) *Partition {
	for _, p := range parts {
		if p.Type != PartRawImage && !p.HWBoot() {
			return p
		}
	}
	return nil
}

// GPTEntries returns the table created on dev for a full update.
// Boot partitions and raw images are not part of it.
func (dev *Device) GPTEntries() []GPTEntry {
	var entries []GPTEntry
	rootfs := false
	for _, part := range dev.Partitions {
		if part.HWBoot() || part.Type == PartRawImage {
			continue
		}
		e := GPTEntry{
			Name:     part.Name,
			Start:    part.Addr,
			Size:     part.Size,
			Type:     GPTLinux,
			Bootable: part.Type == PartSystem,
		}
		if part.Type == PartBinary {
			e.Type = GPTData
		}
		if !rootfs && part.Name == "rootfs" {
			rootfs = true
			if dev.Index < len(rootfsUUID) {
				e.UUID = rootfsUUID[dev.Index]
			}
		}
		entries = append(entries, e)
	}
	return entries
}
