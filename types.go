// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"fmt"
	"strings"
)

// Phase identifies the partition or virtual target currently transferred.
// It doubles as the addressing key of both wire protocols.
type Phase uint16

// Phase constants, in sequencing order
const (
	PhaseLayout    = Phase(0x00)
	PhaseFirstUser = Phase(0x10)
	PhaseLastUser  = Phase(0xF0)
	PhaseCmd       = Phase(0xF1)
	PhaseOTP       = Phase(0xF2)
	PhaseSSP       = Phase(0xF3)
	PhasePMIC      = Phase(0xF4)
	PhaseEnd       = Phase(0xFE)
	PhaseReset     = Phase(0xFF)
	PhaseDoReset   = Phase(0x1FF)
)

var phase2String = map[Phase]string{
	PhaseLayout:  "LAYOUT",
	PhaseCmd:     "CMD",
	PhaseOTP:     "OTP",
	PhaseSSP:     "SSP",
	PhasePMIC:    "PMIC",
	PhaseEnd:     "END",
	PhaseReset:   "RESET",
	PhaseDoReset: "DO_RESET",
}

func (p Phase) String() string {
	if str, ok := phase2String[p]; ok {
		return str
	}
	return fmt.Sprintf("0x%02X", uint16(p))
}

// IsUser reports whether p can address a partition of the flash layout.
func (p Phase) IsUser() bool {
	return p > PhaseLayout && p <= PhaseLastUser
}

// Terminal reports whether p ends the transfer of partitions.
func (p Phase) Terminal() bool {
	return p == PhaseEnd || p == PhaseReset || p == PhaseDoReset
}

const (
	// DefaultAddress is the phase selector sentinel of the Start command
	DefaultAddress uint32 = 0xFFFFFFFF
	// DDRBase is the address where the flash layout is loaded
	DDRBase uint32 = 0xC0000000
	// RAMSize is the size of the flash layout load window
	RAMSize = 0x40000

	// HeaderSize is the size of the STM32 binary image header
	HeaderSize = 256
	// OTPSize is the size of the OTP staging buffer
	OTPSize = 1024
	// PMICSize is the size of the PMIC NVM staging buffer
	PMICSize = 8

	// MaxDevices is the number of storage devices a layout may target
	MaxDevices = 5

	// CmdSize is the medium size of the command virtual partition
	CmdSize = 512

	nameMaxLen = 16
	// gptHeaderLBA is the number of blocks used by one GPT header copy
	gptHeaderLBA = 34
)

// Option holds the flags of the first layout column.
type Option uint8

// Option flags
const (
	OptionSelect = Option(1 << 0)
	OptionEmpty  = Option(1 << 1)
	OptionDelete = Option(1 << 2)
)

func (o Option) String() string {
	if o == 0 {
		return "-"
	}
	var b strings.Builder
	if o&OptionSelect != 0 {
		b.WriteByte('P')
	}
	if o&OptionEmpty != 0 {
		b.WriteByte('E')
	}
	if o&OptionDelete != 0 {
		b.WriteByte('D')
	}
	return b.String()
}

// PartitionType is the content kind of a partition.
type PartitionType uint8

// PartitionType constants
const (
	PartBinary = PartitionType(iota)
	PartSystem
	PartFileSystem
	PartRawImage
)

var partType2String = map[PartitionType]string{
	PartBinary:     "Binary",
	PartSystem:     "System",
	PartFileSystem: "FileSystem",
	PartRawImage:   "RawImage",
}

func (t PartitionType) String() string {
	if str, ok := partType2String[t]; ok {
		return str
	}
	return fmt.Sprintf("0x%X", byte(t))
}

// DeviceType is the class of a storage target.
type DeviceType uint8

// DeviceType constants
const (
	DeviceNone = DeviceType(iota)
	DeviceMMC
	DeviceNOR
	DeviceNAND
)

var devType2String = map[DeviceType]string{
	DeviceNone: "none",
	DeviceMMC:  "mmc",
	DeviceNOR:  "nor",
	DeviceNAND: "nand",
}

func (t DeviceType) String() string {
	if str, ok := devType2String[t]; ok {
		return str
	}
	return fmt.Sprintf("0x%X", byte(t))
}

// ParseDeviceType returns the device class named s ("mmc", "nor", "nand").
func ParseDeviceType(s string) (DeviceType, bool) {
	for t, str := range devType2String {
		if t != DeviceNone && str == s {
			return t, true
		}
	}
	return DeviceNone, false
}

// Flash reports whether t is an MTD class that must be erased before write.
func (t DeviceType) Flash() bool {
	return t == DeviceNOR || t == DeviceNAND
}

// Partition is one row of the flash layout.
type Partition struct {
	Option   Option
	ID       Phase
	Name     string
	Type     PartitionType
	Copies   int // repeat count of Binary(n)
	DevType  DeviceType
	DevIndex int
	Addr     uint64
	Size     uint64

	// Index is the physical slot: 1-based for regular partitions,
	// -1/-2 for the eMMC boot partitions and 0 for a RawImage.
	Index int
	// AltID is the DFU alternate setting, -1 until assigned.
	AltID int
	// Line is the 0-based data row of the layout.
	Line int

	Device *Device

	// erased is the end of the range erased by the current write stream.
	erased int64
}

// Selected reports whether the partition must be written.
func (p *Partition) Selected() bool { return p.Option&OptionSelect != 0 }

// Empty reports whether the partition is selected but skipped.
func (p *Partition) Empty() bool { return p.Option&OptionEmpty != 0 }

// Deleted reports whether the partition is erased before write.
func (p *Partition) Deleted() bool { return p.Option&OptionDelete != 0 }

// Active reports whether the phase machine stops on this partition.
func (p *Partition) Active() bool { return p.Selected() && !p.Empty() }

// HWBoot reports whether p is an eMMC hardware boot partition.
func (p *Partition) HWBoot() bool { return p.Index < 0 }

// HWPart returns the eMMC hardware partition holding p, 0 for the user area.
func (p *Partition) HWPart() int {
	if p.Index < 0 {
		return -p.Index
	}
	return 0
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s %02x %s %v.%d %v%d 0x%x 0x%x",
		p.Option, uint16(p.ID), p.Name, p.Type, p.Copies, p.DevType, p.DevIndex, p.Addr, p.Size)
}
