// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// _IOWR(MMC_BLOCK_MAJOR, 0, struct mmc_ioc_cmd)
	mmcIocCmd = 0xC048B300

	mmcSwitch          = 6
	mmcSwitchWriteByte = 3
	extCSDCmdSetNormal = 1
	// MMC_RSP_SPI_R1B | MMC_RSP_R1B | MMC_CMD_AC
	mmcSwitchFlags = 0x49D

	extCSDBootBusConditions = 177
	extCSDPartitionConfig   = 179
	// boot acknowledge requested
	partConfigBootAck = 0x40
)

type mmcCmd struct {
	WriteFlag      int32
	IsACmd         int32
	Opcode         uint32
	Arg            uint32
	Response       [4]uint32
	Flags          uint32
	BlkSz          uint32
	Blocks         uint32
	PostSleepMinUs uint32
	PostSleepMaxUs uint32
	DataTimeoutNs  uint32
	CmdTimeoutMs   uint32
	_              uint32
	DataPtr        uint64
}

// mmcSwitchByte writes value in the EXT_CSD register index.
func mmcSwitchByte(f *os.File, index, value uint8) error {
	cmd := mmcCmd{
		WriteFlag: 1,
		Opcode:    mmcSwitch,
		Arg:       mmcSwitchWriteByte<<24 | uint32(index)<<16 | uint32(value)<<8 | extCSDCmdSetNormal,
		Flags:     mmcSwitchFlags,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), mmcIocCmd, uintptr(unsafe.Pointer(&cmd)))
	if errno != 0 {
		return fmt.Errorf("%s: EXT_CSD[%d] = 0x%x: %w", f.Name(), index, value, errno)
	}
	return nil
}

// partConfig returns the PARTITION_CONFIG value booting from hwpart.
func partConfig(hwpart int) uint8 {
	return partConfigBootAck | uint8(hwpart&0x7)<<3
}

// setBootPartition sets a x1 boot bus and selects hwpart as the boot
// partition of the eMMC behind f.
func setBootPartition(f *os.File, hwpart int) error {
	if err := mmcSwitchByte(f, extCSDBootBusConditions, 0); err != nil {
		return err
	}
	return mmcSwitchByte(f, extCSDPartitionConfig, partConfig(hwpart))
}

// sysfsBlock reads an integer attribute of a block device.
func sysfsBlock(dev, attr string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join("/sys/class/block", filepath.Base(dev), attr))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// bootPath returns the path of an eMMC hardware boot partition, hwpart
// counting from 1. Image files use a ".bootN" suffix.
func bootPath(path string, hwpart int, block bool) string {
	if block {
		return fmt.Sprintf("%sboot%d", path, hwpart-1)
	}
	return fmt.Sprintf("%s.boot%d", path, hwpart-1)
}
