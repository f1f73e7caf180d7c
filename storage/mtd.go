// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mtd-abi.h ioctls
const (
	memGetInfo = 0x80204d01 // _IOR('M', 1, struct mtd_info_user)
	memErase   = 0x40084d02 // _IOW('M', 2, struct erase_info_user)
)

// MTD types
const (
	mtdNORFlash  = 3
	mtdNANDFlash = 4
	mtdMLCNAND   = 8
)

type mtdInfo struct {
	Type      uint8
	_         [3]uint8
	Flags     uint32
	Size      uint32
	EraseSize uint32
	WriteSize uint32
	OOBSize   uint32
	_         uint64
}

type eraseInfo struct {
	Start  uint32
	Length uint32
}

// MTD is a raw flash medium served by a Linux MTD character device.
type MTD struct {
	f    *os.File
	info mtdInfo
}

// OpenMTD opens an MTD character device such as /dev/mtd0.
func OpenMTD(path string) (*MTD, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	m := &MTD{f: f}
	if err := m.ioctl(memGetInfo, unsafe.Pointer(&m.info)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: MEMGETINFO: %w", path, err)
	}
	return m, nil
}

func (m *MTD) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// NAND reports whether the device is a NAND flash.
func (m *MTD) NAND() bool {
	return m.info.Type == mtdNANDFlash || m.info.Type == mtdMLCNAND
}

// EraseSize returns the size of an erase block.
func (m *MTD) EraseSize() uint32 { return m.info.EraseSize }

// WriteSize returns the minimal writable unit.
func (m *MTD) WriteSize() uint32 { return m.info.WriteSize }

// ReadAt implements io.ReaderAt.
func (m *MTD) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.Size() {
		return 0, io.EOF
	}
	if rem := m.Size() - off; int64(len(p)) > rem {
		n, err := m.f.ReadAt(p[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return m.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt. The area must be erased.
func (m *MTD) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.Size() {
		return 0, fmt.Errorf("%s: 0x%x bytes at 0x%x: %w", m.f.Name(), len(p), off, ErrOutOfRange)
	}
	return m.f.WriteAt(p, off)
}

// Erase erases the blocks covering length bytes at off, which must be
// aligned on the erase size.
func (m *MTD) Erase(off, length int64) error {
	bs := int64(m.info.EraseSize)
	if bs == 0 || off%bs != 0 {
		return fmt.Errorf("%s: erase at 0x%x not aligned on 0x%x", m.f.Name(), off, bs)
	}
	if off < 0 || off+length > m.Size() {
		return fmt.Errorf("%s: erase 0x%x bytes at 0x%x: %w", m.f.Name(), length, off, ErrOutOfRange)
	}
	for ; length > 0; off, length = off+bs, length-bs {
		ei := eraseInfo{Start: uint32(off), Length: uint32(bs)}
		if err := m.ioctl(memErase, unsafe.Pointer(&ei)); err != nil {
			return fmt.Errorf("%s: MEMERASE at 0x%x: %w", m.f.Name(), off, err)
		}
	}
	return nil
}

// Size implements stm32prog.Medium.
func (m *MTD) Size() int64 { return int64(m.info.Size) }

// Close closes the device.
func (m *MTD) Close() error { return m.f.Close() }
