// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage provides the storage devices of a board: eMMC block
// devices, raw MTD flash and their image file equivalents.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openchirp/stm32prog"
)

// ErrOutOfRange is returned for an access beyond the end of a medium.
var ErrOutOfRange = errors.New("access beyond end of medium")

const fillChunk = 64 * 1024

const blkDiscard = 0x1277 // _IO(0x12, 119)

// File is a medium backed by a block device or an image file. Erased
// bytes read as the erase value of the emulated technology.
type File struct {
	f      *os.File
	size   int64
	block  bool
	erased byte
}

// OpenFile opens the block device or image file at path. Erasing a
// block device discards its blocks; erasing a file fills it with erased.
func OpenFile(path string, erased byte) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m := &File{f: f, size: fi.Size(), erased: erased}
	if isBlockDevice(fi) {
		m.block = true
		size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: BLKGETSIZE64: %w", path, err)
		}
		m.size = int64(size)
	}
	return m, nil
}

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func (m *File) check(off int64, n int) error {
	if off < 0 || off+int64(n) > m.size {
		return fmt.Errorf("%s: 0x%x bytes at 0x%x: %w", m.f.Name(), n, off, ErrOutOfRange)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, io.EOF
	}
	if rem := m.size - off; int64(len(p)) > rem {
		n, err := m.f.ReadAt(p[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return m.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (m *File) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return m.f.WriteAt(p, off)
}

// Seek implements io.Seeker for partition table codecs.
func (m *File) Seek(offset int64, whence int) (int64, error) {
	return m.f.Seek(offset, whence)
}

// Erase implements stm32prog.Medium.
func (m *File) Erase(off, length int64) error {
	if err := m.check(off, int(length)); err != nil {
		return err
	}
	if m.block {
		r := [2]uint64{uint64(off), uint64(length)}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), blkDiscard, uintptr(unsafe.Pointer(&r)))
		if errno == 0 {
			return nil
		}
		stm32prog.LogDebug(stm32prog.ComponentStorage, "discard not supported", "device", m.f.Name(), "err", errno)
	}
	return m.fill(off, length)
}

func (m *File) fill(off, length int64) error {
	chunk := make([]byte, fillChunk)
	if m.erased != 0 {
		for i := range chunk {
			chunk[i] = m.erased
		}
	}
	for length > 0 {
		n := int64(len(chunk))
		if n > length {
			n = length
		}
		if _, err := m.f.WriteAt(chunk[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Size implements stm32prog.Medium.
func (m *File) Size() int64 { return m.size }

// Sync commits the written data to the device.
func (m *File) Sync() error { return m.f.Sync() }

// Close closes the device.
func (m *File) Close() error { return m.f.Close() }

// Name returns the path of the device.
func (m *File) Name() string { return m.f.Name() }

// BlockDevice reports whether the medium is a block device.
func (m *File) BlockDevice() bool { return m.block }
