// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfu

import (
	"errors"
	"io"
	"testing"

	"github.com/openchirp/stm32prog"
)

type memMedium struct {
	data []byte
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
	for i := off; i < off+length; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

func (m *memMedium) Size() int64 { return int64(len(m.data)) }

// nandBoard is a target with a single 1MiB nand0.
type nandBoard struct {
	nand *memMedium
}

func newNandBoard() *nandBoard {
	return &nandBoard{nand: newMemMedium(0x100000)}
}

func (b *nandBoard) Probe(t stm32prog.DeviceType, index int) (stm32prog.Geometry, error) {
	if t != stm32prog.DeviceNAND || index != 0 {
		return stm32prog.Geometry{}, errors.New("no such device")
	}
	return stm32prog.Geometry{Size: 0x100000, EraseSize: 0x20000, BlockSize: 0x800}, nil
}

func (b *nandBoard) Open(t stm32prog.DeviceType, index, hwpart int) (stm32prog.Medium, error) {
	if t != stm32prog.DeviceNAND || index != 0 || hwpart != 0 {
		return nil, errors.New("no such medium")
	}
	return b.nand, nil
}

func (b *nandBoard) PartitionTable(stm32prog.DeviceType, int) ([]stm32prog.Extent, error) {
	return nil, nil
}

func (b *nandBoard) WritePartitionTable(int, []stm32prog.GPTEntry) error { return nil }

func (b *nandBoard) SetBootPartition(int, int) error { return nil }

type memStore struct {
	data []byte
}

func (s *memStore) ReadAll(buf []byte) error {
	copy(buf, s.data)
	return nil
}

func (s *memStore) WriteAll(buf []byte) error {
	s.data = append([]byte(nil), buf...)
	return nil
}

// nandLayout holds a 256KiB boot loader and a 768KiB file system.
const nandLayout = "#Opt\tId\tName\tType\tIP\tOffset\tBinary\n" +
	"P\t0x10\tssbl\tBinary\tnand0\t0x0\tu-boot.stm32\n" +
	"P\t0x11\trootfs\tSystem\tnand0\t0x40000\trootfs.ubi\n"

// preparedSession returns a session on a nand board with nandLayout
// already parsed.
func preparedSession(t *testing.T, opts ...stm32prog.SessionOption) (*stm32prog.Session, *nandBoard) {
	t.Helper()
	board := newNandBoard()
	sess := stm32prog.NewSession(append([]stm32prog.SessionOption{stm32prog.WithTarget(board)}, opts...)...)
	if err := sess.WriteMemory(stm32prog.DDRBase, []byte(nandLayout)); err != nil {
		t.Fatal(err)
	}
	if err := sess.Init(stm32prog.DDRBase, uint32(len(nandLayout))); err != nil {
		t.Fatal(err)
	}
	if sess.Phase() != 0x10 {
		t.Fatalf("phase = %v, want 0x10: %s", sess.Phase(), sess.ErrorText())
	}
	return sess, board
}

// pattern returns n bytes that do not start with a header magic.
func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}
