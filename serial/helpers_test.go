// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package serial

import (
	"errors"
	"io"

	"github.com/openchirp/stm32prog"
)

// fakeHost replays host frames. A frame is what the host sends before
// waiting for an answer, so a flush only drops the rest of a frame.
type fakeHost struct {
	frames [][]byte
	cur    []byte
	out    []byte
}

func (h *fakeHost) send(frames ...[]byte) {
	h.frames = append(h.frames, frames...)
}

func (h *fakeHost) GetByte() (byte, error) {
	for len(h.cur) == 0 {
		if len(h.frames) == 0 {
			return 0, io.EOF
		}
		h.cur, h.frames = h.frames[0], h.frames[1:]
	}
	b := h.cur[0]
	h.cur = h.cur[1:]
	return b, nil
}

func (h *fakeHost) PutByte(b byte) error {
	h.out = append(h.out, b)
	return nil
}

func (h *fakeHost) Flush() error {
	h.cur = nil
	return nil
}

func command(c CommandType) []byte {
	return []byte{byte(c), ^byte(c)}
}

// download queues the frames of a Download command.
func (h *fakeHost) download(op stm32prog.Phase, packet uint32, data []byte) {
	h.send(command(CommandDownload), EncodeAddress(uint32(op)<<24|packet), EncodePacket(data))
}

// downloadImage queues an image split in packets.
func (h *fakeHost) downloadImage(op stm32prog.Phase, image []byte) {
	for packet := uint32(0); len(image) > 0; packet++ {
		n := PacketSize
		if n > len(image) {
			n = len(image)
		}
		h.download(op, packet, image[:n])
		image = image[n:]
	}
}

func (h *fakeHost) start(addr uint32) {
	h.send(command(CommandStart), EncodeAddress(addr))
}

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

const nandLayout = "#Opt\tId\tName\tType\tIP\tOffset\tBinary\n" +
	"P\t0x10\tssbl\tBinary\tnand0\t0x0\tu-boot.stm32\n"

func withHeader(payload []byte) []byte {
	return append(stm32prog.NewHeader(payload).Bytes(), payload...)
}

// pattern returns n bytes that do not start with a header magic.
func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}
