// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gadget

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/openchirp/stm32prog"
	"github.com/openchirp/stm32prog/dfu"
)

// fakeController replays host control requests.
type fakeController struct {
	events     []Event
	out        [][]byte
	writes     [][]byte
	stalls     int
	acks       int
	started    bool
	configured bool
	closed     bool
}

func (c *fakeController) Start() error {
	c.started = true
	return nil
}

func (c *fakeController) FetchEvent() (Event, error) {
	if len(c.events) == 0 {
		return Event{}, io.EOF
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

func (c *fakeController) Configure() error {
	c.configured = true
	return nil
}

func (c *fakeController) EP0Read(p []byte) (int, error) {
	if len(p) == 0 {
		c.acks++
		return 0, nil
	}
	if len(c.out) == 0 {
		return 0, errors.New("no data stage queued")
	}
	n := copy(p, c.out[0])
	c.out = c.out[1:]
	return n, nil
}

func (c *fakeController) EP0Write(p []byte) error {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeController) EP0Stall() error {
	c.stalls++
	return nil
}

func (c *fakeController) Close() error {
	c.closed = true
	return nil
}

func setupEvent(reqType, req uint8, value, index, length uint16) Event {
	data := make([]byte, SetupPacketSize)
	data[0] = reqType
	data[1] = req
	binary.LittleEndian.PutUint16(data[2:], value)
	binary.LittleEndian.PutUint16(data[4:], index)
	binary.LittleEndian.PutUint16(data[6:], length)
	return Event{Type: EventControl, Data: data}
}

// request queues a request without OUT data stage.
func (c *fakeController) request(reqType, req uint8, value, index, length uint16) {
	c.events = append(c.events, setupEvent(reqType, req, value, index, length))
}

// send queues an OUT request with its data stage.
func (c *fakeController) send(reqType, req uint8, value, index uint16, data []byte) {
	c.request(reqType, req, value, index, uint16(len(data)))
	c.out = append(c.out, data)
}

func (c *fakeController) enumerate() {
	c.events = append(c.events, Event{Type: EventConnect}, Event{Type: EventReset})
	c.request(0x80, RequestGetDescriptor, DescriptorDevice<<8, 0, 64)
	c.request(0x00, RequestSetConfiguration, 1, 0, 0)
}

func (c *fakeController) setInterface(alt uint16) {
	c.request(0x01, RequestSetInterface, alt, 0, 0)
}

func (c *fakeController) status() {
	c.request(0xA1, dfu.RequestGetStatus, 0, 0, 6)
}

// download queues a DFU download of image to alt.
func (c *fakeController) download(alt uint16, image []byte) {
	c.setInterface(alt)
	var block uint16
	for len(image) > 0 {
		n := dfu.TransferSize
		if n > len(image) {
			n = len(image)
		}
		c.send(0x21, dfu.RequestDnload, block, 0, image[:n])
		c.status()
		image = image[n:]
		block++
	}
	c.request(0x21, dfu.RequestDnload, block, 0, 0)
	c.status()
	c.status()
}

func (c *fakeController) detach() {
	c.request(0x21, dfu.RequestDetach, 1000, 0, 0)
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

const nandLayout = "#Opt\tId\tName\tType\tIP\tOffset\tBinary\n" +
	"P\t0x10\tssbl\tBinary\tnand0\t0x0\tu-boot.stm32\n" +
	"P\t0x11\trootfs\tSystem\tnand0\t0x40000\trootfs.ubi\n"

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}
