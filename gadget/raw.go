// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gadget

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventType is the type of a controller event.
type EventType uint32

// Raw gadget event types
const (
	EventInvalid EventType = iota
	EventConnect
	EventControl
	EventSuspend
	EventResume
	EventReset
	EventDisconnect
)

var eventType2String = map[EventType]string{
	EventInvalid:    "invalid",
	EventConnect:    "connect",
	EventControl:    "control",
	EventSuspend:    "suspend",
	EventResume:     "resume",
	EventReset:      "reset",
	EventDisconnect: "disconnect",
}

func (t EventType) String() string {
	if str, ok := eventType2String[t]; ok {
		return str
	}
	return fmt.Sprintf("0x%X", uint32(t))
}

// Event is a bus event. Data holds the SETUP packet of a control event.
type Event struct {
	Type EventType
	Data []byte
}

// Controller is a USB device controller seen from the gadget side.
type Controller interface {
	// Start binds the gadget to the controller.
	Start() error
	// FetchEvent blocks until the next bus event.
	FetchEvent() (Event, error)
	// Configure switches the controller to the configured state.
	Configure() error
	// EP0Read reads the OUT data stage and acknowledges the request.
	EP0Read(p []byte) (int, error)
	// EP0Write sends the IN data stage.
	EP0Write(p []byte) error
	// EP0Stall stalls the current control request.
	EP0Stall() error
	Close() error
}

// raw-gadget ioctls, from include/uapi/linux/usb/raw_gadget.h
const (
	rawInit       = 0x41015500
	rawRun        = 0x5501
	rawEventFetch = 0x80085502
	rawEP0Write   = 0x40085503
	rawEP0Read    = 0xC0085504
	rawConfigure  = 0x5509
	rawVBusDraw   = 0x4004550A
	rawEP0Stall   = 0x550C

	rawNameSize  = 128
	rawSpeedHigh = 3
	// event and ep_io headers
	rawHeaderSize = 8
)

// DefaultRawGadgetPath is the raw-gadget character device.
const DefaultRawGadgetPath = "/dev/raw-gadget"

// RawGadget drives a UDC through the Linux raw-gadget interface.
type RawGadget struct {
	f      *os.File
	driver string
	device string
	buf    []byte
}

// OpenRawGadget opens the raw-gadget device at path for the UDC driver
// and device names, as listed in /sys/class/udc.
func OpenRawGadget(path, driver, device string) (*RawGadget, error) {
	if len(driver) >= rawNameSize || len(device) >= rawNameSize {
		return nil, fmt.Errorf("udc name too long")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &RawGadget{
		f:      f,
		driver: driver,
		device: device,
		buf:    make([]byte, rawHeaderSize+4096),
	}, nil
}

func (g *RawGadget) ioctl(req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, g.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// Start implements Controller.
func (g *RawGadget) Start() error {
	var init [2*rawNameSize + 1]byte
	copy(init[:], g.driver)
	copy(init[rawNameSize:], g.device)
	init[2*rawNameSize] = rawSpeedHigh
	if _, err := g.ioctl(rawInit, unsafe.Pointer(&init[0])); err != nil {
		return fmt.Errorf("raw-gadget init %s/%s: %w", g.driver, g.device, err)
	}
	if _, err := g.ioctl(rawRun, nil); err != nil {
		return fmt.Errorf("raw-gadget run: %w", err)
	}
	return nil
}

// FetchEvent implements Controller.
func (g *RawGadget) FetchEvent() (Event, error) {
	buf := g.buf[:rawHeaderSize+SetupPacketSize]
	binary.LittleEndian.PutUint32(buf[0:], 0)
	binary.LittleEndian.PutUint32(buf[4:], SetupPacketSize)
	if _, err := g.ioctl(rawEventFetch, unsafe.Pointer(&buf[0])); err != nil {
		return Event{}, fmt.Errorf("raw-gadget event fetch: %w", err)
	}
	ev := Event{Type: EventType(binary.LittleEndian.Uint32(buf[0:]))}
	if n := binary.LittleEndian.Uint32(buf[4:]); n > 0 && n <= SetupPacketSize {
		ev.Data = append([]byte(nil), buf[rawHeaderSize:rawHeaderSize+n]...)
	}
	return ev, nil
}

// Configure implements Controller.
func (g *RawGadget) Configure() error {
	if _, err := g.ioctl(rawConfigure, nil); err != nil {
		return fmt.Errorf("raw-gadget configure: %w", err)
	}
	power := uint32(2 * maxPower)
	if _, err := g.ioctl(rawVBusDraw, unsafe.Pointer(&power)); err != nil {
		return fmt.Errorf("raw-gadget vbus draw: %w", err)
	}
	return nil
}

// epIO fills the usb_raw_ep_io header of ep0 for n bytes.
func (g *RawGadget) epIO(n int) []byte {
	buf := g.buf[:rawHeaderSize+n]
	binary.LittleEndian.PutUint16(buf[0:], 0)
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	return buf
}

// EP0Read implements Controller.
func (g *RawGadget) EP0Read(p []byte) (int, error) {
	if len(p) > len(g.buf)-rawHeaderSize {
		return 0, fmt.Errorf("raw-gadget ep0 read of %d bytes", len(p))
	}
	buf := g.epIO(len(p))
	n, err := g.ioctl(rawEP0Read, unsafe.Pointer(&buf[0]))
	if err != nil {
		return 0, fmt.Errorf("raw-gadget ep0 read: %w", err)
	}
	return copy(p, buf[rawHeaderSize:rawHeaderSize+n]), nil
}

// EP0Write implements Controller.
func (g *RawGadget) EP0Write(p []byte) error {
	if len(p) > len(g.buf)-rawHeaderSize {
		return fmt.Errorf("raw-gadget ep0 write of %d bytes", len(p))
	}
	buf := g.epIO(len(p))
	copy(buf[rawHeaderSize:], p)
	if _, err := g.ioctl(rawEP0Write, unsafe.Pointer(&buf[0])); err != nil {
		return fmt.Errorf("raw-gadget ep0 write: %w", err)
	}
	return nil
}

// EP0Stall implements Controller.
func (g *RawGadget) EP0Stall() error {
	if _, err := g.ioctl(rawEP0Stall, nil); err != nil {
		return fmt.Errorf("raw-gadget ep0 stall: %w", err)
	}
	return nil
}

// Close implements Controller.
func (g *RawGadget) Close() error {
	return g.f.Close()
}
