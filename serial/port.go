// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package serial

import (
	"io"

	"github.com/jacobsa/go-serial/serial"
	"golang.org/x/sys/unix"

	"github.com/openchirp/stm32prog"
)

// Channel is a polled byte link to the host.
type Channel interface {
	// GetByte returns the next received byte, or
	// stm32prog.ErrWouldBlock when none is pending.
	GetByte() (byte, error)
	// PutByte transmits one byte.
	PutByte(b byte) error
}

// Flusher is implemented by channels able to drop pending input.
type Flusher interface {
	Flush() error
}

// Port adapts a serial port opened with a read timeout to a Channel.
// A read returning no data is reported as stm32prog.ErrWouldBlock.
type Port struct {
	port io.ReadWriteCloser
	buf  [1]byte
}

// NewPort wraps port. We assume that port.Read has some timeout set.
func NewPort(port io.ReadWriteCloser) *Port {
	return &Port{port: port}
}

// OpenPort opens a UART with the framing of the protocol: 8 data bits,
// even parity and 1 stop bit. Reads time out after 100ms.
func OpenPort(name string, baud uint) (*Port, error) {
	options := serial.OpenOptions{
		PortName:              name,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_EVEN,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, err
	}
	stm32prog.LogInfo(stm32prog.ComponentSerial, "port opened", "port", name, "baud", baud)
	return NewPort(port), nil
}

// GetByte implements Channel.
func (p *Port) GetByte() (byte, error) {
	n, err := p.port.Read(p.buf[:])
	if n == 1 {
		return p.buf[0], nil
	}
	if err == nil || err == io.EOF {
		// timed out waiting for byte
		return 0, stm32prog.ErrWouldBlock
	}
	return 0, err
}

// PutByte implements Channel.
func (p *Port) PutByte(b byte) error {
	p.buf[0] = b
	n, err := p.port.Write(p.buf[:])
	if err != nil {
		return err
	}
	if n != 1 {
		return io.ErrShortWrite
	}
	return nil
}

// Flush drops the bytes received and not read yet.
func (p *Port) Flush() error {
	if f, ok := p.port.(interface{ Fd() uintptr }); ok {
		return unix.IoctlSetInt(int(f.Fd()), unix.TCFLSH, unix.TCIFLUSH)
	}
	return nil
}

// Close closes the underlying port.
func (p *Port) Close() error {
	return p.port.Close()
}
