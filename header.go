// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"bytes"
	"encoding/binary"
)

const (
	// "STM2" read as a little endian word
	headerMagic   uint32 = 'S' | 'T'<<8 | 'M'<<16 | 0x32<<24
	headerVersion uint32 = 0x00010000
)

// Header is the 256 byte header prefixing STM32 images.
type Header struct {
	Magic          uint32
	Signature      [64]byte
	ImageChecksum  uint32
	HeaderVersion  uint32
	ImageLength    uint32
	EntryPoint     uint32
	Reserved1      uint32
	LoadAddress    uint32
	Reserved2      uint32
	VersionNumber  uint32
	OptionFlags    uint32
	ECDSAAlgorithm uint32
	PublicKey      [64]byte
	Padding        [80]byte
	BinaryType     uint32
}

// ParseHeader decodes and checks the header at the start of buf.
// It returns a *HeaderError when buf carries no valid header.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, &HeaderError{Code: HeaderNoData}
	}
	h := new(Header)
	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, &HeaderError{Code: HeaderNoData}
	}
	if h.Magic != headerMagic {
		return nil, &HeaderError{Code: HeaderMagic}
	}
	// only v1.0 is supported
	if h.HeaderVersion != headerVersion {
		return nil, &HeaderError{Code: HeaderVersion}
	}
	if h.Reserved1 != 0 || h.Reserved2 != 0 {
		return nil, &HeaderError{Code: HeaderReserved}
	}
	for _, b := range h.Padding {
		if b != 0 {
			return nil, &HeaderError{Code: HeaderPadding}
		}
	}
	return h, nil
}

// NewHeader returns a valid header describing payload.
func NewHeader(payload []byte) *Header {
	return &Header{
		Magic:         headerMagic,
		HeaderVersion: headerVersion,
		ImageLength:   uint32(len(payload)),
		ImageChecksum: Checksum(payload),
	}
}

// Bytes encodes the header in its 256 byte wire form.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	// writing a fixed size struct to a bytes.Buffer cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// Checksum is the byte sum of payload modulo 2^32.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}
