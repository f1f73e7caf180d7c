// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gadget

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// bmRequestType fields
const (
	RequestDirectionMask = 0x80
	RequestDeviceToHost  = 0x80
	RequestTypeMask      = 0x60
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestRecipientMask = 0x1F
	RecipientDevice      = 0x00
	RecipientInterface   = 0x01
	RecipientEndpoint    = 0x02
)

// SetupPacketSize is the size of a SETUP packet.
const SetupPacketSize = 8

var (
	// ErrInvalidRequest is returned for a request the host must see stalled.
	ErrInvalidRequest = errors.New("gadget: invalid request")
	// ErrShortSetup is returned for a SETUP packet shorter than 8 bytes.
	ErrShortSetup = errors.New("gadget: setup packet too short")
)

// SetupPacket is a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes a SETUP packet.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, ErrShortSetup
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// IsDeviceToHost reports whether the data stage is IN.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionMask == RequestDeviceToHost
}

// Type returns the request type bits.
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

// DescriptorType returns the descriptor type of GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index of GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	return fmt.Sprintf("%s type=0x%02x req=0x%02x value=0x%04x index=0x%04x length=%d",
		dir, s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
