// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package serial

import (
	"fmt"
)

const (
	// SyncByte starts a connection
	SyncByte byte = 0x7F
	// AckByte acknowledges a command or a field
	AckByte byte = 0x79
	// NackByte rejects a frame, the host retransmits it
	NackByte byte = 0x1F
	// AbortByte reports a failed operation
	AbortByte byte = 0x5F
)

const (
	// USARTVersion is the version reported by GetCommands (v4.0)
	USARTVersion byte = 0x40
	// BootloaderVersion is the version reported by GetVersion (v0.3)
	BootloaderVersion byte = 0x03
	// DeviceID is the identifier reported by GetID
	DeviceID uint16 = 0x0500

	// PacketSize is the largest payload of a Download packet
	PacketSize = 256
)

// CommandType is the opcode of a host command.
type CommandType byte

// CommandType constants
const (
	CommandGetCommands   = CommandType(0x00)
	CommandGetVersion    = CommandType(0x01)
	CommandGetID         = CommandType(0x02)
	CommandGetPhase      = CommandType(0x03)
	CommandReadMemory    = CommandType(0x11)
	CommandReadPartition = CommandType(0x12)
	CommandStart         = CommandType(0x21)
	CommandDownload      = CommandType(0x31)
)

// Commands lists the supported opcodes in GetCommands order.
var Commands = []CommandType{
	CommandGetCommands,
	CommandGetVersion,
	CommandGetID,
	CommandGetPhase,
	CommandReadMemory,
	CommandReadPartition,
	CommandStart,
	CommandDownload,
}

var cmd2String = map[CommandType]string{
	CommandGetCommands:   "GET_CMD",
	CommandGetVersion:    "GET_VER",
	CommandGetID:         "GET_ID",
	CommandGetPhase:      "GET_PHASE",
	CommandReadMemory:    "READ_MEMORY",
	CommandReadPartition: "READ_PARTITION",
	CommandStart:         "START",
	CommandDownload:      "DOWNLOAD",
}

func (c CommandType) String() string {
	if str, ok := cmd2String[c]; ok {
		return str
	}
	return fmt.Sprintf("0x%X", byte(c))
}

// Supported reports whether c is a known opcode.
func (c CommandType) Supported() bool {
	_, ok := cmd2String[c]
	return ok
}

// xor returns the XOR of all bytes of data, seeded with seed.
func xor(seed byte, data []byte) byte {
	for _, b := range data {
		seed ^= b
	}
	return seed
}

// EncodeAddress returns the 4 byte big endian address followed by its
// XOR checksum, as sent by a host.
func EncodeAddress(addr uint32) []byte {
	buf := []byte{
		byte(addr >> 24),
		byte(addr >> 16),
		byte(addr >> 8),
		byte(addr),
	}
	return append(buf, xor(0, buf))
}

// EncodePacket returns a Download payload as sent by a host: the count
// minus one, the data and the XOR of both.
func EncodePacket(data []byte) []byte {
	buf := make([]byte, 0, len(data)+2)
	buf = append(buf, byte(len(data)-1))
	buf = append(buf, data...)
	return append(buf, xor(0, buf))
}
