// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gadget

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/openchirp/stm32prog/dfu"
)

// Descriptor types
const (
	DescriptorDevice          = 0x01
	DescriptorConfiguration   = 0x02
	DescriptorString          = 0x03
	DescriptorInterface       = 0x04
	DescriptorDeviceQualifier = 0x06
)

// Identity of the download gadget
const (
	VendorID     = 0x0483
	ProductID    = 0xDF11
	Manufacturer = "STMicroelectronics"

	// LangID is US English
	LangID = 0x0409

	maxPacketSize0 = 64
	maxPower       = 50 // in 2mA units

	deviceDescriptorSize    = 18
	configDescriptorSize    = 9
	interfaceDescriptorSize = 9
	qualifierDescriptorSize = 10
)

// String indexes
const (
	StringManufacturer = 1
	StringProduct      = 2
	StringSerial       = 3
	// StringInterface is the index of the name of alternate setting 0.
	StringInterface = 4
)

// Descriptors holds the descriptors of one enumeration.
type Descriptors struct {
	Product string
	Serial  string
	// Alternates are the interface names, one per alternate setting.
	Alternates []string
}

// Device returns the device descriptor.
func (d *Descriptors) Device() []byte {
	b := make([]byte, deviceDescriptorSize)
	b[0] = deviceDescriptorSize
	b[1] = DescriptorDevice
	binary.LittleEndian.PutUint16(b[2:], 0x0200)
	b[7] = maxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], VendorID)
	binary.LittleEndian.PutUint16(b[10:], ProductID)
	binary.LittleEndian.PutUint16(b[12:], dfu.BCDDevice)
	b[14] = StringManufacturer
	b[15] = StringProduct
	b[16] = StringSerial
	b[17] = 1
	return b
}

// Qualifier returns the device qualifier descriptor.
func (d *Descriptors) Qualifier() []byte {
	b := make([]byte, qualifierDescriptorSize)
	b[0] = qualifierDescriptorSize
	b[1] = DescriptorDeviceQualifier
	binary.LittleEndian.PutUint16(b[2:], 0x0200)
	b[6] = maxPacketSize0
	b[7] = 1
	return b
}

// Configuration returns the configuration descriptor: one DFU
// interface with an alternate setting per name, followed by the DFU
// functional descriptor.
func (d *Descriptors) Configuration() []byte {
	b := []byte{configDescriptorSize, DescriptorConfiguration, 0, 0, 1, 1, 0, 0x80, maxPower}
	for alt := range d.Alternates {
		b = append(b, interfaceDescriptorSize, DescriptorInterface, 0, byte(alt), 0,
			dfu.InterfaceClass, dfu.InterfaceSubClass, dfu.InterfaceProtocol, byte(StringInterface+alt))
	}
	b = append(b, dfu.FunctionalDescriptor()...)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(b)))
	return b
}

// String returns the string descriptor at index, or nil.
func (d *Descriptors) String(index uint8) []byte {
	var s string
	switch {
	case index == 0:
		return []byte{4, DescriptorString, byte(LangID & 0xFF), byte(LangID >> 8)}
	case index == StringManufacturer:
		s = Manufacturer
	case index == StringProduct:
		s = d.Product
	case index == StringSerial:
		s = d.Serial
	case int(index)-StringInterface < len(d.Alternates):
		s = d.Alternates[int(index)-StringInterface]
	default:
		return nil
	}
	return stringDescriptor(s)
}

// stringDescriptor encodes s in UTF-16LE, truncated to the 255 byte
// descriptor limit.
func stringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 2+2*len(units))
	b[0] = byte(len(b))
	b[1] = DescriptorString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}
