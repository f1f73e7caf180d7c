// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dfu exposes a programming session as USB DFU 1.1 alternate
// settings and implements the DFU class request state machine.
package dfu

import (
	"errors"
	"fmt"
)

// DFU class requests
const (
	RequestDetach    = 0x00
	RequestDnload    = 0x01
	RequestUpload    = 0x02
	RequestGetStatus = 0x03
	RequestClrStatus = 0x04
	RequestGetState  = 0x05
	RequestAbort     = 0x06
)

// Interface class of a DFU function in DFU mode
const (
	InterfaceClass    = 0xFE
	InterfaceSubClass = 0x01
	InterfaceProtocol = 0x02
)

// DFU functional descriptor
const (
	FunctionalDescriptorType = 0x21
	FunctionalDescriptorSize = 9

	// AttrCanDnload | AttrCanUpload | AttrManifestationTolerant | AttrWillDetach
	Attributes = 0x0F
	// TransferSize is the largest block of a DNLOAD or UPLOAD request.
	TransferSize = 4096
	// Version is bcdDFUVersion.
	Version = 0x0110
	// DetachTimeout is wDetachTimeOut in ms.
	DetachTimeout = 0xFFFF
)

// State is the DFU device state (bState).
type State uint8

// State constants
const (
	StateAppIdle State = iota
	StateAppDetach
	StateIdle
	StateDnloadSync
	StateDnbusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateManifestWaitReset
	StateUploadIdle
	StateError
)

var state2String = map[State]string{
	StateAppIdle:           "appIDLE",
	StateAppDetach:         "appDETACH",
	StateIdle:              "dfuIDLE",
	StateDnloadSync:        "dfuDNLOAD-SYNC",
	StateDnbusy:            "dfuDNBUSY",
	StateDnloadIdle:        "dfuDNLOAD-IDLE",
	StateManifestSync:      "dfuMANIFEST-SYNC",
	StateManifest:          "dfuMANIFEST",
	StateManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateUploadIdle:        "dfuUPLOAD-IDLE",
	StateError:             "dfuERROR",
}

func (s State) String() string {
	if str, ok := state2String[s]; ok {
		return str
	}
	return fmt.Sprintf("0x%X", uint8(s))
}

// Status is the result of the last request (bStatus).
type Status uint8

// Status constants
const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotDone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUSBR        Status = 0x0C
	StatusErrPOR         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)

var (
	// ErrStall is returned for a request the host must see stalled.
	ErrStall = errors.New("dfu: request stalled")
	// ErrNoEntity is returned for an unknown alternate setting.
	ErrNoEntity = errors.New("dfu: no such alternate setting")
)

// FunctionalDescriptor returns the DFU functional descriptor.
func FunctionalDescriptor() []byte {
	return []byte{
		FunctionalDescriptorSize,
		FunctionalDescriptorType,
		Attributes,
		byte(DetachTimeout & 0xFF), byte(DetachTimeout >> 8),
		byte(TransferSize & 0xFF), byte(TransferSize >> 8),
		byte(Version & 0xFF), byte(Version >> 8),
	}
}
