// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by a session wraps one of them.
var (
	// ErrParse indicates a malformed layout row, header or checksum.
	ErrParse = errors.New("Malformed flash layout")

	// ErrReconcile indicates a layout that does not fit the devices.
	ErrReconcile = errors.New("Flash layout does not match the devices")

	// ErrFraming indicates a checksum or sequence mismatch on the link.
	ErrFraming = errors.New("The received frame was malformed")

	// ErrIntegrity indicates a length or checksum mismatch of an image.
	ErrIntegrity = errors.New("The received image is corrupted")

	// ErrDevice indicates a missing medium or a failed erase, read or write.
	ErrDevice = errors.New("Unexpected error from storage device")

	// ErrUnsupported indicates a feature the target does not provide.
	ErrUnsupported = errors.New("Operation not supported by the target")

	// ErrNotExecuted indicates that a jump to an application returned.
	ErrNotExecuted = errors.New("Application terminated")

	// ErrWouldBlock is returned by a byte channel with no pending byte.
	ErrWouldBlock = errors.New("No data available")

	// ErrTimeout indicates that the host stopped sending in a packet.
	ErrTimeout = errors.New("Timed out waiting for host")

	// ErrNoLayout indicates that no flash layout was supplied.
	ErrNoLayout = errors.New("No flash layout")
)

// Error is a session error. Msg is the text reported to the host.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Errorf formats a message of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapf formats a message of the given kind around an underlying cause.
func wrapf(kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// HeaderError is returned when a buffer does not start with a valid
// STM32 image header. Code matches the bootloader convention.
type HeaderError struct {
	Code int
}

// Header check codes
const (
	HeaderNoData   = -1
	HeaderMagic    = -2
	HeaderVersion  = -3
	HeaderReserved = -4
	HeaderPadding  = -5
)

var headerCode2String = map[int]string{
	HeaderNoData:   "no header data",
	HeaderMagic:    "invalid magic number",
	HeaderVersion:  "invalid header version",
	HeaderReserved: "invalid reserved field",
	HeaderPadding:  "invalid padding field",
}

func (e *HeaderError) Error() string {
	if str, ok := headerCode2String[e.Code]; ok {
		return str
	}
	return fmt.Sprintf("invalid header (error %d)", e.Code)
}

func (e *HeaderError) Unwrap() error {
	return ErrParse
}
