// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfu

import (
	"errors"
	"io"

	"github.com/openchirp/stm32prog"
)

// Backend serves the data of the alternate settings of a function.
type Backend interface {
	// Initiated is called on the first block of a transfer and returns
	// the offset the transfer starts at.
	Initiated(alt int) int64
	Read(alt int, off int64, p []byte) (int, error)
	Write(alt int, off int64, p []byte) error
	// Flush ends a download.
	Flush(alt int) error
}

// Function is the DFU class state machine of one interface. Requests
// are handled synchronously: a DNLOAD block is written before the
// request completes and GETSTATUS never asks the host to poll.
type Function struct {
	backend Backend
	alt     int

	state  State
	status Status

	// current transfer
	started bool
	block   uint16
	offset  int64

	detached bool
	buf      [TransferSize]byte
}

// NewFunction returns a function in the dfuIDLE state.
func NewFunction(b Backend) *Function {
	return &Function{backend: b, state: StateIdle}
}

// State returns the DFU state.
func (f *Function) State() State { return f.state }

// Status returns the status of the last request.
func (f *Function) Status() Status { return f.status }

// Alternate returns the selected alternate setting.
func (f *Function) Alternate() int { return f.alt }

// Detached reports whether the host requested a detach.
func (f *Function) Detached() bool { return f.detached }

// SetAlternate selects an alternate setting and aborts any transfer.
func (f *Function) SetAlternate(alt int) {
	f.alt = alt
	f.Reset()
}

// Reset returns to dfuIDLE, as on a bus reset.
func (f *Function) Reset() {
	f.endTransfer()
	f.state = StateIdle
	f.status = StatusOK
}

func (f *Function) endTransfer() {
	f.started = false
	f.block = 0
	f.offset = 0
}

func (f *Function) fail(status Status) {
	f.endTransfer()
	f.state = StateError
	f.status = status
}

// stall moves to dfuERROR, as required for an unexpected request.
func (f *Function) stall() error {
	f.fail(StatusErrStalledPkt)
	return ErrStall
}

// Handle processes a DFU class request. data holds the OUT data stage;
// the returned slice is the IN data stage and is valid until the next
// call.
func (f *Function) Handle(request uint8, value, length uint16, data []byte) ([]byte, error) {
	stm32prog.LogDebug(stm32prog.ComponentDFU, "request", "request", request, "value", value,
		"length", length, "state", f.state)
	switch request {
	case RequestGetStatus:
		return f.getStatus(), nil
	case RequestGetState:
		return []byte{byte(f.state)}, nil
	case RequestClrStatus:
		if f.state != StateError {
			return nil, f.stall()
		}
		f.state = StateIdle
		f.status = StatusOK
		return nil, nil
	case RequestAbort:
		switch f.state {
		case StateIdle, StateDnloadSync, StateDnloadIdle, StateManifestSync, StateUploadIdle:
			f.endTransfer()
			f.state = StateIdle
			return nil, nil
		}
		return nil, f.stall()
	case RequestDetach:
		if f.state != StateIdle {
			return nil, f.stall()
		}
		stm32prog.LogInfo(stm32prog.ComponentDFU, "detach requested")
		f.detached = true
		return nil, nil
	case RequestDnload:
		return nil, f.dnload(value, data)
	case RequestUpload:
		return f.upload(value, length)
	}
	return nil, f.stall()
}

// start begins a transfer at the offset given by the backend.
func (f *Function) start(block uint16) bool {
	if !f.started {
		f.started = true
		f.block = 0
		f.offset = f.backend.Initiated(f.alt)
	}
	if block != f.block {
		stm32prog.LogWarn(stm32prog.ComponentDFU, "wrong sequence number", "block", block, "expected", f.block)
		return false
	}
	f.block++
	return true
}

func (f *Function) dnload(block uint16, data []byte) error {
	switch f.state {
	case StateIdle:
		if len(data) == 0 {
			return f.stall()
		}
	case StateDnloadIdle:
		if len(data) == 0 {
			f.state = StateManifestSync
			return nil
		}
	default:
		return f.stall()
	}
	if !f.start(block) {
		f.fail(StatusErrWrite)
		return nil
	}
	if err := f.backend.Write(f.alt, f.offset, data); err != nil {
		stm32prog.LogError(stm32prog.ComponentDFU, "write failed", "alt", f.alt, "offset", f.offset, "err", err)
		f.fail(StatusErrWrite)
		return nil
	}
	f.offset += int64(len(data))
	f.state = StateDnloadSync
	return nil
}

func (f *Function) upload(block, length uint16) ([]byte, error) {
	switch f.state {
	case StateIdle, StateUploadIdle:
	default:
		return nil, f.stall()
	}
	if !f.start(block) {
		f.fail(StatusErrFile)
		return nil, ErrStall
	}
	n := int(length)
	if n > len(f.buf) {
		n = len(f.buf)
	}
	read, err := f.backend.Read(f.alt, f.offset, f.buf[:n])
	if err != nil && !errors.Is(err, io.EOF) {
		stm32prog.LogError(stm32prog.ComponentDFU, "read failed", "alt", f.alt, "offset", f.offset, "err", err)
		f.fail(StatusErrFile)
		return nil, ErrStall
	}
	f.offset += int64(read)
	if read < int(length) {
		// short packet ends the upload
		f.endTransfer()
		f.state = StateIdle
	} else {
		f.state = StateUploadIdle
	}
	return f.buf[:read], nil
}

func (f *Function) getStatus() []byte {
	state := f.state
	switch f.state {
	case StateDnloadSync, StateDnbusy:
		f.state = StateDnloadIdle
		state = f.state
	case StateManifestSync:
		if err := f.backend.Flush(f.alt); err != nil {
			stm32prog.LogError(stm32prog.ComponentDFU, "flush failed", "alt", f.alt, "err", err)
			f.fail(StatusErrNotDone)
		} else {
			f.state = StateManifest
		}
		state = f.state
	case StateManifest:
		// manifestation tolerant
		f.endTransfer()
		f.state = StateIdle
	}
	return []byte{byte(f.status), 0, 0, 0, byte(state), 0}
}
