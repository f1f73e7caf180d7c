// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gadget exposes a programming session as a USB DFU device
// through a device controller.
package gadget

import (
	"context"
	"errors"
	"fmt"

	"github.com/openchirp/stm32prog"
	"github.com/openchirp/stm32prog/dfu"
)

// Gadget is one enumeration of the download gadget.
type Gadget struct {
	ctrl    Controller
	sess    *stm32prog.Session
	adapter *dfu.Adapter
	fn      *dfu.Function
	desc    Descriptors
	config  uint8
	buf     [dfu.TransferSize]byte
}

// New returns a gadget serving the current alternate settings of sess
// on ctrl.
func New(ctrl Controller, sess *stm32prog.Session, serial string) *Gadget {
	adapter := dfu.NewAdapter(sess)
	return &Gadget{
		ctrl:    ctrl,
		sess:    sess,
		adapter: adapter,
		fn:      dfu.NewFunction(adapter),
		desc: Descriptors{
			Product:    dfu.Product,
			Serial:     serial,
			Alternates: adapter.Names(),
		},
	}
}

// Descriptors returns the descriptors of the enumeration.
func (g *Gadget) Descriptors() *Descriptors { return &g.desc }

// Function returns the DFU function.
func (g *Gadget) Function() *dfu.Function { return g.fn }

// Run serves bus events until the host detaches, a reset is requested
// or ctx is done.
func (g *Gadget) Run(ctx context.Context) error {
	if err := g.ctrl.Start(); err != nil {
		return err
	}
	stm32prog.LogInfo(stm32prog.ComponentUSB, "gadget started", "alternates", len(g.desc.Alternates))
	for ctx.Err() == nil {
		ev, err := g.ctrl.FetchEvent()
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventConnect:
			stm32prog.LogDebug(stm32prog.ComponentUSB, "connected")
		case EventReset, EventDisconnect:
			stm32prog.LogDebug(stm32prog.ComponentUSB, "bus event", "event", ev.Type)
			g.config = 0
			g.fn.Reset()
		case EventControl:
			setup, err := ParseSetupPacket(ev.Data)
			if err != nil {
				return err
			}
			if err := g.control(&setup); err != nil {
				return err
			}
		}
		if g.fn.Detached() || g.sess.Phase() == stm32prog.PhaseDoReset {
			return nil
		}
	}
	return nil
}

// control completes one control transfer on ep0.
func (g *Gadget) control(setup *SetupPacket) error {
	stm32prog.LogDebug(stm32prog.ComponentUSB, "setup", "packet", setup.String())
	if setup.IsDeviceToHost() {
		resp, err := g.HandleSetup(setup, nil)
		if err != nil {
			stm32prog.LogDebug(stm32prog.ComponentUSB, "stall", "err", err)
			return g.ctrl.EP0Stall()
		}
		if len(resp) > int(setup.Length) {
			resp = resp[:setup.Length]
		}
		return g.ctrl.EP0Write(resp)
	}

	if int(setup.Length) > len(g.buf) {
		return g.ctrl.EP0Stall()
	}
	if setup.Length == 0 {
		if _, err := g.HandleSetup(setup, nil); err != nil {
			stm32prog.LogDebug(stm32prog.ComponentUSB, "stall", "err", err)
			return g.ctrl.EP0Stall()
		}
		_, err := g.ctrl.EP0Read(nil)
		return err
	}
	// the data stage is acknowledged with the read
	n, err := g.ctrl.EP0Read(g.buf[:setup.Length])
	if err != nil {
		return err
	}
	if _, err := g.HandleSetup(setup, g.buf[:n]); err != nil {
		stm32prog.LogWarn(stm32prog.ComponentUSB, "request failed after data stage", "err", err)
	}
	return nil
}

// HandleSetup processes a SETUP request and returns the IN data stage.
// An error means the request must be stalled.
func (g *Gadget) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Type() {
	case RequestTypeStandard:
		switch setup.Recipient() {
		case RecipientDevice:
			return g.deviceRequest(setup)
		case RecipientInterface:
			return g.interfaceRequest(setup)
		case RecipientEndpoint:
			return g.endpointRequest(setup)
		}
	case RequestTypeClass:
		if setup.Recipient() == RecipientInterface && setup.Index == 0 {
			resp, err := g.fn.Handle(setup.Request, setup.Value, setup.Length, data)
			if errors.Is(err, dfu.ErrStall) {
				return nil, fmt.Errorf("dfu request 0x%02x: %w", setup.Request, ErrInvalidRequest)
			}
			return resp, err
		}
	}
	return nil, ErrInvalidRequest
}

func (g *Gadget) deviceRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return []byte{0, 0}, nil
	case RequestGetDescriptor:
		return g.descriptor(setup)
	case RequestGetConfiguration:
		return []byte{g.config}, nil
	case RequestSetConfiguration:
		switch setup.Value {
		case 0:
			g.config = 0
		case 1:
			if err := g.ctrl.Configure(); err != nil {
				return nil, err
			}
			g.config = 1
			g.fn.SetAlternate(0)
			stm32prog.LogInfo(stm32prog.ComponentUSB, "configured")
		default:
			return nil, ErrInvalidRequest
		}
		return nil, nil
	case RequestSetAddress, RequestClearFeature, RequestSetFeature:
		// handled by the controller
		return nil, nil
	}
	return nil, ErrInvalidRequest
}

func (g *Gadget) descriptor(setup *SetupPacket) ([]byte, error) {
	var b []byte
	switch setup.DescriptorType() {
	case DescriptorDevice:
		b = g.desc.Device()
	case DescriptorConfiguration:
		if setup.DescriptorIndex() == 0 {
			b = g.desc.Configuration()
		}
	case DescriptorString:
		b = g.desc.String(setup.DescriptorIndex())
	case DescriptorDeviceQualifier:
		b = g.desc.Qualifier()
	}
	if b == nil {
		return nil, ErrInvalidRequest
	}
	return b, nil
}

func (g *Gadget) interfaceRequest(setup *SetupPacket) ([]byte, error) {
	if g.config == 0 || setup.Index != 0 {
		return nil, ErrInvalidRequest
	}
	switch setup.Request {
	case RequestGetStatus:
		return []byte{0, 0}, nil
	case RequestGetInterface:
		return []byte{byte(g.fn.Alternate())}, nil
	case RequestSetInterface:
		if int(setup.Value) >= len(g.desc.Alternates) {
			return nil, ErrInvalidRequest
		}
		g.fn.SetAlternate(int(setup.Value))
		stm32prog.LogDebug(stm32prog.ComponentUSB, "alternate selected", "alt", setup.Value,
			"name", g.desc.Alternates[setup.Value])
		return nil, nil
	}
	return nil, ErrInvalidRequest
}

func (g *Gadget) endpointRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return []byte{0, 0}, nil
	case RequestClearFeature:
		return nil, nil
	}
	return nil, ErrInvalidRequest
}

// Opener opens the controller of a new enumeration.
type Opener func() (Controller, error)

// Serve runs the download gadget until the host asks for a reset. The
// first enumeration only exposes the layout while none is known; once
// the host detaches, the layout is applied and the gadget enumerates
// again with the partitions. It reports whether the target must be
// reset.
func Serve(ctx context.Context, open Opener, sess *stm32prog.Session, serial string) (bool, error) {
	if sess.Phase() == stm32prog.PhaseLayout {
		if err := serveOnce(ctx, open, sess, serial); err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, nil
		}
		if sess.Phase() == stm32prog.PhaseDoReset {
			return true, nil
		}
		if sess.Phase() == stm32prog.PhaseLayout {
			sess.Continue()
		}
	}
	if err := serveOnce(ctx, open, sess, serial); err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return sess.Failed() || sess.Phase() == stm32prog.PhaseDoReset, nil
}

func serveOnce(ctx context.Context, open Opener, sess *stm32prog.Session, serial string) error {
	ctrl, err := open()
	if err != nil {
		return err
	}
	defer ctrl.Close()
	return New(ctrl, sess, serial).Run(ctx)
}
