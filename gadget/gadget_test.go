// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gadget

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/openchirp/stm32prog"
	"github.com/openchirp/stm32prog/dfu"
)

func TestParseSetupPacket(t *testing.T) {
	setup, err := ParseSetupPacket([]byte{0xA1, 0x03, 0x00, 0x00, 0x00, 0x00, 0x06, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if !setup.IsDeviceToHost() || setup.Type() != RequestTypeClass || setup.Recipient() != RecipientInterface {
		t.Errorf("setup = %v", setup.String())
	}
	if setup.Request != dfu.RequestGetStatus || setup.Length != 6 {
		t.Errorf("request = 0x%x length = %d", setup.Request, setup.Length)
	}
	if _, err := ParseSetupPacket([]byte{0x80}); !errors.Is(err, ErrShortSetup) {
		t.Errorf("short packet error = %v, want %v", err, ErrShortSetup)
	}
}

func TestDescriptors(t *testing.T) {
	d := &Descriptors{
		Product:    dfu.Product,
		Serial:     "002700353338",
		Alternates: []string{"@FlashLayout/0x00/1*256Ke", "@virtual/0xf1/1*512Be"},
	}

	dev := d.Device()
	if len(dev) != 18 || dev[0] != 18 || dev[1] != DescriptorDevice {
		t.Fatalf("device descriptor = % X", dev)
	}
	if vid, pid := binary.LittleEndian.Uint16(dev[8:]), binary.LittleEndian.Uint16(dev[10:]); vid != 0x0483 || pid != 0xDF11 {
		t.Errorf("id = %04x:%04x, want 0483:df11", vid, pid)
	}
	if bcd := binary.LittleEndian.Uint16(dev[12:]); bcd != 0x0200 {
		t.Errorf("bcdDevice = 0x%04x, want 0x0200", bcd)
	}

	cfg := d.Configuration()
	if total := binary.LittleEndian.Uint16(cfg[2:]); int(total) != len(cfg) || len(cfg) != 9+2*9+9 {
		t.Fatalf("configuration length = %d, total = %d", len(cfg), total)
	}
	alt1 := cfg[18:27]
	want := []byte{9, DescriptorInterface, 0, 1, 0, 0xFE, 0x01, 0x02, 5}
	if !bytes.Equal(alt1, want) {
		t.Errorf("alternate 1 = % X, want % X", alt1, want)
	}
	if !bytes.Equal(cfg[27:], dfu.FunctionalDescriptor()) {
		t.Errorf("functional descriptor = % X", cfg[27:])
	}

	if s := d.String(0); !bytes.Equal(s, []byte{4, 3, 0x09, 0x04}) {
		t.Errorf("languages = % X", s)
	}
	if s := d.String(StringInterface + 1); !bytes.Equal(s, stringDescriptor("@virtual/0xf1/1*512Be")) {
		t.Errorf("interface string = % X", s)
	}
	if s := d.String(StringInterface + 2); s != nil {
		t.Errorf("string past the alternates = % X", s)
	}
	s := stringDescriptor("OTP")
	if want := []byte{8, 3, 'O', 0, 'T', 0, 'P', 0}; !bytes.Equal(s, want) {
		t.Errorf("stringDescriptor(OTP) = % X, want % X", s, want)
	}
}

func runGadget(t *testing.T, g *Gadget) {
	t.Helper()
	if err := g.Run(context.Background()); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestGadgetStandardRequests(t *testing.T) {
	sess := stm32prog.NewSession()
	ctrl := new(fakeController)
	g := New(ctrl, sess, "0001")

	ctrl.request(0x01, RequestSetInterface, 1, 0, 0)
	ctrl.enumerate()
	ctrl.request(0x80, RequestGetDescriptor, DescriptorConfiguration<<8, 0, 9)
	ctrl.request(0x80, RequestGetDescriptor, DescriptorString<<8|StringProduct, 0x0409, 255)
	ctrl.request(0x80, RequestGetDescriptor, DescriptorString<<8|0x40, 0x0409, 255)
	ctrl.setInterface(1)
	ctrl.request(0x81, RequestGetInterface, 0, 0, 1)
	ctrl.request(0x01, RequestSetInterface, 9, 0, 0)
	ctrl.request(0x80, RequestGetConfiguration, 0, 0, 1)
	runGadget(t, g)

	if !ctrl.started || !ctrl.configured {
		t.Errorf("started %v configured %v", ctrl.started, ctrl.configured)
	}
	// set interface before configuration, unknown string, unknown alt
	if ctrl.stalls != 3 {
		t.Errorf("stalls = %d, want 3", ctrl.stalls)
	}
	if ctrl.acks != 2 {
		t.Errorf("acks = %d, want 2", ctrl.acks)
	}
	want := [][]byte{
		g.Descriptors().Device(),
		g.Descriptors().Configuration()[:9],
		stringDescriptor(dfu.Product),
		{1},
		{1},
	}
	if len(ctrl.writes) != len(want) {
		t.Fatalf("writes = % X", ctrl.writes)
	}
	for i := range want {
		if !bytes.Equal(ctrl.writes[i], want[i]) {
			t.Errorf("write %d = % X, want % X", i, ctrl.writes[i], want[i])
		}
	}
	if g.Function().Alternate() != 1 {
		t.Errorf("alternate = %d, want 1", g.Function().Alternate())
	}
}

func TestGadgetClassStall(t *testing.T) {
	ctrl := new(fakeController)
	g := New(ctrl, stm32prog.NewSession(), "0001")
	ctrl.enumerate()
	ctrl.request(0x21, dfu.RequestClrStatus, 0, 0, 0)
	ctrl.request(0xA1, dfu.RequestGetState, 0, 0, 1)
	runGadget(t, g)

	if ctrl.stalls != 1 {
		t.Errorf("stalls = %d, want 1", ctrl.stalls)
	}
	last := ctrl.writes[len(ctrl.writes)-1]
	if !bytes.Equal(last, []byte{byte(dfu.StateError)}) {
		t.Errorf("GETSTATE = % X, want %v", last, dfu.StateError)
	}
}

// opener returns the controllers in order.
func opener(ctrls ...*fakeController) Opener {
	return func() (Controller, error) {
		if len(ctrls) == 0 {
			return nil, errors.New("no controller left")
		}
		c := ctrls[0]
		ctrls = ctrls[1:]
		return c, nil
	}
}

func TestServe(t *testing.T) {
	board := newNandBoard()
	sess := stm32prog.NewSession(stm32prog.WithTarget(board))

	first := new(fakeController)
	first.enumerate()
	first.download(0, []byte(nandLayout))
	first.detach()

	second := new(fakeController)
	second.enumerate()
	ssbl, rootfs := pattern(6000), pattern(300)
	second.download(0, ssbl)
	second.download(1, rootfs)
	second.setInterface(2)
	second.request(0xA1, dfu.RequestUpload, 0, 0, 64)
	second.detach()

	reset, err := Serve(context.Background(), opener(first, second), sess, "0001")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if reset {
		t.Errorf("Serve() requested a reset: %s", sess.ErrorText())
	}
	if !first.closed || !second.closed {
		t.Error("controllers not closed")
	}
	if sess.Phase() != stm32prog.PhaseEnd {
		t.Errorf("phase = %v, want %v", sess.Phase(), stm32prog.PhaseEnd)
	}
	if !bytes.Equal(board.nand.data[:len(ssbl)], ssbl) {
		t.Error("ssbl differs from the downloaded image")
	}
	if !bytes.Equal(board.nand.data[0x40000:0x40000+len(rootfs)], rootfs) {
		t.Error("rootfs differs from the downloaded image")
	}
	last := second.writes[len(second.writes)-1]
	if want := []byte{0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}; !bytes.Equal(last, want) {
		t.Errorf("phase read = % X, want % X", last, want)
	}
}

func TestServeReset(t *testing.T) {
	sess := stm32prog.NewSession()
	sess.Fail(stm32prog.Errorf(stm32prog.ErrParse, "%s", "Layout: invalid FlashLayout"))

	ctrl := new(fakeController)
	ctrl.enumerate()
	ctrl.setInterface(1)
	ctrl.request(0xA1, dfu.RequestUpload, 0, 0, 64)
	// never reached
	ctrl.request(0x80, RequestGetStatus, 0, 0, 2)

	reset, err := Serve(context.Background(), opener(ctrl), sess, "0001")
	if err != nil || !reset {
		t.Fatalf("Serve() = %v, %v, want true, nil", reset, err)
	}
	if len(ctrl.events) != 1 {
		t.Errorf("pending events = %d, want 1", len(ctrl.events))
	}
	last := ctrl.writes[len(ctrl.writes)-1]
	want := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}, "Layout: invalid FlashLayout"...)
	if !bytes.Equal(last, want) {
		t.Errorf("phase read = %q, want %q", last, want)
	}
}
