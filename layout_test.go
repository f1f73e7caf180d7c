// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const sampleLayout = "#Opt\tId\tName\tType\tIP\tOffset\tBinary\n" +
	"-\t0x01\tfsbl1-boot\tBinary\tnone\t0x0\ttf-a.stm32\n" +
	"P\t0x04\tfsbl1\tBinary\tmmc1\tboot1\ttf-a.stm32\n" +
	"PD\t0x10\tssbl\tBinary\tmmc1\t0x00080000\tu-boot.stm32\n" +
	"\n" +
	"P\t0x21\tbootfs\tSystem\tmmc1\t0x00280000\tbootfs.ext4\r\n" +
	"PE\t0x22\trootfs\tFileSystem\tmmc1\t0x04280000\trootfs.ext4\n" +
	"P\t0x30\tnand\tRawImage\tnand0\t0\tnand.img\n"

func TestParseLayout(t *testing.T) {
	parts, err := ParseLayout([]byte(sampleLayout))
	if err != nil {
		t.Fatalf("ParseLayout() error = %v", err)
	}

	want := []struct {
		option Option
		id     Phase
		name   string
		typ    PartitionType
		dev    DeviceType
		index  int
		addr   uint64
		hwpart int
	}{
		{0, 0x01, "fsbl1-boot", PartBinary, DeviceNone, 0, 0, 0},
		{OptionSelect, 0x04, "fsbl1", PartBinary, DeviceMMC, 1, 0, 1},
		{OptionSelect | OptionDelete, 0x10, "ssbl", PartBinary, DeviceMMC, 1, 0x80000, 0},
		{OptionSelect, 0x21, "bootfs", PartSystem, DeviceMMC, 1, 0x280000, 0},
		{OptionSelect | OptionEmpty, 0x22, "rootfs", PartFileSystem, DeviceMMC, 1, 0x4280000, 0},
		{OptionSelect, 0x30, "nand", PartRawImage, DeviceNAND, 0, 0, 0},
	}
	if len(parts) != len(want) {
		t.Fatalf("ParseLayout() returned %d partitions, want %d", len(parts), len(want))
	}
	for i, w := range want {
		p := parts[i]
		if p.Option != w.option || p.ID != w.id || p.Name != w.name || p.Type != w.typ ||
			p.DevType != w.dev || p.DevIndex != w.index || p.Addr != w.addr || p.HWPart() != w.hwpart {
			t.Errorf("partition %d = %v, want %+v", i, p, w)
		}
		if p.AltID != -1 {
			t.Errorf("partition %d AltID = %d, want -1", i, p.AltID)
		}
		if p.Line != i {
			t.Errorf("partition %d Line = %d, want %d", i, p.Line, i)
		}
	}
}

func TestParseLayoutRowCount(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"single row", "P\t0x10\tfsbl\tBinary\tnand0\t0x0\n", 1},
		{"no trailing newline", "P\t0x10\tfsbl\tBinary\tnand0\t0x0", 1},
		{"comments and blanks", "# header\n\nP\t0x10\ta\tBinary\tnand0\t0x0\n#x\n\nP\t0x11\tb\tBinary\tnand0\t0x20000\n", 2},
		{"multiple tabs", "P\t\t0x10\t\ta\tBinary\tnand0\t\t0x0\n", 1},
		{"trailing tab", "P\t0x10\ta\tBinary\tnand0\t0x0\t\nP\t0x11\tb\tBinary\tnand0\t0x20000\n", 2},
		{"extra columns", "P\t0x10\ta\tBinary\tnand0\t0x0\tfile.bin\textra\n", 1},
		{"crlf", "P\t0x10\ta\tBinary\tnand0\t0x0\r\nP\t0x11\tb\tBinary\tnand0\t0x20000\r\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := ParseLayout([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseLayout() error = %v", err)
			}
			if len(parts) != tt.want {
				t.Errorf("ParseLayout() returned %d partitions, want %d", len(parts), tt.want)
			}
			for _, p := range parts {
				if p.ID > PhaseLastUser {
					t.Errorf("phase 0x%x above last user phase", uint16(p.ID))
				}
			}
		})
	}
}

func TestParseLayoutErrors(t *testing.T) {
	row := func(cols ...string) string { return strings.Join(cols, "\t") + "\n" }
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"only comments", "# nothing\n", "Layout: no partition found"},
		{"not enough columns", row("P", "0x10", "fsbl", "Binary", "nand0"), "Layout: no enought column for line 0"},
		{"bad option letter", row("PX", "0x10", "fsbl", "Binary", "nand0", "0x0"), "Layout: invalid option 'X' in PX"},
		{"missing select", row("E", "0x10", "fsbl", "Binary", "nand0", "0x0"), "Layout: missing 'P' in option E"},
		{"phase too high", row("P", "0xF1", "fsbl", "Binary", "nand0", "0x0"), "Layout: invalid phase value = 0xF1"},
		{"phase not a number", row("P", "ten", "fsbl", "Binary", "nand0", "0x0"), "Layout: invalid phase value = ten"},
		{"name too long", row("P", "0x10", "abcdefghijklmnopq", "Binary", "nand0", "0x0"), "Layout: partition name too long [17]  : abcdefghijklmnopq"},
		{"unknown type", row("P", "0x10", "fsbl", "Blob", "nand0", "0x0"), "Layout: type parsing error : 'Blob'"},
		{"bad binary count", row("P", "0x10", "fsbl", "Binary(x)", "nand0", "0x0"), "Layout: type parsing error : 'Binary(x)'"},
		{"unclosed binary count", row("P", "0x10", "fsbl", "Binary(2", "nand0", "0x0"), "Layout: type parsing error : 'Binary(2'"},
		{"two digit device", row("P", "0x10", "fsbl", "Binary", "nand10", "0x0"), "Layout: ip parsing error : 'nand10'"},
		{"missing device digit", row("P", "0x10", "fsbl", "Binary", "mmc", "0x0"), "Layout: ip parsing error : 'mmc'"},
		{"unknown device", row("P", "0x10", "fsbl", "Binary", "usb0", "0x0"), "Layout: ip parsing error : 'usb0'"},
		{"bad boot partition", row("P", "0x10", "fsbl", "Binary", "mmc0", "boot3"), "Layout: invalid part 'boot3'"},
		{"trailing garbage", row("P", "0x10", "fsbl", "Binary", "nand0", "0x100k"), "Layout: invalid offset '0x100k'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tt.input))
			if err == nil {
				t.Fatal("ParseLayout() succeeded, want error")
			}
			if tt.want == "" {
				if !errors.Is(err, ErrNoLayout) {
					t.Errorf("ParseLayout() error = %v, want ErrNoLayout", err)
				}
				return
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("ParseLayout() error kind = %v, want ErrParse", err)
			}
			if err.Error() != tt.want {
				t.Errorf("ParseLayout() error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParseLayoutBinaryCount(t *testing.T) {
	parts, err := ParseLayout([]byte("P\t0x01\tfsbl1\tBinary(2)\tnand0\t0x0\n"))
	if err != nil {
		t.Fatalf("ParseLayout() error = %v", err)
	}
	if parts[0].Copies != 2 {
		t.Errorf("Copies = %d, want 2", parts[0].Copies)
	}
}

func TestParseLayoutTooManyLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < int(PhaseLastUser)+1; i++ {
		fmt.Fprintf(&b, "P\t0x%x\tp%d\tBinary\tnand0\t0x%x\n", i%0xF0+1, i, i*0x20000)
	}
	_, err := ParseLayout([]byte(b.String()))
	if err == nil || err.Error() != "Layout: too many line" {
		t.Errorf("ParseLayout() error = %v, want too many line", err)
	}
}

func TestParseLayoutWithHeader(t *testing.T) {
	text := []byte("P\t0x10\tfsbl\tBinary\tnand0\t0x0\nP\t0x20\tssbl\tBinary\tnand0\t0x40000\n")

	t.Run("valid", func(t *testing.T) {
		parts, err := ParseLayout(withHeader(text))
		if err != nil {
			t.Fatalf("ParseLayout() error = %v", err)
		}
		if len(parts) != 2 {
			t.Errorf("ParseLayout() returned %d partitions, want 2", len(parts))
		}
	})

	t.Run("trailing data ignored", func(t *testing.T) {
		buf := append(withHeader(text), []byte("garbage\t\t\n")...)
		if _, err := ParseLayout(buf); err != nil {
			t.Errorf("ParseLayout() error = %v", err)
		}
	})

	t.Run("bad checksum", func(t *testing.T) {
		buf := withHeader(text)
		buf[HeaderSize] ^= 0x01
		_, err := ParseLayout(buf)
		want := fmt.Sprintf("Layout: invalid checksum : 0x%x expected 0x%x", Checksum(buf[HeaderSize:]), Checksum(text))
		if err == nil || err.Error() != want {
			t.Errorf("ParseLayout() error = %v, want %q", err, want)
		}
	})

	t.Run("empty field", func(t *testing.T) {
		_, err := ParseLayout(withHeader([]byte("P\t\t0x10\tfsbl\tBinary\tnand0\t0x0\n")))
		if err == nil || err.Error() != "empty field for line 0" {
			t.Errorf("ParseLayout() error = %v, want empty field", err)
		}
	})

	t.Run("blank line allowed", func(t *testing.T) {
		if _, err := ParseLayout(withHeader([]byte("\nP\t0x10\tfsbl\tBinary\tnand0\t0x0\n\n"))); err != nil {
			t.Errorf("ParseLayout() error = %v", err)
		}
	})
}

func TestParseHeader(t *testing.T) {
	valid := NewHeader([]byte("payload")).Bytes()
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		code   int
	}{
		{"short", func(b []byte) []byte { return b[:HeaderSize-1] }, HeaderNoData},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, HeaderMagic},
		{"version", func(b []byte) []byte { b[72] = 1; return b }, HeaderVersion},
		{"reserved1", func(b []byte) []byte { b[84] = 1; return b }, HeaderReserved},
		{"reserved2", func(b []byte) []byte { b[92] = 1; return b }, HeaderReserved},
		{"padding", func(b []byte) []byte { b[200] = 1; return b }, HeaderPadding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.mutate(append([]byte(nil), valid...))
			_, err := ParseHeader(buf)
			var herr *HeaderError
			if !errors.As(err, &herr) {
				t.Fatalf("ParseHeader() error = %v, want *HeaderError", err)
			}
			if herr.Code != tt.code {
				t.Errorf("ParseHeader() code = %d, want %d", herr.Code, tt.code)
			}
		})
	}

	h, err := ParseHeader(valid)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.ImageLength != 7 || h.ImageChecksum != Checksum([]byte("payload")) {
		t.Errorf("ParseHeader() = length %d checksum 0x%x", h.ImageLength, h.ImageChecksum)
	}
	if len(valid) != HeaderSize {
		t.Errorf("len(Bytes()) = %d, want %d", len(valid), HeaderSize)
	}
}
