// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"bytes"
	"strconv"
	"strings"
)

// Layout columns
const (
	colOption = iota
	colID
	colName
	colType
	colIP
	colOffset
	colCount
)

// ParseLayout parses a tab separated flash layout. The text may be
// prefixed by an STM32 header, in which case its payload checksum is
// verified and empty fields become errors.
//
// Only single row validation happens here. Cross-row rules are applied
// by Reconcile.
func ParseLayout(buf []byte) ([]*Partition, error) {
	image := false
	if h, err := ParseHeader(buf); err == nil {
		payload := buf[HeaderSize:]
		if uint64(h.ImageLength) > uint64(len(payload)) {
			return nil, Errorf(ErrParse, "Layout: truncated image (length=0x%x expected=0x%x)",
				len(payload), h.ImageLength)
		}
		payload = payload[:h.ImageLength]
		if sum := Checksum(payload); sum != h.ImageChecksum {
			return nil, Errorf(ErrParse, "Layout: invalid checksum : 0x%x expected 0x%x",
				sum, h.ImageChecksum)
		}
		buf = payload
		image = true
	}
	// the layout is a C string
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) == 0 {
		return nil, ErrNoLayout
	}

	if estimateRows(buf) > int(PhaseLastUser) {
		return nil, Errorf(ErrParse, "Layout: too many line")
	}

	var parts []*Partition
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.ReplaceAll(line, "\r", "")
		if strings.HasPrefix(line, "#") {
			continue
		}
		part := &Partition{AltID: -1, Line: len(parts)}
		column := 0
		for _, field := range strings.Split(line, "\t") {
			if field == "" {
				// tsv files may use several tabs between columns
				if !image || (column == 0 && line == "") {
					continue
				}
				return nil, Errorf(ErrParse, "empty field for line %d", len(parts))
			}
			if column < colCount {
				if err := parseColumn(column, field, part); err != nil {
					return nil, err
				}
			}
			column++
		}
		if column == 0 {
			continue
		}
		if column < colCount {
			return nil, Errorf(ErrParse, "Layout: no enought column for line %d", len(parts))
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, Errorf(ErrParse, "Layout: no partition found")
	}
	LogDebug(ComponentLayout, "layout parsed", "partitions", len(parts), "stm32image", image)
	return parts, nil
}

// estimateRows counts the lines of buf, ignoring comment lines
// other than the first one.
func estimateRows(buf []byte) int {
	rows := 1
	for i, c := range buf {
		if c != '\n' {
			continue
		}
		rows++
		if i+1 < len(buf) && buf[i+1] == '#' {
			rows--
		}
	}
	return rows
}

func parseColumn(column int, field string, part *Partition) error {
	switch column {
	case colOption:
		return parseOption(field, part)
	case colID:
		return parseID(field, part)
	case colName:
		return parseName(field, part)
	case colType:
		return parseType(field, part)
	case colIP:
		return parseIP(field, part)
	case colOffset:
		return parseOffset(field, part)
	}
	return nil
}

func parseOption(field string, part *Partition) error {
	part.Option = 0
	if field == "-" {
		return nil
	}
	for _, c := range field {
		switch c {
		case 'P':
			part.Option |= OptionSelect
		case 'E':
			part.Option |= OptionEmpty
		case 'D':
			part.Option |= OptionDelete
		default:
			return Errorf(ErrParse, "Layout: invalid option '%c' in %s", c, field)
		}
	}
	if !part.Selected() {
		return Errorf(ErrParse, "Layout: missing 'P' in option %s", field)
	}
	return nil
}

func parseID(field string, part *Partition) error {
	value, err := strconv.ParseUint(field, 0, 32)
	if err != nil || value > uint64(PhaseLastUser) {
		return Errorf(ErrParse, "Layout: invalid phase value = %s", field)
	}
	part.ID = Phase(value)
	return nil
}

func parseName(field string, part *Partition) error {
	if len(field) > nameMaxLen {
		return Errorf(ErrParse, "Layout: partition name too long [%d]  : %s", len(field), field)
	}
	part.Name = field
	return nil
}

func parseType(field string, part *Partition) error {
	part.Copies = 0
	switch {
	case strings.HasPrefix(field, "Binary"):
		part.Type = PartBinary
		part.Copies = 1
		if len(field) == len("Binary") {
			return nil
		}
		// Binary(N)
		if len(field) < 8 || field[6] != '(' || field[len(field)-1] != ')' {
			break
		}
		n, err := strconv.Atoi(field[7 : len(field)-1])
		if err != nil || n < 1 {
			break
		}
		part.Copies = n
		return nil
	case field == "System":
		part.Type = PartSystem
		return nil
	case field == "FileSystem":
		part.Type = PartFileSystem
		return nil
	case field == "RawImage":
		part.Type = PartRawImage
		return nil
	}
	return Errorf(ErrParse, "Layout: type parsing error : '%s'", field)
}

func parseIP(field string, part *Partition) error {
	part.DevIndex = 0
	if field == "none" {
		part.DevType = DeviceNone
		return nil
	}
	for _, t := range []DeviceType{DeviceMMC, DeviceNOR, DeviceNAND} {
		prefix := t.String()
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		// only one digit allowed for the device instance
		if len(field) != len(prefix)+1 || field[len(prefix)] < '0' || field[len(prefix)] > '9' {
			break
		}
		part.DevType = t
		part.DevIndex = int(field[len(prefix)] - '0')
		return nil
	}
	return Errorf(ErrParse, "Layout: ip parsing error : '%s'", field)
}

func parseOffset(field string, part *Partition) error {
	part.Index = 0
	part.Addr = 0
	part.Size = 0
	// eMMC boot partitions
	switch field {
	case "boot1":
		part.Index = -1
		return nil
	case "boot2":
		part.Index = -2
		return nil
	}
	if strings.HasPrefix(field, "boot") {
		return Errorf(ErrParse, "Layout: invalid part '%s'", field)
	}
	addr, err := strconv.ParseUint(field, 0, 64)
	if err != nil {
		return Errorf(ErrParse, "Layout: invalid offset '%s'", field)
	}
	part.Addr = addr
	return nil
}
