// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openchirp/stm32prog"
)

// MTDPart is one partition of an mtdparts definition.
type MTDPart struct {
	Name   string
	Offset uint64
	Size   uint64
	// Fill is set when the partition takes the rest of the device.
	Fill bool
}

// ParseMTDParts parses the kernel mtdparts syntax:
//
//	[mtdparts=]<mtd-id>:<size>[@<offset>][(<name>)][ro],...[;<mtd-id>:...]
//
// A size of "-" fills the rest of the device. Sizes take an optional
// k, m or g suffix.
func ParseMTDParts(s string) (map[string][]MTDPart, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "mtdparts=")
	res := make(map[string][]MTDPart)
	if s == "" {
		return res, nil
	}
	for _, def := range strings.Split(s, ";") {
		id, list, ok := strings.Cut(def, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("mtdparts: missing device in %q", def)
		}
		var parts []MTDPart
		var next uint64
		for _, field := range strings.Split(list, ",") {
			if len(parts) > 0 && parts[len(parts)-1].Fill {
				return nil, fmt.Errorf("mtdparts: %s: partition after a fill partition", id)
			}
			part, err := parsePartDef(field, next)
			if err != nil {
				return nil, fmt.Errorf("mtdparts: %s: %w", id, err)
			}
			next = part.Offset + part.Size
			parts = append(parts, part)
		}
		res[id] = parts
	}
	return res, nil
}

func parsePartDef(field string, offset uint64) (MTDPart, error) {
	part := MTDPart{Offset: offset}
	rest := field
	if strings.HasPrefix(rest, "-") {
		part.Fill = true
		rest = rest[1:]
	} else {
		i := strings.IndexAny(rest, "@(")
		if i < 0 {
			i = len(rest)
		}
		size, err := parseSize(rest[:i])
		if err != nil {
			return part, err
		}
		part.Size = size
		rest = rest[i:]
	}
	if strings.HasPrefix(rest, "@") {
		i := strings.IndexByte(rest, '(')
		if i < 0 {
			i = len(rest)
		}
		off, err := parseSize(rest[1:i])
		if err != nil {
			return part, err
		}
		part.Offset = off
		rest = rest[i:]
	}
	if strings.HasPrefix(rest, "(") {
		i := strings.IndexByte(rest, ')')
		if i < 0 {
			return part, fmt.Errorf("unterminated name in %q", field)
		}
		part.Name = rest[1:i]
		rest = rest[i+1:]
	}
	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "lk"), "ro")
	if rest != "" {
		return part, fmt.Errorf("invalid partition %q", field)
	}
	return part, nil
}

func parseSize(s string) (uint64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "G"):
		shift = 30
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v << shift, nil
}

// extents resolves parts on a device of the given size.
func extents(parts []MTDPart, size uint64) []stm32prog.Extent {
	res := make([]stm32prog.Extent, 0, len(parts))
	for _, p := range parts {
		e := stm32prog.Extent{Name: p.Name, Addr: p.Offset, Size: p.Size}
		if p.Fill && p.Offset < size {
			e.Size = size - p.Offset
		}
		res = append(res, e)
	}
	return res
}
