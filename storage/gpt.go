// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"strings"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"

	"github.com/openchirp/stm32prog"
)

// legacy BIOS bootable attribute
const gptAttrLegacyBoot = 1 << 2

var gptTypes = map[stm32prog.GPTType]gpt.Type{
	stm32prog.GPTData:  gpt.MicrosoftBasicData,
	stm32prog.GPTLinux: gpt.LinuxFilesystem,
}

// readGPT returns the partitions of the table on m in table order.
func readGPT(m *File, blockSize int) ([]stm32prog.Extent, error) {
	table, err := gpt.Read(m, blockSize, blockSize)
	if err != nil {
		return nil, err
	}
	var res []stm32prog.Extent
	for _, p := range table.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		res = append(res, stm32prog.Extent{
			Name: strings.TrimRight(p.Name, "\x00"),
			Addr: p.Start * uint64(blockSize),
			Size: (p.End - p.Start + 1) * uint64(blockSize),
		})
	}
	return res, nil
}

// newGPT builds a table holding entries. Partitions without UUID get a
// random one.
func newGPT(entries []stm32prog.GPTEntry, blockSize int) (*gpt.Table, error) {
	table := &gpt.Table{
		LogicalSectorSize:  blockSize,
		PhysicalSectorSize: blockSize,
		ProtectiveMBR:      true,
		GUID:               strings.ToUpper(uuid.NewString()),
	}
	bs := uint64(blockSize)
	for _, e := range entries {
		if e.Start%bs != 0 || e.Size%bs != 0 || e.Size == 0 {
			return nil, fmt.Errorf("%s: 0x%x bytes at 0x%x not aligned on 0x%x", e.Name, e.Size, e.Start, bs)
		}
		guid := uuid.New()
		if e.UUID != "" {
			var err error
			if guid, err = uuid.Parse(e.UUID); err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
		}
		p := &gpt.Partition{
			Start: e.Start / bs,
			End:   (e.Start+e.Size)/bs - 1,
			Size:  e.Size,
			Type:  gptTypes[e.Type],
			Name:  e.Name,
			GUID:  strings.ToUpper(guid.String()),
		}
		if e.Bootable {
			p.Attributes |= gptAttrLegacyBoot
		}
		table.Partitions = append(table.Partitions, p)
	}
	return table, nil
}

// writeGPT replaces the table of m.
func writeGPT(m *File, entries []stm32prog.GPTEntry, blockSize int) error {
	table, err := newGPT(entries, blockSize)
	if err != nil {
		return err
	}
	return table.Write(m, m.Size())
}
