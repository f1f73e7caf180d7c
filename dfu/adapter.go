// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfu

import (
	"fmt"
	"io"

	"github.com/openchirp/stm32prog"
)

// Product is the USB product string of the download gadget.
const Product = "USB download gadget@Device ID /0x500, @Revision ID /0x0000"

// BCDDevice is the device release number of the download gadget.
const BCDDevice = 0x0200

// phaseMinSize is the fixed part of a command alternate read
const phaseMinSize = 9

// EntityKind is the kind of storage behind an alternate setting.
type EntityKind uint8

// EntityKind constants
const (
	EntityLayout EntityKind = iota
	EntityPartition
	EntityVirtual
)

// Entity is one alternate setting of the DFU interface.
type Entity struct {
	Alt   int
	Name  string
	Kind  EntityKind
	Phase stm32prog.Phase
	Size  int64
	Part  *stm32prog.Partition
}

// Adapter serves the alternate settings of a session. It implements
// Backend.
type Adapter struct {
	sess     *stm32prog.Session
	entities []Entity
}

// NewAdapter returns the adapter of sess with the alternate settings
// of its current layout.
func NewAdapter(sess *stm32prog.Session) *Adapter {
	a := &Adapter{sess: sess}
	a.Refresh()
	return a
}

// Refresh rebuilds the alternate settings. A session without layout
// exposes the layout load window; otherwise every partition with an
// alternate id does. The virtual command, OTP and PMIC settings come
// last.
func (a *Adapter) Refresh() {
	a.entities = a.entities[:0]
	if !a.sess.HasLayout() {
		a.add(Entity{Name: "@FlashLayout/0x00/1*256Ke", Kind: EntityLayout, Phase: stm32prog.PhaseLayout,
			Size: stm32prog.RAMSize})
	} else {
		for phase := stm32prog.PhaseLayout + 1; phase <= stm32prog.PhaseLastUser; phase++ {
			part := a.sess.Partition(phase)
			if part == nil || part.AltID < 0 {
				continue
			}
			a.add(Entity{Name: partitionName(part), Kind: EntityPartition, Phase: phase,
				Size: int64(part.Size), Part: part})
		}
	}
	a.add(virtual("virtual", stm32prog.PhaseCmd, stm32prog.CmdSize))
	a.add(virtual("OTP", stm32prog.PhaseOTP, 512))
	if a.sess.HasPMIC() {
		a.add(virtual("PMIC", stm32prog.PhasePMIC, stm32prog.PMICSize))
	}
	for _, e := range a.entities {
		stm32prog.LogDebug(stm32prog.ComponentDFU, "alternate", "alt", e.Alt, "name", e.Name)
	}
}

func (a *Adapter) add(e Entity) {
	e.Alt = len(a.entities)
	a.entities = append(a.entities, e)
}

func virtual(name string, phase stm32prog.Phase, size int) Entity {
	e := Entity{Name: fmt.Sprintf("@%s/0x%02x/1*%dBe", name, uint16(phase), size), Kind: EntityVirtual, Phase: phase}
	// medium sizes differ from the advertised ones
	switch phase {
	case stm32prog.PhaseCmd:
		e.Size = stm32prog.CmdSize
	case stm32prog.PhaseOTP:
		e.Size = stm32prog.OTPSize
	case stm32prog.PhasePMIC:
		e.Size = stm32prog.PMICSize
	}
	return e
}

// partitionName returns the DFU name of part: name, phase, size with a
// unit and 'e' when writable or 'a' when only readable.
func partitionName(part *stm32prog.Partition) string {
	size, unit := part.Size, byte('B')
	switch {
	case part.Size > 1<<20:
		size, unit = part.Size>>20, 'M'
	case part.Size > 1<<10:
		size, unit = part.Size>>10, 'K'
	}
	access := byte('a')
	if part.Active() {
		access = 'e'
	}
	return fmt.Sprintf("@%s/0x%02x/1*%d%c%c", part.Name, uint16(part.ID), uint32(size), unit, access)
}

// Entities returns the alternate settings in alt order.
func (a *Adapter) Entities() []Entity { return a.entities }

// Names returns the interface strings of the alternate settings.
func (a *Adapter) Names() []string {
	names := make([]string, len(a.entities))
	for i, e := range a.entities {
		names[i] = e.Name
	}
	return names
}

func (a *Adapter) entity(alt int) (*Entity, error) {
	if alt < 0 || alt >= len(a.entities) {
		return nil, fmt.Errorf("alt %d: %w", alt, ErrNoEntity)
	}
	return &a.entities[alt], nil
}

// current reports whether e is the partition of the current phase.
func (a *Adapter) current(e *Entity) bool {
	cur := a.sess.Current()
	return e.Kind == EntityPartition && cur != nil && cur == e.Part
}

// Initiated implements Backend. A transfer on the current partition
// starts at the offset selected through the command setting.
func (a *Adapter) Initiated(alt int) int64 {
	e, err := a.entity(alt)
	if err != nil || !a.current(e) {
		return 0
	}
	off := a.sess.Offset()
	_ = a.sess.SetPhase(a.sess.Phase(), 0)
	stm32prog.LogDebug(stm32prog.ComponentDFU, "transfer initiated", "alt", alt, "offset", off)
	return int64(off)
}

// Write implements Backend.
func (a *Adapter) Write(alt int, off int64, p []byte) error {
	e, err := a.entity(alt)
	if err != nil {
		return err
	}
	switch e.Kind {
	case EntityLayout:
		if off == 0 {
			// a new download restarts the layout
			_ = a.sess.Flush()
		}
		return a.sess.Write(p)
	case EntityPartition:
		return a.sess.Download(e.Part, p, off)
	}
	switch e.Phase {
	case stm32prog.PhaseCmd:
		return a.writeCmd(off, p)
	case stm32prog.PhaseOTP:
		_, err = a.sess.WriteOTP(uint32(off), p)
	case stm32prog.PhasePMIC:
		_, err = a.sess.WritePMIC(uint32(off), p)
	}
	return err
}

// writeCmd selects a phase and offset, or jumps to an address when
// the phase is Reset.
func (a *Adapter) writeCmd(off int64, p []byte) error {
	if len(p) < 5 {
		return stm32prog.Errorf(stm32prog.ErrFraming, "size not allowed")
	}
	if off != 0 {
		return stm32prog.Errorf(stm32prog.ErrFraming, "invalid offset")
	}
	phase := stm32prog.Phase(p[0])
	addr := uint32(p[1])<<24 | uint32(p[2])<<16 | uint32(p[3])<<8 | uint32(p[4])
	if phase == stm32prog.PhaseReset {
		err := a.sess.Exec(addr)
		stm32prog.LogInfo(stm32prog.ComponentDFU, "application terminated", "addr", addr, "err", err)
		return nil
	}
	return a.sess.SetPhase(phase, addr)
}

// Read implements Backend.
func (a *Adapter) Read(alt int, off int64, p []byte) (int, error) {
	e, err := a.entity(alt)
	if err != nil {
		return 0, err
	}
	switch e.Kind {
	case EntityLayout:
		if off >= e.Size {
			return 0, io.EOF
		}
		if rem := e.Size - off; int64(len(p)) > rem {
			p = p[:rem]
		}
		a.sess.ReadMemory(a.sess.RAMBase()+uint32(off), p)
		return len(p), nil
	case EntityPartition:
		return a.sess.ReadAt(e.Part, p, off)
	}
	switch e.Phase {
	case stm32prog.PhaseCmd:
		return a.readCmd(off, p)
	case stm32prog.PhaseOTP:
		return a.sess.ReadOTP(uint32(off), p)
	case stm32prog.PhasePMIC:
		return a.sess.ReadPMIC(uint32(off), p)
	}
	return 0, io.EOF
}

// readCmd reports the phase, the load address and the offset. In the
// Reset phases the error text follows and a reset is requested; in the
// Layout phase a byte tells whether a layout is known.
func (a *Adapter) readCmd(off int64, p []byte) (int, error) {
	if len(p) < phaseMinSize {
		return 0, stm32prog.Errorf(stm32prog.ErrFraming, "request exceeds allowed area")
	}
	if off != 0 {
		return 0, io.EOF
	}
	phase := a.sess.Phase()
	dest := a.sess.Destination()
	offset := a.sess.Offset()
	n := copy(p, []byte{
		byte(phase),
		byte(dest), byte(dest >> 8), byte(dest >> 16), byte(dest >> 24),
		byte(offset), byte(offset >> 8), byte(offset >> 16), byte(offset >> 24),
	})
	switch phase {
	case stm32prog.PhaseReset, stm32prog.PhaseDoReset:
		n += copy(p[n:], a.sess.ErrorText())
		a.sess.RequestReset()
	case stm32prog.PhaseLayout:
		if n < len(p) {
			p[n] = 0
			if a.sess.HasLayout() {
				p[n] = 1
			}
			n++
		}
	}
	return n, nil
}

// Flush implements Backend. Ending a download on the layout setting
// parses the layout; on the current partition it ends the phase.
func (a *Adapter) Flush(alt int) error {
	e, err := a.entity(alt)
	if err != nil {
		return err
	}
	switch e.Kind {
	case EntityVirtual:
		switch e.Phase {
		case stm32prog.PhaseOTP:
			return a.sess.CommitOTP()
		case stm32prog.PhasePMIC:
			return a.sess.CommitPMIC()
		}
		return nil
	case EntityLayout:
		if a.sess.Phase() != stm32prog.PhaseLayout {
			return nil
		}
		if err := a.sess.Flush(); err != nil {
			return err
		}
		// the host detaches to enumerate the partitions
		return a.sess.EndPhase()
	}
	if !a.current(e) {
		return nil
	}
	if err := a.sess.Flush(); err != nil {
		return err
	}
	err = a.sess.EndPhase()
	a.sess.NextPhase()
	return err
}
