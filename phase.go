// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

import (
	"bytes"
	"errors"
	"fmt"
)

// NextPhase moves to the first selected, non empty partition following
// the current phase, or to End when there is none. It has no effect on
// the terminal phases.
func (s *Session) NextPhase() {
	if s.phase.Terminal() {
		return
	}
	s.cur = nil
	s.dfuSeq = 0
	s.streaming = false
	next := PhaseEnd
	for phase := s.phase + 1; phase <= PhaseLastUser && s.cur == nil; phase++ {
		part := s.Partition(phase)
		if part == nil {
			continue
		}
		if part.Active() {
			s.cur = part
			next = phase
		}
	}
	s.phase = next
	LogInfo(ComponentPhase, "next phase", "phase", s.phase)
}

// EndPhase finalizes the transfer of the current phase. A received
// layout is parsed; an eMMC boot partition is activated; the copies of
// a replicated boot loader are written. Errors are latched.
func (s *Session) EndPhase() error {
	err := s.endPhase()
	if err != nil {
		s.Fail(err)
	}
	return err
}

func (s *Session) endPhase() error {
	if s.phase == PhaseLayout {
		err := s.loadLayout(s.ramBase, uint32(s.ramLen))
		if errors.Is(err, ErrNoLayout) {
			return Errorf(ErrParse, "Layout: invalid FlashLayout")
		}
		return err
	}

	part := s.cur
	if part == nil {
		return nil
	}
	if part.HWBoot() {
		if err := s.target.SetBootPartition(part.DevIndex, part.HWPart()); err != nil {
			cmd := fmt.Sprintf("mmc bootbus %d 0 0 0; mmc partconf %d 1 %d 0",
				part.DevIndex, part.DevIndex, part.HWPart())
			return wrapf(ErrDevice, err, "commands %s have failed", cmd)
		}
		LogInfo(ComponentPhase, "boot partition activated", "mmc", part.DevIndex, "hwpart", part.HWPart())
	}
	if part.Copies > 1 {
		if err := s.copyFSBL(part); err != nil {
			return wrapf(ErrDevice, err, "copy of fsbl failed")
		}
	}
	return nil
}

// copyFSBL replicates the boot loader written at the start of part into
// the following erase blocks, erasing each slot before writing it. A
// failing copy leaves the previous ones in place.
func (s *Session) copyFSBL(part *Partition) error {
	if part.DevType != DeviceNAND {
		return Errorf(ErrUnsupported, "%s: copies only supported on nand", part.Name)
	}
	m, err := s.medium(part)
	if err != nil {
		return err
	}
	raw := make([]byte, HeaderSize)
	if _, err := m.ReadAt(raw, int64(part.Addr)); err != nil {
		return err
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return err
	}
	count := int64(h.ImageLength) + HeaderSize
	if uint64(count) > part.Size {
		return Errorf(ErrIntegrity, "%s: image length 0x%x exceeds partition", part.Name, count)
	}
	fsbl := make([]byte, count)
	if _, err := m.ReadAt(fsbl, int64(part.Addr)); err != nil {
		return err
	}

	bs := int64(part.Device.Geometry.EraseSize)
	start := int64(part.Addr)
	for i := part.Copies - 1; i > 0; i-- {
		// next slot starts on an erase block boundary
		start += count
		if bs != 0 && start%bs != 0 {
			start += bs - start%bs
		}
		lim := int64(part.Size) - (start - int64(part.Addr))
		if lim < count {
			return Errorf(ErrDevice, "%s: no room for copy %d", part.Name, part.Copies-i)
		}
		length := count
		if bs != 0 && length%bs != 0 {
			length += bs - length%bs
		}
		if length > lim {
			length = lim
		}
		if err := m.Erase(start, length); err != nil {
			return err
		}
		if _, err := m.WriteAt(fsbl, start); err != nil {
			return err
		}
		verify := make([]byte, count)
		if _, err := m.ReadAt(verify, start); err != nil {
			return err
		}
		if !bytes.Equal(verify, fsbl) {
			return Errorf(ErrDevice, "%s: verify of copy at 0x%x failed", part.Name, start)
		}
		LogDebug(ComponentPhase, "fsbl copied", "name", part.Name, "offset", start)
	}
	return nil
}

// Continue moves past a completed phase. A layout received in the
// Layout phase is first reconciled with the target.
func (s *Session) Continue() {
	if s.phase == PhaseLayout && s.HasLayout() {
		if err := s.Prepare(); err != nil {
			return
		}
	}
	s.NextPhase()
}

// RequestReset turns a Reset phase into DoReset, which ends the
// transport loop. Other phases are left untouched.
func (s *Session) RequestReset() {
	if s.phase == PhaseReset {
		s.phase = PhaseDoReset
		LogInfo(ComponentPhase, "reset requested")
	}
}

// Terminate moves to the End or Reset marker phase.
func (s *Session) Terminate(phase Phase) {
	s.cur = nil
	s.dfuSeq = 0
	s.streaming = false
	s.phase = phase
}

// SetPhase selects phase and sets the read offset. Selecting the
// current phase only updates the offset.
func (s *Session) SetPhase(phase Phase, offset uint32) error {
	s.streaming = false
	if phase == s.phase {
		s.offset = offset
		s.dfuSeq = 0
		return nil
	}
	part := s.Partition(phase)
	if part == nil {
		return Errorf(ErrReconcile, "unknown phase 0x%x", uint16(phase))
	}
	s.cur = part
	s.phase = phase
	s.offset = offset
	s.dfuSeq = 0
	return nil
}
