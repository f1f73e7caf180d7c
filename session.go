// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stm32prog implements the flashing engine of the STM32MP
// programming protocol: the flash layout parser, the reconciliation of
// the layout with the board storage devices and the phase state machine
// driven by the serial and USB DFU links.
//
// A Session is owned by a single transport loop. None of its methods
// are safe for concurrent use.
package stm32prog

import (
	"errors"
	"io"
)

// SecureStorage is an OTP or PMIC NVM backend.
type SecureStorage interface {
	ReadAll(buf []byte) error
	WriteAll(buf []byte) error
}

// Executor starts an application loaded in memory. Exec only returns
// when the application could not be started or has terminated.
type Executor interface {
	Exec(addr uint32) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(addr uint32) error

// Exec calls f(addr).
func (f ExecutorFunc) Exec(addr uint32) error { return f(addr) }

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTarget sets the board storage devices.
func WithTarget(t Target) SessionOption {
	return func(s *Session) { s.target = t }
}

// WithOTP sets the OTP backend.
func WithOTP(otp SecureStorage) SessionOption {
	return func(s *Session) { s.otpStore = otp }
}

// WithPMIC sets the PMIC NVM backend.
func WithPMIC(pmic SecureStorage) SessionOption {
	return func(s *Session) { s.pmicStore = pmic }
}

// WithExecutor sets the handler of jump requests.
func WithExecutor(e Executor) SessionOption {
	return func(s *Session) { s.exec = e }
}

// WithRAM sets the address and size of the layout load window.
func WithRAM(base uint32, size int) SessionOption {
	return func(s *Session) {
		s.ramBase = base
		s.ram = make([]byte, size)
	}
}

// Session is the state of one programming run.
type Session struct {
	target    Target
	otpStore  SecureStorage
	pmicStore SecureStorage
	exec      Executor

	ramBase uint32
	ram     []byte
	ramLen  int

	parts  []*Partition
	layout *Layout

	phase     Phase
	cur       *Partition
	dfuSeq    int
	wpos      int64
	streaming bool
	offset    uint32
	readPhase Phase
	err       string

	otp  []byte
	pmic [PMICSize]byte
}

// NewSession returns a session waiting for a flash layout.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		ramBase:   DDRBase,
		phase:     PhaseLayout,
		readPhase: PhaseReset,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ram == nil {
		s.ram = make([]byte, RAMSize)
	}
	return s
}

// Init parses a layout preloaded in the RAM window at addr. When size
// is 0 the layout must carry an STM32 header. Without a usable layout
// the session stays in the Layout phase and waits for a download.
// Layout and device errors are latched for the host; only an address
// outside of the RAM window is returned.
func (s *Session) Init(addr, size uint32) error {
	if addr < s.ramBase || uint64(addr) >= uint64(s.ramBase)+uint64(len(s.ram)) {
		return Errorf(ErrParse, "Layout: address 0x%x outside of RAM", addr)
	}
	if err := s.loadLayout(addr, size); err != nil && !errors.Is(err, ErrNoLayout) {
		s.Fail(err)
	}
	if s.Prepare() == nil && len(s.parts) > 0 {
		s.NextPhase()
	}
	return nil
}

func (s *Session) loadLayout(addr, size uint32) error {
	s.parts = nil
	s.layout = nil
	if addr < s.ramBase || uint64(addr) >= uint64(s.ramBase)+uint64(len(s.ram)) {
		return Errorf(ErrParse, "Layout: address 0x%x outside of RAM", addr)
	}
	buf := s.ram[addr-s.ramBase:]
	if _, err := ParseHeader(buf); err != nil {
		if size == 0 {
			return ErrNoLayout
		}
		if uint64(size) < uint64(len(buf)) {
			buf = buf[:size]
		}
	}
	parts, err := ParseLayout(buf)
	if err != nil {
		return err
	}
	s.parts = parts
	return nil
}

// Prepare reconciles the parsed layout with the target, erases the
// partitions marked for deletion and, on a full update, recreates the
// partition tables. DFU alternates are assigned last. Any error is
// latched and drops the layout.
func (s *Session) Prepare() error {
	if len(s.parts) > 0 {
		lay, err := Reconcile(s.parts, s.target)
		if err == nil {
			err = s.initDevices(lay)
		}
		if err != nil {
			s.parts = nil
			s.layout = nil
			s.Fail(err)
			return err
		}
		s.layout = lay
	}
	s.assignAlternates()
	return nil
}

func (s *Session) initDevices(lay *Layout) error {
	// raw images are erased before the tables are written
	for _, part := range lay.Partitions {
		if part.Type == PartRawImage && part.Selected() && part.Deleted() {
			if err := s.erase(part); err != nil {
				return err
			}
		}
	}
	if lay.FullUpdate {
		for _, dev := range lay.Devices {
			// GPT is only created on mmc
			if dev.Type != DeviceMMC {
				continue
			}
			entries := dev.GPTEntries()
			if len(entries) == 0 {
				continue
			}
			if err := s.target.WritePartitionTable(dev.Index, entries); err != nil {
				return wrapf(ErrDevice, err, "partitionning fail : gpt write mmc %d", dev.Index)
			}
			LogInfo(ComponentDevice, "partition table written", "device", dev.String(), "partitions", len(entries))
		}
	}
	for _, part := range lay.Partitions {
		if part.Type != PartRawImage && part.Selected() && part.Deleted() {
			if err := s.erase(part); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) erase(part *Partition) error {
	m, err := s.medium(part)
	if err != nil {
		return err
	}
	LogInfo(ComponentDevice, "erasing partition", "name", part.Name, "device", part.Device.String())
	if err := m.Erase(int64(part.Addr), int64(part.Size)); err != nil {
		return wrapf(ErrDevice, err, "%v erase failed", part.DevType)
	}
	return nil
}

// medium returns the medium holding part.
func (s *Session) medium(part *Partition) (Medium, error) {
	if part.Device == nil {
		return nil, Errorf(ErrDevice, "%s: no device", part.Name)
	}
	if !part.HWBoot() {
		return part.Device.Medium, nil
	}
	m, err := s.target.Open(part.DevType, part.DevIndex, part.HWPart())
	if err != nil {
		return nil, wrapf(ErrDevice, err, "mmc %d: boot partition %d not found", part.DevIndex, part.HWPart())
	}
	return m, nil
}

func (s *Session) assignAlternates() {
	alt := 0
	for phase := PhaseLayout + 1; phase <= PhaseLastUser; phase++ {
		part := s.Partition(phase)
		if part == nil || part.DevType == DeviceNone {
			continue
		}
		part.AltID = alt
		alt++
	}
}

// Partition returns the layout partition of a phase, or nil.
func (s *Session) Partition(phase Phase) *Partition {
	for _, part := range s.parts {
		if part.ID == phase {
			return part
		}
	}
	return nil
}

// Partitions returns the parsed layout in file order.
func (s *Session) Partitions() []*Partition { return s.parts }

// Layout returns the reconciled layout, nil before a successful Prepare.
func (s *Session) Layout() *Layout { return s.layout }

// HasLayout reports whether a flash layout is known.
func (s *Session) HasLayout() bool { return len(s.parts) > 0 }

// FullUpdate reports whether partition tables are recreated.
func (s *Session) FullUpdate() bool { return s.layout != nil && s.layout.FullUpdate }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Current returns the partition of the current phase, or nil.
func (s *Session) Current() *Partition { return s.cur }

// Sequence returns the number of writes since the phase started.
func (s *Session) Sequence() int { return s.dfuSeq }

// Offset returns the read offset shared by the links.
func (s *Session) Offset() uint32 { return s.offset }

// ReadState returns the phase and offset of the serial read session.
func (s *Session) ReadState() (Phase, uint32) { return s.readPhase, s.offset }

// RAMBase returns the address of the layout load window.
func (s *Session) RAMBase() uint32 { return s.ramBase }

// Destination returns the load address reported for the current phase.
func (s *Session) Destination() uint32 {
	if s.phase == PhaseLayout {
		return s.ramBase
	}
	return DefaultAddress
}

// Fail latches err and forces the Reset phase. The first error is kept
// while the session stays in Reset.
func (s *Session) Fail(err error) {
	if err == nil || s.phase == PhaseReset {
		return
	}
	s.err = err.Error()
	s.phase = PhaseReset
	LogError(ComponentPhase, s.err)
}

// Failed reports whether an error was latched.
func (s *Session) Failed() bool { return s.err != "" }

// ErrorText returns the latched error message.
func (s *Session) ErrorText() string {
	if s.err == "" {
		return "Unspecified"
	}
	return s.err
}

// ReadMemory copies the RAM window at addr into p. Bytes outside of the
// window read as zero.
func (s *Session) ReadMemory(addr uint32, p []byte) {
	for i := range p {
		p[i] = 0
	}
	if addr < s.ramBase {
		return
	}
	off := uint64(addr - s.ramBase)
	if off >= uint64(len(s.ram)) {
		return
	}
	copy(p, s.ram[off:])
}

// WriteMemory copies p into the RAM window at addr.
func (s *Session) WriteMemory(addr uint32, p []byte) error {
	if addr < s.ramBase || uint64(addr-s.ramBase)+uint64(len(p)) > uint64(len(s.ram)) {
		return Errorf(ErrDevice, "write of 0x%x bytes at 0x%x outside of RAM", len(p), addr)
	}
	off := int(addr - s.ramBase)
	copy(s.ram[off:], p)
	if end := off + len(p); end > s.ramLen {
		s.ramLen = end
	}
	return nil
}

// Exec jumps to the application at addr through the executor. It always
// returns an ErrNotExecuted error since a started application never
// returns to the session.
func (s *Session) Exec(addr uint32) error {
	LogInfo(ComponentPhase, "starting application", "addr", addr)
	if s.exec != nil {
		if err := s.exec.Exec(addr); err != nil {
			return wrapf(ErrNotExecuted, err, "application at 0x%x not started", addr)
		}
	}
	return Errorf(ErrNotExecuted, "application at 0x%x terminated", addr)
}

// Write appends p to the image of the current phase. The first write of
// a phase starts at offset 0. An empty write flushes the image.
func (s *Session) Write(p []byte) error {
	if len(p) == 0 {
		return s.Flush()
	}
	if !s.streaming {
		s.wpos = 0
		s.streaming = true
	}
	var err error
	switch {
	case s.cur != nil:
		err = s.WriteAt(s.cur, p, s.wpos)
	case s.phase == PhaseLayout:
		if s.wpos == 0 {
			s.ramLen = 0
		}
		err = s.WriteMemory(s.ramBase+uint32(s.wpos), p)
	default:
		err = Errorf(ErrDevice, "no partition for phase %v", s.phase)
	}
	seq := s.dfuSeq
	s.dfuSeq = (s.dfuSeq + 1) & 0xFFFF
	if err != nil {
		s.Fail(wrapf(ErrDevice, err, "DFU write failed [%v] cnt: %d", err, seq))
		return err
	}
	s.wpos += int64(len(p))
	return nil
}

// Restart drops the write position of the current phase so the next
// write starts again at offset 0.
func (s *Session) Restart() {
	s.wpos = 0
	s.dfuSeq = 0
	s.streaming = false
}

// Flush ends the sequence of writes of the current phase.
func (s *Session) Flush() error {
	s.dfuSeq = 0
	s.streaming = false
	if s.cur == nil || s.cur.Device == nil {
		return nil
	}
	m, err := s.medium(s.cur)
	if err != nil {
		return err
	}
	if syncer, ok := m.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			err = wrapf(ErrDevice, err, "DFU flush failed [%v]", err)
			s.Fail(err)
			return err
		}
	}
	return nil
}

// WriteAt writes p at offset off of part. Flash blocks are erased the
// first time a write reaches them; a write at offset 0 restarts the
// erase tracking.
func (s *Session) WriteAt(part *Partition, p []byte, off int64) error {
	if off < 0 || uint64(off)+uint64(len(p)) > part.Size {
		return Errorf(ErrDevice, "%s: write of 0x%x bytes at 0x%x exceeds size 0x%x",
			part.Name, len(p), off, part.Size)
	}
	m, err := s.medium(part)
	if err != nil {
		return err
	}
	base := int64(part.Addr)
	if part.DevType.Flash() && part.Device.Geometry.EraseSize != 0 {
		if off == 0 {
			part.erased = 0
		}
		end := off + int64(len(p))
		if end > part.erased {
			bs := int64(part.Device.Geometry.EraseSize)
			start := part.erased
			if off > start {
				start = off - off%bs
			}
			stop := (end + bs - 1) / bs * bs
			if stop > int64(part.Size) {
				stop = int64(part.Size)
			}
			if err := m.Erase(base+start, stop-start); err != nil {
				return wrapf(ErrDevice, err, "%s: erase at 0x%x failed", part.Name, base+start)
			}
			part.erased = stop
		}
	}
	if _, err := m.WriteAt(p, base+off); err != nil {
		return wrapf(ErrDevice, err, "%s: write at 0x%x failed", part.Name, base+off)
	}
	return nil
}

// Download writes a DFU block at offset off of part. A failure is
// latched like a streamed write.
func (s *Session) Download(part *Partition, p []byte, off int64) error {
	seq := s.dfuSeq
	s.dfuSeq = (s.dfuSeq + 1) & 0xFFFF
	if err := s.WriteAt(part, p, off); err != nil {
		s.Fail(wrapf(ErrDevice, err, "DFU write failed [%v] cnt: %d", err, seq))
		return err
	}
	return nil
}

// ReadAt reads part at offset off. It returns io.EOF with a short count
// at the end of the partition.
func (s *Session) ReadAt(part *Partition, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf(ErrDevice, "%s: invalid offset %d", part.Name, off)
	}
	if uint64(off) >= part.Size {
		return 0, io.EOF
	}
	m, err := s.medium(part)
	if err != nil {
		return 0, err
	}
	n := len(p)
	short := false
	if rem := part.Size - uint64(off); uint64(n) > rem {
		n = int(rem)
		short = true
	}
	read, err := m.ReadAt(p[:n], int64(part.Addr)+off)
	if err != nil && !errors.Is(err, io.EOF) {
		return read, wrapf(ErrDevice, err, "%s: read at 0x%x failed", part.Name, off)
	}
	if short || read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// ReadPhase reads the image of phase at offset for the serial link. A
// read never overlaps a pending write. A short read is zero filled and
// ends the read session.
func (s *Session) ReadPhase(phase Phase, offset uint32, p []byte) (int, error) {
	if s.dfuSeq != 0 {
		err := Errorf(ErrDevice, "DFU write pending for phase %d, seq %d", uint16(s.phase), s.dfuSeq)
		s.Fail(err)
		return 0, err
	}
	if !phase.IsUser() {
		err := Errorf(ErrDevice, "read failed : phase %d is invalid", uint16(phase))
		s.Fail(err)
		return 0, err
	}
	part := s.Partition(phase)
	if part == nil || part.Device == nil {
		err := Errorf(ErrDevice, "read failed : phase %d is unknown", uint16(phase))
		s.Fail(err)
		return 0, err
	}
	s.offset = offset
	s.readPhase = phase
	n, err := s.ReadAt(part, p, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		err = wrapf(ErrDevice, err, "DFU read failed [%v] phase = %d offset = 0x%08x", err, uint16(phase), offset)
		s.Fail(err)
		return 0, err
	}
	if n < len(p) {
		s.offset = 0
		s.readPhase = PhaseEnd
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
	} else {
		s.offset += uint32(n)
	}
	return n, nil
}
