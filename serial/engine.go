// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package serial implements the UART link of the STM32 programming
// protocol: one byte opcodes followed by their complement, XOR
// protected fields and ACK/NACK/ABORT results.
package serial

import (
	"context"
	"errors"
	"time"

	"github.com/openchirp/stm32prog"
)

const (
	// the host sends the opcode complement right after the opcode
	cmdDelay = 2 * time.Millisecond
	// waiting end of packet before flush & NACK
	retryDelay = 30 * time.Millisecond

	defaultPoll = time.Millisecond
)

// Option configures an Engine.
type Option func(*config)

type config struct {
	poll        time.Duration
	byteTimeout time.Duration
	retryDelay  time.Duration
}

// WithPollInterval sets the delay between two polls of an idle channel.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.poll = d }
}

// WithByteTimeout sets how long a Download waits for the next byte of a
// packet before the packet is rejected. Zero waits forever.
func WithByteTimeout(d time.Duration) Option {
	return func(c *config) { c.byteTimeout = d }
}

// WithRetryDelay sets the pause before a NACK of an interrupted packet.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// Engine serves the host commands received on a Channel and drives the
// phases of a session. It is not safe for concurrent use.
type Engine struct {
	ch   Channel
	sess *stm32prog.Session
	cfg  config
	ctx  context.Context

	// download state
	packet   uint32
	cursor   uint32
	checksum uint32
	// collected header bytes, nil once the header was handled
	headerBuf []byte
	image     *stm32prog.Header
	buffer    [PacketSize]byte
}

// New returns an engine serving sess on ch.
func New(ch Channel, sess *stm32prog.Session, opts ...Option) *Engine {
	e := &Engine{
		ch:   ch,
		sess: sess,
		cfg: config{
			poll:       defaultPoll,
			retryDelay: retryDelay,
		},
		ctx: context.Background(),
	}
	for _, opt := range opts {
		opt(&e.cfg)
	}
	return e
}

// Cursor returns the number of bytes received for the current image.
func (e *Engine) Cursor() uint32 { return e.cursor }

// Checksum returns the byte sum of the received image payload.
func (e *Engine) Checksum() uint32 { return e.checksum }

// Packet returns the number of the last accepted Download packet.
func (e *Engine) Packet() uint32 { return e.packet }

// Run serves commands until the session reaches DoReset, in which case
// it reports that a reset was requested. Cancelling ctx stops the loop
// without reset. Any other error comes from the channel.
func (e *Engine) Run(ctx context.Context) (bool, error) {
	e.ctx = ctx
	// flush and NACK pending command received during init
	if err := e.result(NackByte); err != nil {
		return false, err
	}
	for {
		if e.sess.Phase() == stm32prog.PhaseDoReset {
			return true, nil
		}
		if err := e.serve(); err != nil {
			if ctx.Err() != nil {
				stm32prog.LogInfo(stm32prog.ComponentSerial, "interrupted")
				return false, nil
			}
			return false, err
		}
	}
}

// serve handles one command.
func (e *Engine) serve() error {
	b, err := e.getc(false)
	if err != nil {
		return err
	}
	if b == SyncByte {
		stm32prog.LogInfo(stm32prog.ComponentSerial, "connected")
		return e.result(AckByte)
	}

	cmd := CommandType(b)
	found := cmd.Supported()
	if found {
		c, err := e.getc(false)
		if err != nil {
			return err
		}
		found = b^c == 0xFF
	}
	if !found {
		// wait to be sure that CMD and XOR are in the FIFO before flush
		time.Sleep(cmdDelay)
		return e.result(NackByte)
	}
	if err := e.result(AckByte); err != nil {
		return err
	}
	stm32prog.LogDebug(stm32prog.ComponentSerial, "command", "cmd", cmd)

	switch cmd {
	case CommandGetCommands:
		return e.getCommands()
	case CommandGetVersion:
		return e.getVersion()
	case CommandGetID:
		return e.getID()
	case CommandGetPhase:
		return e.getPhase()
	case CommandReadMemory:
		return e.readMemory()
	case CommandReadPartition:
		return e.readPartition()
	case CommandStart:
		return e.startCommand()
	case CommandDownload:
		return e.download()
	}
	return nil
}

// getc waits for the next byte. With timeout set, the wait is bounded
// by the configured byte timeout.
func (e *Engine) getc(timeout bool) (byte, error) {
	var deadline time.Time
	if timeout && e.cfg.byteTimeout > 0 {
		deadline = time.Now().Add(e.cfg.byteTimeout)
	}
	for {
		b, err := e.ch.GetByte()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, stm32prog.ErrWouldBlock) {
			return 0, err
		}
		if err := e.ctx.Err(); err != nil {
			return 0, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, stm32prog.ErrTimeout
		}
		time.Sleep(e.cfg.poll)
	}
}

func (e *Engine) getBuffer(buf []byte) error {
	for i := range buf {
		b, err := e.getc(true)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

func (e *Engine) putc(b byte) error {
	return e.ch.PutByte(b)
}

func (e *Engine) write(data []byte) error {
	for _, b := range data {
		if err := e.putc(b); err != nil {
			return err
		}
	}
	return nil
}

// result flushes the pending input and sends a result byte.
func (e *Engine) result(b byte) error {
	if f, ok := e.ch.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return e.putc(b)
}

// getAddress reads a big endian address and folds it into sum.
func (e *Engine) getAddress(sum *byte) (uint32, error) {
	var addr uint32
	for i := 0; i < 4; i++ {
		b, err := e.getc(false)
		if err != nil {
			return 0, err
		}
		*sum ^= b
		addr = addr<<8 | uint32(b)
	}
	return addr, nil
}

func (e *Engine) getCommands() error {
	if err := e.putc(byte(len(Commands))); err != nil {
		return err
	}
	if err := e.putc(USARTVersion); err != nil {
		return err
	}
	for _, c := range Commands {
		if err := e.putc(byte(c)); err != nil {
			return err
		}
	}
	return e.result(AckByte)
}

func (e *Engine) getVersion() error {
	if err := e.putc(BootloaderVersion); err != nil {
		return err
	}
	return e.result(AckByte)
}

func (e *Engine) getID() error {
	if err := e.write([]byte{0x01, byte(DeviceID >> 8), byte(DeviceID & 0xFF)}); err != nil {
		return err
	}
	return e.result(AckByte)
}

// maxInfo is the longest error text fitting the length byte
const maxInfo = 0xFF - 5

func (e *Engine) getPhase() error {
	phase := e.sess.Phase()
	var msg string
	if phase == stm32prog.PhaseReset || phase == stm32prog.PhaseDoReset {
		msg = e.sess.ErrorText()
		if len(msg) > maxInfo {
			msg = msg[:maxInfo]
		}
	}
	dest := e.sess.Destination()

	resp := []byte{
		byte(len(msg) + 5),
		byte(phase),
		byte(dest),
		byte(dest >> 8),
		byte(dest >> 16),
		byte(dest >> 24),
		byte(len(msg)),
	}
	resp = append(resp, msg...)
	if err := e.write(resp); err != nil {
		return err
	}
	if err := e.result(AckByte); err != nil {
		return err
	}
	if phase == stm32prog.PhaseReset {
		e.sess.RequestReset()
	}
	return nil
}

func (e *Engine) readMemory() error {
	var sum byte
	addr, err := e.getAddress(&sum)
	if err != nil {
		return err
	}
	rcv, err := e.getc(false)
	if err != nil {
		return err
	}
	if rcv != sum {
		return e.result(NackByte)
	}
	if err := e.result(AckByte); err != nil {
		return err
	}

	// number of bytes to read = data + 1
	n, err := e.getc(false)
	if err != nil {
		return err
	}
	c, err := e.getc(false)
	if err != nil {
		return err
	}
	if c != ^n {
		return e.result(NackByte)
	}
	if err := e.result(AckByte); err != nil {
		return err
	}
	buf := e.buffer[:int(n)+1]
	e.sess.ReadMemory(addr, buf)
	return e.write(buf)
}

func (e *Engine) readPartition() error {
	id, err := e.getc(false)
	if err != nil {
		return err
	}
	sum := id
	offset, err := e.getAddress(&sum)
	if err != nil {
		return err
	}
	rcv, err := e.getc(false)
	if err != nil {
		return err
	}
	if rcv != sum {
		stm32prog.LogDebug(stm32prog.ComponentSerial, "bad checksum", "received", rcv, "computed", sum)
		return e.result(NackByte)
	}
	if err := e.putc(AckByte); err != nil {
		return err
	}

	// number of bytes to read = data + 1
	n, err := e.getc(false)
	if err != nil {
		return err
	}
	c, err := e.getc(false)
	if err != nil {
		return err
	}
	if c^n != 0xFF {
		stm32prog.LogDebug(stm32prog.ComponentSerial, "bad count checksum", "received", c, "count", n)
		return e.result(NackByte)
	}

	buf := e.buffer[:int(n)+1]
	var res int
	switch phase := stm32prog.Phase(id); phase {
	case stm32prog.PhaseOTP:
		res, err = e.sess.ReadOTP(offset, buf)
	case stm32prog.PhasePMIC:
		res, err = e.sess.ReadPMIC(offset, buf)
	default:
		res, err = e.sess.ReadPhase(phase, offset, buf)
	}
	if err != nil || res <= 0 {
		return e.result(AbortByte)
	}
	if err := e.putc(AckByte); err != nil {
		return err
	}
	for i := res; i < len(buf); i++ {
		buf[i] = 0
	}
	return e.write(buf)
}

func (e *Engine) startCommand() error {
	var sum byte
	addr, err := e.getAddress(&sum)
	if err != nil {
		return err
	}
	rcv, err := e.getc(false)
	if err != nil {
		return err
	}
	if rcv != sum {
		return e.result(NackByte)
	}
	if err := e.start(addr); err != nil {
		stm32prog.LogWarn(stm32prog.ComponentSerial, "start failed", "addr", addr, "err", err)
		return e.result(AbortByte)
	}
	return e.result(AckByte)
}

// start validates the current phase, commits an OTP or PMIC image, or
// jumps to addr.
func (e *Engine) start(addr uint32) error {
	s := e.sess
	phase := s.Phase()
	if addr < 0x100 {
		switch id := stm32prog.Phase(addr); id {
		case stm32prog.PhaseOTP:
			e.reset()
			return s.CommitOTP()
		case stm32prog.PhasePMIC:
			e.reset()
			return s.CommitPMIC()
		case stm32prog.PhaseReset, stm32prog.PhaseEnd:
			s.Terminate(id)
			return nil
		}
		if stm32prog.Phase(addr) != phase {
			err := stm32prog.Errorf(stm32prog.ErrIntegrity, "invalid received phase id %d, current phase is %d",
				byte(addr), byte(phase))
			s.Fail(err)
			return err
		}
	}
	if addr != stm32prog.DefaultAddress && stm32prog.Phase(addr) != phase {
		return s.Exec(addr)
	}

	// check the last loaded partition
	switch phase {
	case stm32prog.PhaseEnd, stm32prog.PhaseReset, stm32prog.PhaseDoReset:
		s.Terminate(stm32prog.PhaseDoReset)
		return nil
	}
	if s.Current() == nil && phase != stm32prog.PhaseLayout {
		return stm32prog.Errorf(stm32prog.ErrDevice, "no partition for phase %v", phase)
	}
	if e.headerBuf != nil && e.cursor > 0 {
		// image shorter than a header
		e.headerBuf = e.headerBuf[:e.cursor]
		if err := e.handleHeader(); err != nil {
			return err
		}
	}
	if s.Sequence() != 0 {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	stm32prog.LogInfo(stm32prog.ComponentSerial, "image received", "phase", phase, "length", e.cursor)
	if e.image != nil {
		expected := e.image.ImageLength + stm32prog.HeaderSize
		if e.cursor != expected {
			err := stm32prog.Errorf(stm32prog.ErrIntegrity, "transmission interrupted (length=0x%x expected=0x%x)",
				e.cursor, expected)
			s.Fail(err)
			return err
		}
		if e.image.ImageChecksum != e.checksum {
			err := stm32prog.Errorf(stm32prog.ErrIntegrity, "invalid checksum received (0x%x expected 0x%x)",
				e.checksum, e.image.ImageChecksum)
			s.Fail(err)
			return err
		}
		stm32prog.LogInfo(stm32prog.ComponentSerial, "checksum OK", "checksum", e.checksum)
	}
	e.reset()

	// errors of the phase end are latched and reported by GetPhase
	_ = s.EndPhase()
	s.Continue()
	return nil
}

func (e *Engine) reset() {
	e.cursor = 0
	e.checksum = 0
	e.headerBuf = nil
	e.image = nil
}

func (e *Engine) download() error {
	var sum byte
	addr, err := e.getAddress(&sum)
	if err != nil {
		return err
	}
	rcv, err := e.getc(false)
	if err != nil {
		return err
	}
	if rcv != sum {
		return e.result(NackByte)
	}
	if err := e.result(AckByte); err != nil {
		return err
	}

	// packet number and operation type
	op := stm32prog.Phase(addr >> 24)
	packet := addr & 0xFFFFFF
	switch op {
	case stm32prog.PhaseLayout, stm32prog.PhaseOTP, stm32prog.PhasePMIC:
	default:
		return e.result(NackByte)
	}

	// number of bytes to write = data + 1
	n, err := e.getc(true)
	if err == nil {
		err = e.getBuffer(e.buffer[:int(n)+1])
	}
	if err == nil {
		rcv, err = e.getc(true)
	}
	if err != nil {
		if e.ctx.Err() != nil {
			return err
		}
		stm32prog.LogWarn(stm32prog.ComponentSerial, "transmission error", "packet", packet, "err", err)
		time.Sleep(e.cfg.retryDelay)
		return e.result(NackByte)
	}
	data := e.buffer[:int(n)+1]
	if rcv != xor(n, data) {
		stm32prog.LogWarn(stm32prog.ComponentSerial, "checksum error", "packet", packet)
		return e.result(NackByte)
	}

	// check the packet number, a new transfer restarts at 0
	start := e.cursor
	expected := e.packet + 1
	if packet == 0 {
		expected = 0
	}
	if packet != expected {
		stm32prog.LogWarn(stm32prog.ComponentSerial, "unexpected packet", "packet", packet, "expected", expected)
		return e.result(NackByte)
	}
	e.packet = packet
	if packet == 0 {
		e.reset()
		e.sess.Restart()
		if op == stm32prog.PhaseLayout {
			e.headerBuf = make([]byte, stm32prog.HeaderSize)
		}
		start = 0
	}
	e.cursor += uint32(len(data))

	// no header for OTP and PMIC
	switch op {
	case stm32prog.PhaseOTP:
		if _, err := e.sess.WriteOTP(start, data); err != nil {
			return e.result(AbortByte)
		}
		return e.result(AckByte)
	case stm32prog.PhasePMIC:
		if _, err := e.sess.WritePMIC(start, data); err != nil {
			return e.result(AbortByte)
		}
		return e.result(AckByte)
	}

	if e.headerBuf != nil && start < stm32prog.HeaderSize {
		// portion of the header in this chunk
		size := uint32(len(data))
		if start+size > stm32prog.HeaderSize {
			size = stm32prog.HeaderSize - start
		}
		copy(e.headerBuf[start:], data[:size])
		data = data[size:]
		if start+size < stm32prog.HeaderSize {
			return e.result(AckByte)
		}
		if err := e.handleHeader(); err != nil {
			return e.result(AbortByte)
		}
	}
	if len(data) == 0 {
		return e.result(AckByte)
	}
	if e.image != nil {
		e.checksum += stm32prog.Checksum(data)
		if e.cursor > e.image.ImageLength+stm32prog.HeaderSize {
			stm32prog.LogError(stm32prog.ComponentSerial, "expected size exceeded",
				"length", e.cursor, "expected", e.image.ImageLength+stm32prog.HeaderSize)
			return e.result(AbortByte)
		}
	}
	if err := e.sess.Write(data); err != nil {
		return e.result(AbortByte)
	}
	return e.result(AckByte)
}

// handleHeader checks the collected header. Boot images (Layout and
// phases below the first user phase) must carry a header, which is
// written with the image. Without header, the collected bytes are part
// of the image.
func (e *Engine) handleHeader() error {
	raw := e.headerBuf
	e.headerBuf = nil
	phase := e.sess.Phase()
	boot := phase < stm32prog.PhaseFirstUser

	h, err := stm32prog.ParseHeader(raw)
	if err != nil {
		var herr *stm32prog.HeaderError
		if boot && errors.As(err, &herr) {
			err := stm32prog.Errorf(stm32prog.ErrIntegrity, "invalid header (error %d)", herr.Code)
			e.sess.Fail(err)
			return err
		}
		stm32prog.LogInfo(stm32prog.ComponentSerial, "partition without checksum", "phase", phase)
		return e.sess.Write(raw)
	}
	e.image = h
	if boot {
		return e.sess.Write(raw)
	}
	return nil
}
