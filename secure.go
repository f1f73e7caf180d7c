// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stm32prog

// clamp returns the part of buf starting at offset that fits n bytes.
func clamp(buf []byte, offset uint32, n int) []byte {
	if uint64(offset) >= uint64(len(buf)) {
		return nil
	}
	buf = buf[offset:]
	if n < len(buf) {
		buf = buf[:n]
	}
	return buf
}

// WriteOTP stages p at offset of the OTP image. A write at offset 0
// clears the image first. It returns the number of bytes staged.
func (s *Session) WriteOTP(offset uint32, p []byte) (int, error) {
	if s.otp == nil {
		s.otp = make([]byte, OTPSize)
	}
	if offset == 0 {
		clear(s.otp)
	}
	return copy(clamp(s.otp, offset, len(p)), p), nil
}

// ReadOTP reads the OTP image at offset. A read at offset 0 refreshes
// the image from the OTP backend.
func (s *Session) ReadOTP(offset uint32, p []byte) (int, error) {
	if s.otpStore == nil {
		err := Errorf(ErrUnsupported, "OTP update not supported")
		s.Fail(err)
		return 0, err
	}
	if offset == 0 {
		if s.otp == nil {
			s.otp = make([]byte, OTPSize)
		}
		clear(s.otp)
		if err := s.otpStore.ReadAll(s.otp); err != nil {
			return 0, wrapf(ErrDevice, err, "OTP read failed")
		}
	}
	if s.otp == nil {
		return 0, Errorf(ErrDevice, "OTP read at 0x%x before offset 0", offset)
	}
	return copy(p, clamp(s.otp, offset, len(p))), nil
}

// CommitOTP programs the staged OTP image and drops it.
func (s *Session) CommitOTP() error {
	if s.otpStore == nil {
		err := Errorf(ErrUnsupported, "OTP update not supported")
		s.Fail(err)
		return err
	}
	if s.otp == nil {
		err := Errorf(ErrDevice, "start OTP without data")
		s.Fail(err)
		return err
	}
	err := s.otpStore.WriteAll(s.otp)
	s.otp = nil
	if err != nil {
		LogError(ComponentPhase, "OTP write failed", "err", err)
		return wrapf(ErrDevice, err, "OTP write failed")
	}
	LogInfo(ComponentPhase, "OTP programmed")
	return nil
}

// WritePMIC stages p at offset of the PMIC NVM image. A write at
// offset 0 clears the image first.
func (s *Session) WritePMIC(offset uint32, p []byte) (int, error) {
	if offset == 0 {
		clear(s.pmic[:])
	}
	return copy(clamp(s.pmic[:], offset, len(p)), p), nil
}

// ReadPMIC reads the PMIC NVM image at offset. A read at offset 0
// refreshes the image from the PMIC.
func (s *Session) ReadPMIC(offset uint32, p []byte) (int, error) {
	if s.pmicStore == nil {
		err := Errorf(ErrUnsupported, "PMIC update not supported")
		s.Fail(err)
		return 0, err
	}
	if offset == 0 {
		clear(s.pmic[:])
		if err := s.pmicStore.ReadAll(s.pmic[:]); err != nil {
			return 0, wrapf(ErrDevice, err, "PMIC read failed")
		}
	}
	return copy(p, clamp(s.pmic[:], offset, len(p))), nil
}

// CommitPMIC programs the staged PMIC NVM image.
func (s *Session) CommitPMIC() error {
	if s.pmicStore == nil {
		err := Errorf(ErrUnsupported, "PMIC update not supported")
		s.Fail(err)
		return err
	}
	if err := s.pmicStore.WriteAll(s.pmic[:]); err != nil {
		return wrapf(ErrDevice, err, "PMIC write failed")
	}
	LogInfo(ComponentPhase, "PMIC NVM programmed")
	return nil
}

// HasPMIC reports whether a PMIC backend is present.
func (s *Session) HasPMIC() bool { return s.pmicStore != nil }
