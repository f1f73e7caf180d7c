// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"io"
	"os"
)

// NVM is an OTP or PMIC backend served by a file, typically an nvmem
// device such as /sys/bus/nvmem/devices/stm32-romem0/nvmem.
type NVM struct {
	Path string
}

// ReadAll fills buf from the start of the file. Missing bytes read as 0.
func (n NVM) ReadAll(buf []byte) error {
	f, err := os.Open(n.Path)
	if errors.Is(err, os.ErrNotExist) {
		clear(buf)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	read, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(buf[read:])
	return nil
}

// WriteAll writes buf at the start of the file.
func (n NVM) WriteAll(buf []byte) error {
	f, err := os.OpenFile(n.Path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
