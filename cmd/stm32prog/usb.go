// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openchirp/stm32prog/gadget"
)

// boardSerial returns the serial number of the SoC, as exported by the
// device tree.
func boardSerial() string {
	b, err := os.ReadFile("/proc/device-tree/serial-number")
	if err != nil {
		return "000000000000"
	}
	return strings.TrimRight(string(b), "\x00\n")
}

func newUSBCmd(opts *options) *cobra.Command {
	var (
		rawPath string
		driver  string
		device  string
		serial  string
	)
	cmd := &cobra.Command{
		Use:   "usb [addr [size]]",
		Short: "Serve the session as a USB DFU gadget",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			board, err := opts.board()
			if err != nil {
				return err
			}
			defer board.Close()
			sess, err := opts.session(board, args)
			if err != nil {
				return err
			}
			if serial == "" {
				serial = boardSerial()
			}

			ctx, cancel := signalContext()
			defer cancel()
			open := func() (gadget.Controller, error) {
				return gadget.OpenRawGadget(rawPath, driver, device)
			}
			reset, err := gadget.Serve(ctx, open, sess, serial)
			if err != nil {
				return err
			}
			return opts.finish(sess, reset)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&rawPath, "raw-gadget", gadget.DefaultRawGadgetPath, "raw-gadget device")
	flags.StringVar(&driver, "udc-driver", "", "UDC driver name, as listed in /sys/class/udc")
	flags.StringVar(&device, "udc-device", "", "UDC device name, as listed in /sys/class/udc")
	flags.StringVar(&serial, "serial", "", "USB serial number (default from the device tree)")
	_ = cmd.MarkFlagRequired("udc-driver")
	_ = cmd.MarkFlagRequired("udc-device")
	return cmd
}
