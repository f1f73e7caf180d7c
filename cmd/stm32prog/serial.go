// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openchirp/stm32prog/serial"
)

// serialDevice maps a UART number to its tty.
func serialDevice(dev string) string {
	if _, err := strconv.Atoi(dev); err == nil {
		return "/dev/ttySTM" + dev
	}
	return dev
}

func newSerialCmd(opts *options) *cobra.Command {
	var baud uint
	cmd := &cobra.Command{
		Use:   "serial <dev> [addr [size]]",
		Short: "Serve the session on a UART",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			board, err := opts.board()
			if err != nil {
				return err
			}
			defer board.Close()
			sess, err := opts.session(board, args[1:])
			if err != nil {
				return err
			}

			port, err := serial.OpenPort(serialDevice(args[0]), baud)
			if err != nil {
				return err
			}
			defer port.Close()

			ctx, cancel := signalContext()
			defer cancel()
			reset, err := serial.New(port, sess).Run(ctx)
			if err != nil {
				return err
			}
			return opts.finish(sess, reset)
		},
	}
	cmd.Flags().UintVar(&baud, "baud", 115200, "baud rate")
	return cmd
}
