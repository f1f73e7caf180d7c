// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/openchirp/stm32prog"
	"github.com/openchirp/stm32prog/storage"
)

// hexValue is a uint32 flag given in hexadecimal.
type hexValue uint32

var _ pflag.Value = (*hexValue)(nil)

func (h *hexValue) String() string { return fmt.Sprintf("0x%x", uint32(*h)) }

func (h *hexValue) Set(s string) error {
	v, err := parseHex(s)
	if err != nil {
		return err
	}
	*h = hexValue(v)
	return nil
}

func (h *hexValue) Type() string { return "hex" }

func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}

// options are the flags shared by the link commands.
type options struct {
	mmc      map[string]string
	nor      map[string]string
	nand     map[string]string
	mtdparts string
	layout   string
	otp      string
	pmic     string
	ramBase  hexValue
	reset    bool
	logLevel string
	logJSON  bool
}

// deviceIndex parses the instance number of a device, a single digit
// as in the layout.
func deviceIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if index < 0 || index > 9 {
		return 0, fmt.Errorf("index %d out of range", index)
	}
	return index, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{ramBase: hexValue(stm32prog.DDRBase)}
	cmd := &cobra.Command{
		Use:   "stm32prog",
		Short: "Flash the storage devices of an STM32MP board",
		Long: `Flash the storage devices of an STM32MP board from STM32CubeProgrammer,
following the partitions of a flash layout received over the link.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringToStringVar(&opts.mmc, "mmc", nil, "eMMC/SD devices as INDEX=PATH (e.g. 1=/dev/mmcblk1)")
	flags.StringToStringVar(&opts.nor, "nor", nil, "NOR devices as INDEX=PATH (e.g. 0=/dev/mtd0)")
	flags.StringToStringVar(&opts.nand, "nand", nil, "NAND devices as INDEX=PATH (e.g. 0=/dev/mtd1)")
	flags.StringVar(&opts.mtdparts, "mtdparts", "", "partitions of the flash devices, in mtdparts syntax")
	flags.StringVar(&opts.layout, "layout", "", "flash layout loaded before the link starts")
	flags.StringVar(&opts.otp, "otp", "", "file holding the OTP words")
	flags.StringVar(&opts.pmic, "pmic", "", "file holding the PMIC NVM")
	flags.Var(&opts.ramBase, "ram-base", "address of the flash layout window")
	flags.BoolVar(&opts.reset, "reset", false, "reboot when the host requests a reset")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "log in JSON")

	cmd.AddCommand(newSerialCmd(opts), newUSBCmd(opts))
	return cmd
}

func (o *options) setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", o.logLevel)
	}
	stm32prog.SetLogLevel(level)
	if o.logJSON {
		stm32prog.SetLogger(stm32prog.NewJSONLogger(os.Stderr))
	}
	return nil
}

// board registers the devices given on the command line.
func (o *options) board() (*storage.Board, error) {
	board := storage.NewBoard()
	for t, devs := range map[stm32prog.DeviceType]map[string]string{
		stm32prog.DeviceMMC:  o.mmc,
		stm32prog.DeviceNOR:  o.nor,
		stm32prog.DeviceNAND: o.nand,
	} {
		for idx, path := range devs {
			index, err := deviceIndex(idx)
			if err != nil {
				return nil, fmt.Errorf("invalid %v index %q", t, idx)
			}
			if err := board.Add(t, index, path); err != nil {
				return nil, err
			}
		}
	}
	if o.mtdparts != "" {
		if err := board.SetMTDParts(o.mtdparts); err != nil {
			return nil, err
		}
	}
	return board, nil
}

// session returns a session on board and the layout window given by
// the optional addr and size arguments.
func (o *options) session(board *storage.Board, args []string) (*stm32prog.Session, error) {
	sessOpts := []stm32prog.SessionOption{
		stm32prog.WithTarget(board),
		stm32prog.WithRAM(uint32(o.ramBase), stm32prog.RAMSize),
		stm32prog.WithExecutor(stm32prog.ExecutorFunc(func(addr uint32) error {
			return stm32prog.Errorf(stm32prog.ErrUnsupported, "jump to 0x%x not supported", addr)
		})),
	}
	if o.otp != "" {
		sessOpts = append(sessOpts, stm32prog.WithOTP(storage.NVM{Path: o.otp}))
	}
	if o.pmic != "" {
		sessOpts = append(sessOpts, stm32prog.WithPMIC(storage.NVM{Path: o.pmic}))
	}
	sess := stm32prog.NewSession(sessOpts...)

	addr, size := uint32(o.ramBase), uint32(0)
	var err error
	if len(args) > 0 {
		if addr, err = parseHex(args[0]); err != nil {
			return nil, err
		}
	}
	if len(args) > 1 {
		if size, err = parseHex(args[1]); err != nil {
			return nil, err
		}
	}
	if o.layout != "" {
		data, err := os.ReadFile(o.layout)
		if err != nil {
			return nil, err
		}
		if err := sess.WriteMemory(addr, data); err != nil {
			return nil, err
		}
		if size == 0 {
			size = uint32(len(data))
		}
	}
	if err := sess.Init(addr, size); err != nil {
		return nil, err
	}
	return sess, nil
}

// finish reports the outcome of a session and reboots when requested.
func (o *options) finish(sess *stm32prog.Session, reset bool) error {
	if reset && o.reset {
		stm32prog.LogInfo(stm32prog.ComponentPhase, "rebooting")
		unix.Sync()
		if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
			return fmt.Errorf("reboot: %w", err)
		}
	}
	if sess.Failed() {
		return fmt.Errorf("%s", sess.ErrorText())
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
}
