package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-can-debugger/internal/fep"
	"github.com/kstaniek/go-can-debugger/internal/logging"
)

// Register 18 bits 0-1 enable (group) address checking on the radio.
const (
	regAddrCheck  = 18
	addrCheckMask = 0xFC
)

type fepOptions struct {
	clearAddrCheck bool
	reg00          int
	reset          bool
	broadcast      string
}

var (
	repColor   = color.New(color.FgGreen).SprintfFunc()
	otherColor = color.New(color.FgHiBlack).SprintfFunc()
)

func newFEPCmd(cfg *appConfig) *cobra.Command {
	var opts fepOptions
	cmd := &cobra.Command{
		Use:   "fep",
		Short: "Commission the serial radio module and sniff its receive stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFEP(cmd, cfg, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	f.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	f.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout (0 blocks)")
	f.BoolVar(&opts.clearAddrCheck, "clear-addr-check", false, "Clear the address check bits in REG18")
	f.IntVar(&opts.reg00, "reg00", -1, "Value to write to REG00 (0-255, -1 skips)")
	f.BoolVar(&opts.reset, "reset", false, "Reset the module after configuration")
	f.StringVar(&opts.broadcast, "broadcast", "", "Broadcast <addr>:<hex-payload> once before sniffing")
	return cmd
}

// parseBroadcast splits "<decimal addr>:<hex payload>".
func parseBroadcast(s string) (int, []byte, error) {
	a, p, ok := strings.Cut(strings.ReplaceAll(s, " ", ""), ":")
	if !ok {
		return 0, nil, fmt.Errorf("broadcast: expected <addr>:<hex-payload>")
	}
	addr, err := strconv.Atoi(a)
	if err != nil || addr < 0 || addr > fep.MaxAddress {
		return 0, nil, fmt.Errorf("broadcast: invalid address %q", a)
	}
	payload, err := hex.DecodeString(p)
	if err != nil {
		return 0, nil, fmt.Errorf("broadcast: invalid payload: %w", err)
	}
	return addr, payload, nil
}

func runFEP(cmd *cobra.Command, cfg *appConfig, opts fepOptions) error {
	if opts.reg00 > 255 {
		return fmt.Errorf("reg00 must be 0-255 (got %d)", opts.reg00)
	}
	var (
		bAddr    int
		bPayload []byte
	)
	if opts.broadcast != "" {
		var err error
		if bAddr, bPayload, err = parseBroadcast(opts.broadcast); err != nil {
			return err
		}
	}
	l := logging.L().With("serial", cfg.serialDev)
	port, err := fep.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.serialDev, err)
	}
	s := fep.NewSession(port)
	defer s.Close()
	l.Info("fep_connected", "baud", cfg.baud)

	if opts.clearAddrCheck {
		v, err := s.ReadRegister(regAddrCheck)
		if err != nil {
			return err
		}
		l.Info("fep_register", "reg", regAddrCheck, "value", fmt.Sprintf("%02x", v))
		reply, err := s.WriteRegister(regAddrCheck, v&addrCheckMask)
		if err != nil {
			return err
		}
		l.Info("fep_register_set", "reg", regAddrCheck, "value", fmt.Sprintf("%02x", v&addrCheckMask), "reply", reply)
	}
	if opts.reg00 >= 0 {
		reply, err := s.WriteRegister(0, byte(opts.reg00))
		if err != nil {
			return err
		}
		l.Info("fep_register_set", "reg", 0, "value", opts.reg00, "reply", reply)
	}
	if opts.reset {
		reply, err := s.Reset()
		if err != nil {
			return err
		}
		l.Info("fep_reset", "reply", reply)
	}
	if opts.broadcast != "" {
		replies, err := s.Broadcast(bAddr, bPayload)
		if err != nil {
			return err
		}
		l.Info("fep_broadcast", "addr", bAddr, "len", len(bPayload), "reply", strings.Join(replies, " | "))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()
	out := cmd.OutOrStdout()
	for {
		m, err := s.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// read timeout with nothing pending
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			return err
		}
		if m.From < 0 {
			fmt.Fprintln(out, otherColor("%s", m))
			continue
		}
		fmt.Fprintln(out, repColor("[+] %s", m))
	}
}
