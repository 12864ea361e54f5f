package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-can-debugger/internal/ble"
	"github.com/kstaniek/go-can-debugger/internal/discovery"
	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/tcpjson"
)

func newBLECmd(cfg *appConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ble [address]",
		Short: "Connect to the debugger over Bluetooth LE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := cfg.bleAddress
			if len(args) == 1 {
				addr = args[0]
			}
			if addr == "" {
				return ble.ErrAddressRequired
			}
			return runSession(cmd, cfg, ble.New(nil, ble.WithLogger(logging.L())), addr)
		},
	}
	cmd.Flags().StringVar(&cfg.bleAddress, "address", cfg.bleAddress, "Device MAC address (e.g. AA:BB:CC:DD:EE:FF)")
	addClientFlags(cmd, cfg)
	return cmd
}

func newTCPCmd(cfg *appConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp [host[:port]]",
		Short: "Connect to a TCP-JSON relay (discovered via mDNS when no target is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := cfg.tcpServer
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				svc, err := discovery.First(cmd.Context(), cfg.mdnsTimeout)
				if err != nil {
					return fmt.Errorf("no --server given and %w", err)
				}
				logging.L().Info("mdns_selected", "instance", svc.Instance, "target", svc.Target())
				target = svc.Target()
			}
			// Surface target errors before any I/O.
			if _, err := tcpjson.ParseTarget(target); err != nil {
				return err
			}
			tr := tcpjson.New(
				tcpjson.WithMaxLineLength(cfg.maxLine),
				tcpjson.WithLogger(logging.L()),
			)
			return runSession(cmd, cfg, tr, target)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.tcpServer, "server", cfg.tcpServer, "Relay host[:port] (default port 8900)")
	f.IntVar(&cfg.maxLine, "max-line", cfg.maxLine, "Longest accepted JSON line in bytes")
	f.DurationVar(&cfg.mdnsTimeout, "mdns-timeout", cfg.mdnsTimeout, "mDNS browse time when no server is given")
	addClientFlags(cmd, cfg)
	return cmd
}

func newDiscoverCmd(cfg *appConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List TCP-JSON relays advertised via mDNS",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := discovery.Browse(cmd.Context(), cfg.mdnsTimeout)
			if err != nil {
				return err
			}
			for _, s := range svcs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Instance, s.Target())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&cfg.mdnsTimeout, "mdns-timeout", cfg.mdnsTimeout, "mDNS browse time")
	return cmd
}
