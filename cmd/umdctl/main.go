// Command umdctl is the operator-facing CLI over the go-umd driver core:
// list attached chips, run topology discovery and print the resulting
// cluster descriptor, and force-clear a stuck robust mutex.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tenstorrent/go-umd/cluster"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "umdctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "umdctl",
		Short:         "Operator tooling for the go-umd user-mode driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newDevicesCmd())
	root.AddCommand(newTopologyCmd())
	root.AddCommand(newLockCmd())

	return root
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List PCIe-attached chips",
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := device.EnumerateDevices()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}

			udevByIndex := make(map[int]device.UdevDeviceInfo)
			for _, u := range device.EnumerateUdev() {
				udevByIndex[u.Index] = u
			}

			for _, idx := range indices {
				kd, err := device.Open(idx)
				if err != nil {
					fmt.Printf("%d\tunavailable: %v\n", idx, err)
					continue
				}

				vendorName, deviceName := device.ResolveDeviceName(kd.Info().VendorID, kd.Info().DeviceID)
				_ = kd.Close()

				busID := ""
				if u, ok := udevByIndex[idx]; ok {
					busID = u.PCIBusID
				}

				fmt.Printf("%d\t%s\t%s\t%s\n", idx, busID, vendorName, deviceName)
			}

			return nil
		},
	}
}

func newTopologyCmd() *cobra.Command {
	var galaxy bool
	var ethFWVersion uint32
	var allowedBoardIDs []string

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Run discovery and print the cluster descriptor as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			boardIDs, err := parseBoardIDs(allowedBoardIDs)
			if err != nil {
				return err
			}

			cl, err := cluster.NewCluster(cluster.Options{
				Galaxy:          galaxy,
				EthFWVersion:    ethFWVersion,
				AllowedBoardIDs: boardIDs,
			})
			if err != nil {
				return fmt.Errorf("build cluster: %w", err)
			}
			defer func() {
				if err := cl.Close(); err != nil {
					ttlog.AddContext(ttlog.Ctx{"component": "umdctl"}).Warn(
						"cluster close reported errors", ttlog.Ctx{"error": err.Error()})
				}
			}()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(cl.Descriptor())
		},
	}

	cmd.Flags().BoolVar(&galaxy, "galaxy", false, "this host is a 6U galaxy enclosure")
	cmd.Flags().Uint32Var(&ethFWVersion, "eth-fw-version", 0, "Ethernet firmware version word (defaults to a recent one)")
	cmd.Flags().StringSliceVar(&allowedBoardIDs, "allowed-board-id", nil, "restrict discovery to these hex board ids (repeatable)")

	return cmd
}

func parseBoardIDs(hexIDs []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(hexIDs))
	for _, s := range hexIDs {
		id, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parse board id %q: %w", s, err)
		}
		ids = append(ids, uint32(id))
	}

	return ids, nil
}

func newLockCmd() *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear robust mutexes",
	}

	lockCmd.AddCommand(newLockClearCmd())

	return lockCmd
}

func newLockClearCmd() *cobra.Command {
	var deviceType string

	cmd := &cobra.Command{
		Use:   "clear <kind> <chip-key>",
		Short: "Force-clear a mutex left held by a crashed process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}

			dt := lock.PCIe
			if deviceType == "jtag" {
				dt = lock.JTAG
			}

			m := lock.NewManager()

			return m.Clear(kind, args[1], dt)
		},
	}

	cmd.Flags().StringVar(&deviceType, "device-type", "pcie", "pcie or jtag")

	return cmd
}

func parseKind(s string) (lock.Kind, error) {
	switch s {
	case "arc_msg":
		return lock.ArcMsg, nil
	case "tt_device_io":
		return lock.TTDeviceIO, nil
	case "non_mmio":
		return lock.NonMMIO, nil
	case "mem_barrier":
		return lock.MemBarrier, nil
	case "create_eth_map":
		return lock.CreateEthMap, nil
	case "pcie_dma":
		return lock.PCIeDMA, nil
	default:
		return 0, fmt.Errorf("unknown mutex kind %q", s)
	}
}
