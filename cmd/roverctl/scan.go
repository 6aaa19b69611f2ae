package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/link"
)

func scanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List rovers in range",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())

			filter := link.ScanFilter{NamePrefix: cfg.DevicePrefix, IncludeAll: all}
			devices, err := e.Scan(cmd.Context(), filter, func(d link.Device) {
				fmt.Printf("%-24s %-20s %4d dBm\n", d.Name, d.Address, d.RSSI)
			})
			if err != nil {
				return err
			}
			success("%d device(s) found", len(devices))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list every advertiser, not just rovers")
	return cmd
}
