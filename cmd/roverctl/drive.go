package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/protocol"
)

func driveCmd() *cobra.Command {
	var (
		address  string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "drive <F|B|L|R|U|D>",
		Short: "Drive in one direction for a while, then stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, ok := protocol.ParseDirection(strings.ToUpper(args[0]))
			if !ok || !dir.IsMotion() {
				return fmt.Errorf("unknown direction %q", args[0])
			}

			e, _, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			ctx := cmd.Context()
			if _, err := connectRover(ctx, e, address); err != nil {
				return err
			}
			if err := e.StartKeepAlive(ctx, dir.String(), cfg.KeepAliveInterval); err != nil {
				return err
			}
			info("driving %s for %v", dir, duration)

			select {
			case <-time.After(duration):
			case <-ctx.Done():
			}
			if err := e.StopKeepAlive(context.Background()); err != nil {
				return err
			}
			success("stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "connect to this address instead of scanning")
	cmd.Flags().DurationVar(&duration, "for", 2*time.Second, "how long to drive")
	return cmd
}
