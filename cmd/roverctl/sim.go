package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/rover"
)

func simCmd() *cobra.Command {
	var (
		rc         rover.Config
		photoBytes int
		photoPath  string
	)

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated rover on the socket radio",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc.DataDir = cfg.DataDir
			if rc.Name == "" {
				rc.Name = cfg.DevicePrefix + rc.ID
			}
			if photoPath != "" {
				data, err := os.ReadFile(photoPath)
				if err != nil {
					return err
				}
				rc.Photo = data
			} else {
				rc.Photo = rover.SyntheticJPEG(photoBytes, time.Now().UnixNano())
			}

			r := rover.New(rc)
			if err := r.Start(); err != nil {
				return err
			}
			defer r.Stop()
			success("rover %s advertising as %s", rc.ID, rc.Name)
			info("data dir: %s", rc.DataDir)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&rc.ID, "id", "r1", "rover address on the socket radio")
	flags.StringVar(&rc.Name, "name", "", "advertised name (prefix plus id when empty)")
	flags.IntVar(&photoBytes, "photo-bytes", 12000, "size of the synthetic photo")
	flags.StringVar(&photoPath, "photo", "", "serve this JPEG instead of a synthetic one")
	flags.IntVar(&rc.ChunkSize, "chunk", 0, "payload bytes per chunk (0 fills the MTU)")
	flags.DurationVar(&rc.ChunkDelay, "chunk-delay", 2*time.Millisecond, "pause between chunks")
	flags.BoolVar(&rc.OneBasedLastChunk, "one-based-last", false, "number the final chunk one past its slot")
	flags.Float64Var(&rc.Temperature, "temp", 21.5, "reported temperature")
	flags.Float64Var(&rc.Humidity, "humidity", 48, "reported humidity")
	return cmd
}
