package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/gallery"
)

func photosCmd() *cobra.Command {
	var (
		mission string
		sync    bool
	)

	cmd := &cobra.Command{
		Use:   "photos",
		Short: "List the gallery",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := gallery.Open(cfg.GalleryDir())
			if err != nil {
				return err
			}
			for _, r := range store.List(mission) {
				synced := " "
				if r.Synced {
					synced = "☁"
				}
				fmt.Printf("%s %s  %-40s %7d  %s\n", synced, r.ID[:8], r.Filename, r.Size, r.MissionID)
			}
			if sync {
				return syncGallery(cmd.Context(), store)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mission, "mission", "", "only photos from this mission")
	cmd.Flags().BoolVar(&sync, "sync", false, "upload unsynced photos to S3")
	return cmd
}
