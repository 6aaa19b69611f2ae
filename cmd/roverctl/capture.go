package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/gallery"
)

func captureCmd() *cobra.Command {
	var (
		address string
		count   int
		sync    bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take photos and save them to the gallery",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, store, err := openEngine(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer e.Close(context.Background())

			if _, err := connectRover(ctx, e, address); err != nil {
				return err
			}

			for i := 0; i < count; i++ {
				waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				res, err := e.CaptureAndWait(waitCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("photo %d: %w", i+1, err)
				}
				rec, _ := store.Get(res.Handle)
				success("saved %s (%d bytes)", rec.Filename, rec.Size)
				if res.Warning != nil {
					info("warning: %v", res.Warning)
				}
			}

			if sync {
				return syncGallery(ctx, store)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "connect to this address instead of scanning")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of photos")
	cmd.Flags().BoolVar(&sync, "sync", false, "upload unsynced photos to S3 afterwards")
	return cmd
}

func syncGallery(ctx context.Context, store *gallery.FileStore) error {
	if cfg.S3Bucket == "" {
		return fmt.Errorf("ROVERLINK_S3_BUCKET is not set")
	}
	client := gallery.NewS3Client(gallery.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	n, err := gallery.NewS3Syncer(client, cfg.S3Bucket, store).SyncAll(ctx)
	if n > 0 {
		success("uploaded %d photo(s) to s3://%s", n, cfg.S3Bucket)
	}
	return err
}
