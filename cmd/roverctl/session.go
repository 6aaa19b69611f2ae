package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/user/rover-link/engine"
	"github.com/user/rover-link/gallery"
	"github.com/user/rover-link/link"
	"github.com/user/rover-link/metrics"
	"github.com/user/rover-link/wire"
)

// controllerID is this process's address on the simulated radio
var controllerID = "roverctl-" + uuid.NewString()[:8]

func openEngine(m *metrics.Metrics) (*engine.Engine, *gallery.FileStore, error) {
	store, err := gallery.Open(cfg.GalleryDir())
	if err != nil {
		return nil, nil, err
	}
	radio := wire.NewSocketRadio(controllerID, cfg.DataDir)
	opts := []engine.Option{
		engine.WithLinkOptions(link.WithScanWindow(cfg.ScanWindow)),
		engine.WithTransferTimeout(cfg.TransferTimeout),
	}
	if m != nil {
		opts = append(opts, engine.WithMetrics(m))
	}
	return engine.New(radio, store, opts...), store, nil
}

// findRover returns the rover at address, or the first one advertising
// the configured prefix
func findRover(ctx context.Context, e *engine.Engine, address string) (link.Device, error) {
	if address != "" {
		return link.Device{Address: address, Name: address}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var first *link.Device
	_, err := e.Scan(ctx, link.ScanFilter{NamePrefix: cfg.DevicePrefix}, func(d link.Device) {
		if first == nil {
			dev := d
			first = &dev
			cancel()
		}
	})
	if first != nil {
		return *first, nil
	}
	if err != nil {
		return link.Device{}, err
	}
	return link.Device{}, fmt.Errorf("no rover named %s* found in %v", cfg.DevicePrefix, cfg.ScanWindow)
}

// connectRover finds and connects in one step
func connectRover(ctx context.Context, e *engine.Engine, address string) (link.Device, error) {
	dev, err := findRover(ctx, e, address)
	if err != nil {
		return dev, err
	}
	if err := e.Connect(ctx, dev); err != nil {
		return dev, err
	}
	fmt.Fprintf(os.Stderr, "connected to %s (%s)\n", dev.Name, dev.Address)
	return dev, nil
}
