package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/user/rover-link/bridge"
	"github.com/user/rover-link/console"
	"github.com/user/rover-link/gallery"
	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/metrics"
)

func serveCmd() *cobra.Command {
	var (
		address   string
		roverID   string
		autoDial  bool
		pollEvery time.Duration
		syncEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator console, optionally bridged to NATS and Redis",
		Long: `serve keeps one rover link open behind an HTTP console (REST plus a
websocket event feed and Prometheus metrics). With --nats or --redis set the
session is mirrored onto them and commands are accepted from NATS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			m := metrics.New(metrics.WithRegistry(reg), metrics.WithConstLabels(prometheus.Labels{"controller": controllerID}))
			e, store, err := openEngine(m)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			b, closeBridge, err := openBridge(roverID, e)
			if err != nil {
				return err
			}
			defer closeBridge()
			if b != nil {
				if err := b.Start(); err != nil {
					return err
				}
				events, _ := e.Subscribe(256)
				go b.Run(ctx, events)
				defer b.Stop(context.Background())
			}

			if autoDial {
				if _, err := connectRover(ctx, e, address); err != nil {
					logger.Warn("serve", "⚠️  auto-connect failed: %v", err)
				}
			}
			if pollEvery > 0 {
				go e.Telemetry().Poll(ctx, e, pollEvery)
			}
			if syncEvery > 0 && cfg.S3Bucket != "" {
				go syncLoop(ctx, store, syncEvery)
			}

			srv := console.New(e, console.WithGallery(store), console.WithGatherer(reg))
			return srv.ListenAndServe(ctx, cfg.HTTPAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "console listen address")
	flags.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL; empty disables the event bridge")
	flags.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL; empty disables the session registry")
	flags.StringVar(&roverID, "rover-id", "rover", "id used in NATS subjects and Redis keys")
	flags.StringVar(&address, "address", "", "rover to connect to at startup (scans when empty)")
	flags.BoolVar(&autoDial, "connect", false, "connect to a rover at startup")
	flags.DurationVar(&pollEvery, "poll", 0, "request a sensor reading this often (0 disables)")
	flags.DurationVar(&syncEvery, "sync-every", 0, "upload new photos to S3 this often (0 disables)")
	return cmd
}

// openBridge connects to whichever of NATS and Redis is configured. It
// returns a nil bridge when neither is.
func openBridge(roverID string, ctrl bridge.Controller) (*bridge.Bridge, func(), error) {
	opts := []bridge.Option{bridge.WithController(ctrl)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("roverctl-"+roverID),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("bridge", "⚠️  NATS disconnected: %v", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("bridge", "🔁 NATS reconnected to %s", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect NATS: %w", err)
		}
		closers = append(closers, nc.Close)
		opts = append(opts, bridge.WithNATS(nc))
		logger.Info("bridge", "📡 NATS connected to %s", nc.ConnectedUrl())
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			ropts = &redis.Options{Addr: cfg.RedisURL}
		}
		rdb := redis.NewClient(ropts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			closeAll()
			return nil, func() {}, fmt.Errorf("connect Redis: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		opts = append(opts, bridge.WithRedis(rdb))
		logger.Info("bridge", "🗄️  Redis connected to %s", ropts.Addr)
	}

	if len(closers) == 0 {
		return nil, func() {}, nil
	}
	return bridge.New(roverID, opts...), closeAll, nil
}

func syncLoop(ctx context.Context, store *gallery.FileStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := syncGallery(ctx, store); err != nil {
				logger.Warn("serve", "S3 sync: %v", err)
			}
		}
	}
}
