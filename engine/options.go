package engine

import (
	"time"

	"github.com/user/rover-link/link"
	"github.com/user/rover-link/metrics"
	"github.com/user/rover-link/mission"
)

type options struct {
	linkOpts        []link.Option
	missionOpts     []mission.Option
	transferTimeout time.Duration
	metrics         *metrics.Metrics
}

// Option configures an Engine
type Option func(*options)

// WithLinkOptions passes options to the connection manager
func WithLinkOptions(opts ...link.Option) Option {
	return func(o *options) { o.linkOpts = append(o.linkOpts, opts...) }
}

// WithMissionOptions passes options to the mission runner
func WithMissionOptions(opts ...mission.Option) Option {
	return func(o *options) { o.missionOpts = append(o.missionOpts, opts...) }
}

// WithTransferTimeout sets the photo inactivity timeout
func WithTransferTimeout(d time.Duration) Option {
	return func(o *options) { o.transferTimeout = d }
}

// WithMetrics records engine activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
