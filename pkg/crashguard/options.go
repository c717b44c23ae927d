package crashguard

import (
	"io"

	"github.com/rs/zerolog"
)

type options struct {
	logger      *zerolog.Logger
	exit        func(int)
	getenv      func(string) string
	launcher    Launcher
	snapshots   SnapshotProvider
	metricsDump io.Writer
}

// Option customises a Handler
type Option func(*options)

// WithLogger replaces the global zerolog logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithExitFunc replaces os.Exit at the end of the supervisor loop
func WithExitFunc(fn func(code int)) Option {
	return func(o *options) { o.exit = fn }
}

// WithGetenv replaces os.Getenv when the guarded instance reads its spawn
// context
func WithGetenv(fn func(string) string) Option {
	return func(o *options) { o.getenv = fn }
}

// WithLauncher replaces re-execution of the running binary
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSnapshotProvider overrides snapshot.provider from the config
func WithSnapshotProvider(p SnapshotProvider) Option {
	return func(o *options) { o.snapshots = p }
}

// WithMetricsDump writes the supervisor's metrics in Prometheus text format
// to w when the supervisor stops
func WithMetricsDump(w io.Writer) Option {
	return func(o *options) { o.metricsDump = w }
}
