package lattice

import (
	"github.com/rs/zerolog"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/fileset"
)

// options configures Open, following hazyhaar-GoClode's NewEngine(dbPath
// string) convention extended with functional options for the parts of
// the engine an embedder typically wants to override.
type options struct {
	logger      zerolog.Logger
	hasLogger   bool
	logPath     string
	debug       bool
	nodeID      string
	retry       core.RetryPolicy
	hasRetry    bool
	busyTimeout int
	fileRepo    *fileset.Repository
}

// Option configures a Database at Open time.
type Option func(*options)

// WithLogger overrides the engine's structured logger entirely, bypassing
// WithLogPath/WithDebug.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l; o.hasLogger = true }
}

// WithLogPath rotates the engine's structured log through the given file
// instead of writing console output (spec §7).
func WithLogPath(path string) Option {
	return func(o *options) { o.logPath = path }
}

// WithDebug raises the engine's log level to debug.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithNodeID pins the HLC node id instead of loading/generating one from
// __settings. Mainly for deterministic tests.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithRetryPolicy overrides the DatabaseLocked retry budget.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return func(o *options) { o.retry = p; o.hasRetry = true }
}

// WithBusyTimeoutMillis sets SQLite's own busy_timeout pragma.
func WithBusyTimeoutMillis(ms int) Option {
	return func(o *options) { o.busyTimeout = ms }
}

// WithFileRepository supplies the fileset blob repository (filesystem- or
// memory-backed). Defaults to an in-memory repository when not given.
func WithFileRepository(repo *fileset.Repository) Option {
	return func(o *options) { o.fileRepo = repo }
}

func buildOptions(opts ...Option) options {
	o := options{
		busyTimeout: 5000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fileRepo == nil {
		repoLogger := o.logger
		if !o.hasLogger {
			repoLogger = zerolog.Nop()
		}
		o.fileRepo = fileset.NewMemoryRepository(repoLogger)
	}
	return o
}
