package manifold

import (
	"log/slog"
	"time"

	"github.com/Felmond13/manifold/cf"
)

// Option configures Open. Options are applied in order, each mutating the
// Config that Open ultimately passes to the column-family coordinator.
type Option func(*cf.Config)

// WithPoolSize bounds how many open file descriptors the shared handle pool
// keeps around for this database. Rarely needed: a Manifold database is a
// single shared file, and every column family reads and writes it through
// one shared descriptor.
func WithPoolSize(n int) Option {
	return func(c *cf.Config) { c.MaxOpenHandles = n }
}

// WithCheckpointInterval sets how often the background checkpointer flushes
// every column family and truncates the shared WAL.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *cf.Config) { c.CheckpointEvery = d }
}

// WithoutWAL disables the shared write-ahead log entirely. An Immediate
// commit then persists directly to its own column family's file, and a None
// commit updates only the in-memory header, so a crash before a later
// Immediate commit on the same column family loses it; there is no
// group-commit sharing across column families, and there is nothing to
// recover from a crash beyond each CF's own last durable commit.
func WithoutWAL() Option {
	return func(c *cf.Config) { c.DisableWAL = true }
}

// WithCacheBudget sets the total byte budgets for the column families' read
// caches and dirty write buffers. Each column family, when first opened, gets
// the totals divided by the number of column families open at that moment
// (itself included); budgets already handed out are not resized.
func WithCacheBudget(readBudget, writeBudget int) Option {
	return func(c *cf.Config) {
		c.ReadCacheBudget = readBudget
		c.WriteCacheBudget = writeBudget
	}
}

// WithInitialCFSize sets how many bytes a newly created column family is
// pre-allocated with, before its first auto-expansion.
func WithInitialCFSize(n int64) Option {
	return func(c *cf.Config) { c.InitialCFSize = n }
}

// WithLogger sets the structured logger every layer of the database logs
// through. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *cf.Config) { c.Logger = logger }
}
