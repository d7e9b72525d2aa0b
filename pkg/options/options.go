// Package options provides functional-options configuration for
// opening an Index, covering the tiered merge policy and scheduler
// tunables alongside the basics.
package options

import "go.uber.org/zap"

// Options holds every tunable of an Index. Unset fields are filled in
// by NewDefault.
type Options struct {
	// Create, when true, initializes a fresh index directory if one
	// does not already exist; otherwise Open fails with IndexNotFound.
	Create bool

	// MinSegmentSize is the item count a memory segment must reach
	// before it is eligible for checkpointing to disk.
	MinSegmentSize int

	// MaxSegmentSize caps the item count a single segment is allowed
	// to grow to via merging.
	MaxSegmentSize int

	// SegmentsPerLevel is the tiered merge policy's fan-out factor.
	SegmentsPerLevel int

	// SegmentsPerMerge bounds how many contiguous segments a single
	// merge operation may consume.
	SegmentsPerMerge int

	// MaxSegments is the hard cap on segment count per tier before the
	// policy is forced to merge regardless of size balance.
	MaxSegments int

	// BlockSize is the on-disk codec's target block size in bytes.
	BlockSize uint16

	// SchedulerWorkers sizes the background job scheduler's worker
	// pool.
	SchedulerWorkers int

	// Logger receives structured logs from the engine and its
	// background workers. Defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// Option mutates an Options value being built up by NewDefault + Open.
type Option func(*Options)

// NewDefault returns the baseline configuration used when no Options
// are supplied.
func NewDefault() Options {
	return Options{
		Create:           false,
		MinSegmentSize:   65536,
		MaxSegmentSize:   64 * 1024 * 1024,
		SegmentsPerLevel: 10,
		SegmentsPerMerge: 10,
		MaxSegments:      64,
		BlockSize:        4096,
		SchedulerWorkers: 3,
		Logger:           zap.NewNop().Sugar(),
	}
}

// WithCreate toggles directory creation on Open.
func WithCreate(create bool) Option {
	return func(o *Options) { o.Create = create }
}

// WithMinSegmentSize sets the checkpoint-eligibility threshold.
func WithMinSegmentSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MinSegmentSize = n
		}
	}
}

// WithMaxSegmentSize sets the tiered merge policy's segment size cap.
func WithMaxSegmentSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxSegmentSize = n
		}
	}
}

// WithSegmentsPerLevel sets the tiered merge policy's fan-out.
func WithSegmentsPerLevel(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SegmentsPerLevel = n
		}
	}
}

// WithSegmentsPerMerge bounds the number of sources a single merge may
// consume.
func WithSegmentsPerMerge(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SegmentsPerMerge = n
		}
	}
}

// WithMaxSegments sets the hard cap on segment count per tier.
func WithMaxSegments(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxSegments = n
		}
	}
}

// WithBlockSize sets the on-disk codec's target block size in bytes.
func WithBlockSize(n uint16) Option {
	return func(o *Options) {
		if n > 0 {
			o.BlockSize = n
		}
	}
}

// WithSchedulerWorkers sizes the background job scheduler's worker
// pool.
func WithSchedulerWorkers(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SchedulerWorkers = n
		}
	}
}

// WithLogger installs a structured logger for the engine and its
// background workers.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Options) {
		if log != nil {
			o.Logger = log
		}
	}
}

// Apply builds an Options value from defaults plus the given Option
// overrides, in order.
func Apply(opts ...Option) Options {
	o := NewDefault()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
