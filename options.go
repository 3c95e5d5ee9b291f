// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// Defaults applied by New.
const (
	// DefaultPoolSize is the default number of worker-pool slots.
	DefaultPoolSize = 4

	// DefaultPollTimeout is the maximum suspension duration in the Poll
	// phase before timers and termination conditions are re-checked.
	DefaultPollTimeout = 10 * time.Second
)

// CompletionTarget selects which priority queue a worker-pool completion
// callback drains into.
type CompletionTarget uint8

const (
	// CompletionImmediate delivers worker completions via the Immediate
	// queue (the default).
	CompletionImmediate CompletionTarget = iota
	// CompletionMicrotask delivers worker completions via the Microtask
	// queue.
	CompletionMicrotask
)

// String returns the target name.
func (t CompletionTarget) String() string {
	switch t {
	case CompletionImmediate:
		return "Immediate"
	case CompletionMicrotask:
		return "Microtask"
	default:
		return "Unknown"
	}
}

// FaultObserver receives every fault exactly once. It is invoked on the
// goroutine that detected the fault (the loop goroutine for callback and
// scheduling faults, a pool slot for worker faults) and must not block.
type FaultObserver func(Fault)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	poolSize         int
	pollTimeout      time.Duration
	completionTarget CompletionTarget
	observer         FaultObserver
	logger           *logiface.Logger[logiface.Event]
	metricsEnabled   bool
}

// Option configures a Loop instance.
type Option interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements Option.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithPoolSize sets the fixed number of worker-pool slots.
// Must be positive; defaults to DefaultPoolSize.
func WithPoolSize(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("phaseloop: pool size must be positive, got %d", n)
		}
		opts.poolSize = n
		return nil
	}}
}

// WithPollTimeout bounds how long the loop may suspend in the Poll phase
// before re-checking timers. Must be positive; defaults to
// DefaultPollTimeout. The actual wait is always capped by the earliest
// pending timer deadline.
func WithPollTimeout(d time.Duration) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return fmt.Errorf("phaseloop: poll timeout must be positive, got %v", d)
		}
		opts.pollTimeout = d
		return nil
	}}
}

// WithCompletionTarget sets the default priority queue for worker-pool
// completion callbacks. Defaults to CompletionImmediate.
func WithCompletionTarget(target CompletionTarget) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if target != CompletionImmediate && target != CompletionMicrotask {
			return fmt.Errorf("phaseloop: invalid completion target %d", target)
		}
		opts.completionTarget = target
		return nil
	}}
}

// WithFaultObserver sets the hook that receives every fault exactly once.
// When unset, faults are still logged via the configured logger.
func WithFaultObserver(observer FaultObserver) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.observer = observer
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
// This adds minimal overhead (record latency after each callback, update
// counters); leave disabled for zero-allocation hot paths.
func WithMetrics(enabled bool) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// resolveLoopOptions applies Option instances to loopOptions.
func resolveLoopOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{
		poolSize:         DefaultPoolSize,
		pollTimeout:      DefaultPollTimeout,
		completionTarget: CompletionImmediate,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
