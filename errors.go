// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"errors"
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
)

// Errors returned by framegraph. Call sites wrap them with context, so test
// with errors.Is.
var (
	// ErrConfiguration reports a caller error: invalid label rebinding, a
	// zero-sized resource, an empty submit set, an oversized push constant.
	ErrConfiguration = errors.New("framegraph: configuration error")

	// ErrAllocation reports exhausted device memory or descriptor slots.
	ErrAllocation = errors.New("framegraph: allocation failed")

	// ErrSynchronizationTimeout reports a semaphore wait that exceeded its
	// bound. With the default unbounded timeout this means a hung device.
	ErrSynchronizationTimeout = errors.New("framegraph: synchronization timeout")

	// ErrPacingViolation reports a frame-pacing wait that returned before the
	// semaphore reached the required value.
	ErrPacingViolation = errors.New("framegraph: frame pacing violation")

	// ErrTopology reports a mutation of a locked graph or an invalid node
	// dependency.
	ErrTopology = errors.New("framegraph: topology error")

	// ErrUnsupported reports a feature the device or this package does not
	// implement.
	ErrUnsupported = errors.New("framegraph: unsupported")

	// ErrDeviceLost reports a failed submission. The graph that observed it
	// refuses further work.
	ErrDeviceLost = errors.New("framegraph: device lost")

	// ErrNotFound reports an unknown label or a stale handle.
	ErrNotFound = errors.New("framegraph: not found")

	// ErrClosed reports use of a closed Context.
	ErrClosed = errors.New("framegraph: closed")
)

// deviceError maps a backend error onto the package taxonomy while keeping
// the original error in the chain.
func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gpucore.ErrOutOfMemory):
		return fmt.Errorf("%w: %s: %w", ErrAllocation, op, err)
	case errors.Is(err, gpucore.ErrUnsupported):
		return fmt.Errorf("%w: %s: %w", ErrUnsupported, op, err)
	case errors.Is(err, gpucore.ErrDeviceLost):
		return fmt.Errorf("%w: %s: %w", ErrDeviceLost, op, err)
	}
	return fmt.Errorf("framegraph: %s: %w", op, err)
}
