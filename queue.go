// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import "github.com/gogpu/framegraph/gpucore"

// QueueKind identifies a hardware queue. Each kind has its own QueueGraph.
type QueueKind = gpucore.QueueKind

// Queue kinds.
const (
	QueueGraphics = gpucore.QueueGraphics
	QueueCompute  = gpucore.QueueCompute
)

// executionOrder is the order Context.Execute runs the graphs in: compute
// produces data graphics consumes within one frame.
var executionOrder = [...]QueueKind{QueueCompute, QueueGraphics}

// QueueWait makes a submit set wait for submission Submit of the most
// recently submitted frame of another queue's graph. If that graph has not
// run yet there is nothing to wait for and the wait is skipped.
type QueueWait struct {
	Queue  QueueKind
	Submit uint32
}

// SubmitInfo configures the submit set sealed by AddSubmit.
type SubmitInfo struct {
	// Wait gates the GPU execution of the set, not its recording.
	Wait []QueueWait
}
