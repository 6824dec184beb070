// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package framegraph schedules GPU command submission across queues and
// manages a single bindless descriptor table.
//
// # Overview
//
// A [Context] owns one [ResourceManager], one [PipelineManager] and one
// [QueueGraph] per queue kind (graphics and compute) for a device. Work is
// described as [Node] values grouped into submit sets. Each submit set is
// recorded into one of two frame-parity command buffers and submitted with a
// strictly increasing timeline semaphore value, which bounds the number of
// frames in flight to two.
//
// Resources are referenced by integer handles into the global descriptor
// table instead of being bound per dispatch or draw:
//
//	binding 0  storage buffers
//	binding 1  storage images   (same index as binding 2)
//	binding 2  sampled images
//	binding 3  samplers
//	binding 4  acceleration structures
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/framegraph"
//	    _ "github.com/gogpu/framegraph/backend/software"
//	)
//
//	fg, err := framegraph.New(framegraph.WithBackend("software"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fg.Close()
//
//	buf, _ := fg.Resources().CreateBuffer(framegraph.BufferInfo{
//	    Size:  16,
//	    Usage: gpucore.BufferUsageStorage,
//	})
//	_ = fg.Resources().SetBufferLabel("numbers", buf)
//
//	_ = fg.AddNodes(framegraph.QueueCompute, framegraph.Node{
//	    Name: "collatz",
//	    Record: func(r *framegraph.Recorder) error {
//	        if err := r.BindPipeline("collatz"); err != nil {
//	            return err
//	        }
//	        return r.Dispatch(4, 1, 1)
//	    },
//	})
//	_, _ = fg.AddSubmit(framegraph.QueueCompute, framegraph.SubmitInfo{})
//	err = fg.Execute(context.Background())
//
// # Topology
//
// Submit sets within a queue execute in registration order. Nodes within a
// set are ordered by their After edges and otherwise by registration order.
// The first Execute locks every graph; adding nodes afterwards fails with
// [ErrTopology]. Cross-queue ordering exists only where a [SubmitInfo]
// names a [QueueWait].
//
// # Concurrency
//
// Context, ResourceManager and PipelineManager are safe for concurrent use.
// A QueueGraph records on the goroutine that calls Run; nodes must not block.
// The only blocking point on the frame path is the frame-pacing wait.
package framegraph
