// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/gpucore"
)

// Context owns the resource manager, the pipeline manager and one queue
// graph per queue kind for a device.
//
// Context implements io.Closer. Teardown waits for the device to go idle,
// then releases graphs, pipelines, resources and the descriptor table, and
// finally the device if the Context opened it.
type Context struct {
	device  gpucore.Device
	owned   bool
	backend string

	resources *ResourceManager
	pipelines *PipelineManager
	graphs    [gpucore.QueueKindCount]*QueueGraph

	// mu serializes Execute, WaitIdle and Close.
	mu     sync.Mutex
	closed bool
}

// New creates a Context. Without WithDevice it opens a device from the
// backend registry; link a backend in with a blank import:
//
//	import _ "github.com/gogpu/framegraph/backend/software"
func New(opts ...Option) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{device: o.device, backend: "external"}
	if c.device == nil {
		var err error
		if o.backend != "" {
			c.device, err = backend.Open(o.backend)
			c.backend = o.backend
		} else {
			c.device, c.backend, err = backend.OpenDefault()
		}
		if err != nil {
			return nil, fmt.Errorf("framegraph: open device: %w", err)
		}
		c.owned = true
	}
	trackDevice(c.device)

	limits := c.device.Limits()
	maxPush := limits.MaxPushConstantSize
	if o.maxPush > 0 && o.maxPush < maxPush {
		maxPush = o.maxPush
	}

	rm, err := newResourceManager(c.device, o.counts, o.frameTimeout)
	if err != nil {
		c.releaseDevice()
		return nil, err
	}
	c.resources = rm
	c.pipelines = newPipelineManager(c.device, rm.table, maxPush, &o)

	for q := range c.graphs {
		g, err := newQueueGraph(QueueKind(q), c.device, rm, c.pipelines, o.frameTimeout)
		if err != nil {
			c.teardown()
			return nil, err
		}
		g.peers = &c.graphs
		c.graphs[q] = g
	}
	rm.inflight = c.inflight

	Logger().Info("framegraph: context created",
		"backend", c.backend,
		"max_push_constant_size", maxPush,
		"frame_timeout", o.frameTimeout.String())
	return c, nil
}

// inflight lists, per graph, the last timeline value that submitted or
// currently recorded work will signal.
func (c *Context) inflight() []gpucore.SemaphoreWait {
	var marks []gpucore.SemaphoreWait
	for _, g := range c.graphs {
		if g == nil {
			continue
		}
		if v := g.Reserved(); v > 0 {
			marks = append(marks, gpucore.SemaphoreWait{Semaphore: g.Semaphore(), Value: v})
		}
	}
	return marks
}

// Device returns the device the Context schedules on.
func (c *Context) Device() gpucore.Device { return c.device }

// Backend returns the name of the backend the device was opened from, or
// "external" for a device passed with WithDevice.
func (c *Context) Backend() string { return c.backend }

// Resources returns the resource manager.
func (c *Context) Resources() *ResourceManager { return c.resources }

// Pipelines returns the pipeline manager.
func (c *Context) Pipelines() *PipelineManager { return c.pipelines }

// Graph returns the queue graph for q, or nil for an unknown queue.
func (c *Context) Graph(q QueueKind) *QueueGraph {
	if q >= gpucore.QueueKindCount {
		return nil
	}
	return c.graphs[q]
}

func (c *Context) graph(q QueueKind) (*QueueGraph, error) {
	g := c.Graph(q)
	if g == nil {
		return nil, fmt.Errorf("%w: unknown queue %s", ErrConfiguration, q)
	}
	return g, nil
}

// AddNodes appends nodes to the open submit set of queue q.
func (c *Context) AddNodes(q QueueKind, nodes ...Node) error {
	g, err := c.graph(q)
	if err != nil {
		return err
	}
	return g.AddNodes(nodes...)
}

// AddSubmit seals the open submit set of queue q.
func (c *Context) AddSubmit(q QueueKind, info SubmitInfo) (uint32, error) {
	g, err := c.graph(q)
	if err != nil {
		return 0, err
	}
	return g.AddSubmit(info)
}

// AddSurface registers a presentation surface with the graphics graph.
func (c *Context) AddSurface(label SurfaceLabel, s gpucore.Surface) error {
	return c.resources.AddSurface(label, s)
}

// Execute runs one frame: the compute graph, then the graphics graph. An
// error aborts the rest of the frame.
func (c *Context) Execute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, q := range executionOrder {
		if err := c.graphs[q].Run(ctx); err != nil {
			return fmt.Errorf("framegraph: %s graph: %w", q, err)
		}
	}
	c.resources.collect()
	return nil
}

// WaitIdle blocks until the device has retired all submitted work and
// releases every destroyed resource.
func (c *Context) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.waitIdleLocked(ctx)
}

func (c *Context) waitIdleLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.device.WaitIdle(); err != nil {
		return deviceError("wait idle", err)
	}
	c.resources.mu.Lock()
	c.resources.flushLocked()
	c.resources.mu.Unlock()
	return nil
}

// Close waits for the device and releases everything the Context owns.
// Close is best-effort: failures are logged and the first is returned.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.waitIdleLocked(context.Background())
	if err != nil {
		Logger().Warn("framegraph: wait idle during close", "err", err)
	}
	c.teardown()
	return err
}

func (c *Context) teardown() {
	for _, g := range c.graphs {
		if g != nil {
			g.close()
		}
	}
	if c.pipelines != nil {
		c.pipelines.close()
	}
	if c.resources != nil {
		c.resources.close()
	}
	c.releaseDevice()
}

func (c *Context) releaseDevice() {
	untrackDevice(c.device)
	if c.owned {
		c.device.Destroy()
	}
}
