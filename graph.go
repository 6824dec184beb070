// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framegraph/gpucore"
)

// framesInFlight is the depth of the per-set command buffer ring.
const framesInFlight = 2

// graphProgress is what other graphs read to resolve cross-queue waits.
type graphProgress struct {
	sets  int
	frame uint64
}

type submitSet struct {
	nodes []Node
	wait  []QueueWait
	cmds  [framesInFlight]gpucore.CommandBufferID
}

// QueueGraph schedules the work of one queue as an ordered list of submit
// sets.
//
// A graph accepts nodes until its first Run, which locks the topology. Every
// Run records all submit sets, then submits them in order. Submission s of
// frame f signals the graph's timeline semaphore with f*S+s+1, where S is the
// number of submit sets, and waits for f*S+s. Before recording set s of
// frame f >= 2 the graph waits on the host for (f-2)*S+s+1, the completion
// of the last use of that set's command buffer.
type QueueGraph struct {
	queue     QueueKind
	device    gpucore.Device
	resources *ResourceManager
	pipelines *PipelineManager
	timeout   time.Duration
	peers     *[gpucore.QueueKindCount]*QueueGraph

	sem      gpucore.SemaphoreID
	signaled atomic.Uint64
	// reserved is the last value the frame being recorded will signal, or
	// signaled when no frame is being recorded.
	reserved atomic.Uint64
	progress atomic.Pointer[graphProgress]

	mu     sync.Mutex
	sets   []*submitSet
	open   []Node
	names  map[string]bool
	sealed map[string]bool
	frame  uint64
	locked bool
	closed bool
	// err poisons the graph after a failed submission.
	err error
}

func newQueueGraph(queue QueueKind, device gpucore.Device, rm *ResourceManager, pm *PipelineManager, timeout time.Duration) (*QueueGraph, error) {
	sem, err := device.CreateTimelineSemaphore(0)
	if err != nil {
		return nil, deviceError(fmt.Sprintf("create %s timeline", queue), err)
	}
	g := &QueueGraph{
		queue:     queue,
		device:    device,
		resources: rm,
		pipelines: pm,
		timeout:   timeout,
		sem:       sem,
		names:     make(map[string]bool),
		sealed:    make(map[string]bool),
	}
	g.publishLocked()
	return g, nil
}

// publishLocked snapshots the set count and frame for peer graphs.
func (g *QueueGraph) publishLocked() {
	g.progress.Store(&graphProgress{sets: len(g.sets), frame: g.frame})
}

// Queue returns the queue this graph submits to.
func (g *QueueGraph) Queue() QueueKind { return g.queue }

// Semaphore returns the graph's timeline semaphore.
func (g *QueueGraph) Semaphore() gpucore.SemaphoreID { return g.sem }

// Signaled returns the last timeline value the graph submitted a signal for.
func (g *QueueGraph) Signaled() uint64 { return g.signaled.Load() }

// Reserved returns the last timeline value that recorded work may signal.
// While a frame is recorded it is ahead of Signaled.
func (g *QueueGraph) Reserved() uint64 { return g.reserved.Load() }

// Locked reports whether the topology is fixed.
func (g *QueueGraph) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// SubmitCount returns the number of sealed submit sets.
func (g *QueueGraph) SubmitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sets)
}

// Frame returns the number of frames submitted so far.
func (g *QueueGraph) Frame() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frame
}

// AddNodes appends nodes to the open submit set.
func (g *QueueGraph) AddNodes(nodes ...Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if g.locked {
		return fmt.Errorf("%w: %s graph is locked after its first run", ErrTopology, g.queue)
	}

	batch := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Record == nil {
			return fmt.Errorf("%w: node %q has no Record function", ErrConfiguration, n.Name)
		}
		if n.Name == "" {
			continue
		}
		if g.names[n.Name] || batch[n.Name] {
			return fmt.Errorf("%w: duplicate node name %q", ErrTopology, n.Name)
		}
		batch[n.Name] = true
	}
	for name := range batch {
		g.names[name] = true
	}
	g.open = append(g.open, nodes...)
	return nil
}

// AddSubmit seals the open submit set and returns its index. Sets execute
// in the order they are sealed; info adds waits on other queues.
func (g *QueueGraph) AddSubmit(info SubmitInfo) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}
	if g.locked {
		return 0, fmt.Errorf("%w: %s graph is locked after its first run", ErrTopology, g.queue)
	}
	if len(g.open) == 0 {
		return 0, fmt.Errorf("%w: no nodes added to %s submit set %d", ErrConfiguration, g.queue, len(g.sets))
	}
	for _, w := range info.Wait {
		if w.Queue >= gpucore.QueueKindCount {
			return 0, fmt.Errorf("%w: wait on unknown queue %s", ErrConfiguration, w.Queue)
		}
	}
	return g.sealLocked(info)
}

func (g *QueueGraph) sealLocked(info SubmitInfo) (uint32, error) {
	nodes, err := sortNodes(g.open, g.sealed)
	if err != nil {
		return 0, err
	}

	index := uint32(len(g.sets))
	set := &submitSet{nodes: nodes, wait: append([]QueueWait(nil), info.Wait...)}
	for p := range set.cmds {
		cb, err := g.device.AllocateCommandBuffer(g.queue, fmt.Sprintf("%s.set%d.frame%d", g.queue, index, p))
		if err != nil {
			for _, id := range set.cmds[:p] {
				g.device.FreeCommandBuffer(id)
			}
			return 0, deviceError(fmt.Sprintf("allocate %s command buffers", g.queue), err)
		}
		set.cmds[p] = cb
	}

	for _, n := range nodes {
		if n.Name != "" {
			g.sealed[n.Name] = true
		}
	}
	g.sets = append(g.sets, set)
	g.open = nil
	g.publishLocked()
	return index, nil
}

// lockLocked fixes the topology, sealing trailing nodes into a final set.
func (g *QueueGraph) lockLocked() error {
	if len(g.open) > 0 {
		if _, err := g.sealLocked(SubmitInfo{}); err != nil {
			return err
		}
	}
	g.locked = true
	Logger().Info("framegraph: graph locked", "queue", g.queue.String(), "submit_sets", len(g.sets))
	return nil
}

// waitFor resolves a wait on submission submit of this graph's most
// recently submitted frame. It reads a snapshot, so it needs no lock.
func (g *QueueGraph) waitFor(submit uint32) (gpucore.SemaphoreWait, bool, error) {
	p := g.progress.Load()
	if int(submit) >= p.sets {
		return gpucore.SemaphoreWait{}, false, fmt.Errorf("%w: wait on %s submit set %d, graph has %d",
			ErrConfiguration, g.queue, submit, p.sets)
	}
	if p.frame == 0 {
		return gpucore.SemaphoreWait{}, false, nil
	}
	s := uint64(p.sets)
	return gpucore.SemaphoreWait{Semaphore: g.sem, Value: (p.frame-1)*s + uint64(submit) + 1}, true, nil
}

func (g *QueueGraph) resolve(w QueueWait) (gpucore.SemaphoreWait, bool, error) {
	if w.Queue == g.queue {
		return g.waitFor(w.Submit)
	}
	return g.peers[w.Queue].waitFor(w.Submit)
}

// Run records and submits one frame.
//
// All submit sets are recorded before the first is submitted, so an error
// from a node or the pacing wait abandons the frame with nothing submitted
// and leaves the graph usable. A failed submission poisons the graph with
// ErrDeviceLost.
func (g *QueueGraph) Run(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if g.err != nil {
		return g.err
	}
	if !g.locked {
		if err := g.lockLocked(); err != nil {
			return err
		}
	}
	if len(g.sets) == 0 {
		return nil
	}

	var surfaces []surfaceEntry
	if g.queue == QueueGraphics {
		surfaces = g.resources.surfaceList()
	}
	frames := make(map[SurfaceLabel]gpucore.SurfaceFrame, len(surfaces))

	f := g.frame
	s := uint64(len(g.sets))

	// Resources destroyed while the frame is recorded are held until the
	// whole frame retires. If the frame is not fully submitted, only what
	// reached the device can still reference them.
	g.reserved.Store(f*s + s)
	submitted := false
	defer func() {
		if !submitted {
			g.abandonLocked()
		}
	}()

	submits := make([]gpucore.SubmitDesc, len(g.sets))
	for i, set := range g.sets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f >= framesInFlight {
			if err := g.paceLocked((f-framesInFlight)*s + uint64(i) + 1); err != nil {
				return err
			}
		}
		desc, err := g.recordLocked(f, i, set, surfaces, frames)
		if err != nil {
			return err
		}

		if v := f*s + uint64(i); v > 0 {
			desc.Waits = append(desc.Waits, gpucore.SemaphoreWait{Semaphore: g.sem, Value: v})
		}
		for _, w := range set.wait {
			sw, ok, err := g.resolve(w)
			if err != nil {
				return fmt.Errorf("%s submit set %d: %w", g.queue, i, err)
			}
			if ok {
				desc.Waits = append(desc.Waits, sw)
			}
		}
		desc.Signals = append(desc.Signals, gpucore.SemaphoreSignal{Semaphore: g.sem, Value: f*s + uint64(i) + 1})
		submits[i] = desc
	}

	for i := range submits {
		if err := g.device.Submit(g.queue, &submits[i]); err != nil {
			g.err = fmt.Errorf("%w: %s submit set %d of frame %d: %w", ErrDeviceLost, g.queue, i, f, err)
			Logger().Error("framegraph: submission failed", "queue", g.queue.String(), "set", i, "frame", f, "err", err)
			return g.err
		}
		g.signaled.Store(f*s + uint64(i) + 1)
		Logger().Debug("framegraph: submitted",
			"queue", g.queue.String(), "frame", f, "set", i, "signal", f*s+uint64(i)+1, "waits", len(submits[i].Waits))
	}
	g.frame++
	g.publishLocked()
	submitted = true

	var errs []error
	for _, e := range surfaces {
		if _, ok := frames[e.label]; !ok {
			continue
		}
		if err := e.surface.Present(g.queue); err != nil {
			errs = append(errs, deviceError(fmt.Sprintf("present surface %q", e.label), err))
		}
	}
	return errors.Join(errs...)
}

// abandonLocked drops the reservation of a frame that did not reach the
// device in full.
func (g *QueueGraph) abandonLocked() {
	v := g.signaled.Load()
	g.reserved.Store(v)
	g.resources.lowerMarks(g.sem, v)
}

// paceLocked blocks until the timeline reaches target and verifies the
// device actually got there.
func (g *QueueGraph) paceLocked(target uint64) error {
	Logger().Debug("framegraph: pacing wait", "queue", g.queue.String(), "value", target)
	ok, err := g.device.WaitSemaphore(g.sem, target, g.timeout)
	if err != nil {
		return deviceError(fmt.Sprintf("%s pacing wait for %d", g.queue, target), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s timeline did not reach %d within %s", ErrSynchronizationTimeout, g.queue, target, g.timeout)
	}
	v, err := g.device.SemaphoreValue(g.sem)
	if err != nil {
		return deviceError(fmt.Sprintf("%s timeline value", g.queue), err)
	}
	if v < target {
		return fmt.Errorf("%w: %s pacing wait for %d returned at %d", ErrPacingViolation, g.queue, target, v)
	}
	return nil
}

// recordLocked records set i of frame f into its frame-parity command
// buffer.
func (g *QueueGraph) recordLocked(f uint64, i int, set *submitSet, surfaces []surfaceEntry,
	frames map[SurfaceLabel]gpucore.SurfaceFrame) (gpucore.SubmitDesc, error) {
	cb := set.cmds[f%framesInFlight]
	enc, err := g.device.Begin(cb)
	if err != nil {
		return gpucore.SubmitDesc{}, deviceError(fmt.Sprintf("begin %s submit set %d", g.queue, i), err)
	}
	desc := gpucore.SubmitDesc{CommandBuffers: []gpucore.CommandBufferID{cb}}
	table := g.resources.DescriptorTable()
	enc.BindDescriptorTable(table, gpucore.BindPointCompute)
	if g.queue == QueueGraphics {
		enc.BindDescriptorTable(table, gpucore.BindPointGraphics)
	}

	// fail ends the encoder so the command buffer can be begun again next
	// frame; the recording is discarded by never submitting it.
	fail := func(err error) (gpucore.SubmitDesc, error) {
		if endErr := enc.End(); endErr != nil {
			Logger().Debug("framegraph: end after failed recording", "err", endErr)
		}
		return gpucore.SubmitDesc{}, err
	}

	if i == 0 {
		for _, e := range surfaces {
			fr, err := e.surface.Acquire(g.timeout)
			if err != nil {
				return fail(deviceError(fmt.Sprintf("acquire surface %q", e.label), err))
			}
			frames[e.label] = fr
			enc.Barrier([]gpucore.ImageBarrier{fr.Barrier})
			desc.Waits = append(desc.Waits, gpucore.SemaphoreWait{Semaphore: fr.Acquire})
		}
	}

	rec := &Recorder{
		enc:       enc,
		queue:     g.queue,
		frame:     f,
		maxPush:   g.pipelines.MaxPushConstantSize(),
		resources: g.resources,
		pipelines: g.pipelines,
		surfaces:  frames,
	}
	for _, n := range set.nodes {
		if err := n.Record(rec); err != nil {
			return fail(fmt.Errorf("%s submit set %d node %q: %w", g.queue, i, n.Name, err))
		}
	}
	if rec.rendering {
		return fail(fmt.Errorf("%w: %s submit set %d left a rendering scope open", ErrConfiguration, g.queue, i))
	}

	if i == len(g.sets)-1 && len(frames) > 0 {
		barriers := make([]gpucore.ImageBarrier, 0, len(frames))
		for _, e := range surfaces {
			fr, ok := frames[e.label]
			if !ok {
				continue
			}
			barriers = append(barriers, gpucore.ImageBarrier{
				Image:     fr.Image,
				OldLayout: gpucore.LayoutGeneral,
				NewLayout: gpucore.LayoutPresentSrc,
			})
			desc.Signals = append(desc.Signals, gpucore.SemaphoreSignal{Semaphore: fr.Submit})
		}
		enc.Barrier(barriers)
	}

	if err := enc.End(); err != nil {
		return gpucore.SubmitDesc{}, deviceError(fmt.Sprintf("record %s submit set %d", g.queue, i), err)
	}
	return desc, nil
}

// close releases the graph's command buffers and timeline. The device must
// be idle.
func (g *QueueGraph) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, set := range g.sets {
		for _, cb := range set.cmds {
			g.device.FreeCommandBuffer(cb)
		}
	}
	g.sets = nil
	g.publishLocked()
	g.device.DestroySemaphore(g.sem)
}
