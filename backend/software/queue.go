// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
)

// Submission is the device's record of one Submit call.
type Submission struct {
	Seq            int
	Queue          gpucore.QueueKind
	CommandBuffers []gpucore.CommandBufferID
	// Commands holds a snapshot of each command buffer at submit time.
	Commands [][]Command
	Waits    []gpucore.SemaphoreWait
	Signals  []gpucore.SemaphoreSignal
}

type submission struct {
	Submission
	cbs []*commandBuffer
}

type pendingPresent struct {
	wait  gpucore.SemaphoreWait
	image gpucore.ImageID
	done  func()
}

// Submit implements gpucore.Device.
func (d *Device) Submit(queue gpucore.QueueKind, desc *gpucore.SubmitDesc) error {
	if queue >= gpucore.QueueKindCount {
		return fmt.Errorf("software: submit: unknown queue %s", queue)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return fmt.Errorf("software: submit: %w", gpucore.ErrDeviceLost)
	}

	sub := &submission{Submission: Submission{
		Seq:            d.seq,
		Queue:          queue,
		CommandBuffers: append([]gpucore.CommandBufferID(nil), desc.CommandBuffers...),
		Waits:          append([]gpucore.SemaphoreWait(nil), desc.Waits...),
		Signals:        append([]gpucore.SemaphoreSignal(nil), desc.Signals...),
	}}
	for _, id := range desc.CommandBuffers {
		cb, ok := d.cmds[id]
		if !ok {
			return fmt.Errorf("software: submit: command buffer %d: %w", id, gpucore.ErrInvalidID)
		}
		if cb.state != cbExecutable {
			return fmt.Errorf("software: submit: command buffer %q is not executable", cb.label)
		}
		if cb.queue != queue {
			return fmt.Errorf("software: submit: command buffer %q belongs to the %s queue, not %s", cb.label, cb.queue, queue)
		}
		sub.cbs = append(sub.cbs, cb)
		sub.Commands = append(sub.Commands, append([]Command(nil), cb.commands...))
	}
	for _, w := range desc.Waits {
		if _, ok := d.semaphores[w.Semaphore]; !ok {
			return fmt.Errorf("software: submit: wait semaphore %d: %w", w.Semaphore, gpucore.ErrInvalidID)
		}
	}
	for _, sig := range desc.Signals {
		s, ok := d.semaphores[sig.Semaphore]
		if !ok {
			return fmt.Errorf("software: submit: signal semaphore %d: %w", sig.Semaphore, gpucore.ErrInvalidID)
		}
		if s.timeline {
			if sig.Value <= s.submitted {
				d.invalid("timeline %d: submission %d signals %d, not above previously submitted %d",
					sig.Semaphore, d.seq, sig.Value, s.submitted)
			} else {
				s.submitted = sig.Value
			}
		}
	}

	for _, cb := range sub.cbs {
		cb.pending++
	}
	d.seq++
	d.log = append(d.log, sub.Submission)
	d.pending[queue] = append(d.pending[queue], sub)

	slogger().Debug("software: submit",
		"queue", queue.String(),
		"seq", sub.Seq,
		"command_buffers", len(sub.cbs),
		"waits", len(sub.Waits),
		"signals", len(sub.Signals))

	if !d.cfg.manualRetire {
		d.process(-1)
	}
	return nil
}

// Submissions returns every submission seen, in submit order.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.log...)
}

// Pending returns the number of submissions not yet executed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for q := range d.pending {
		n += len(d.pending[q])
	}
	return n
}

// Retire executes up to n pending submissions whose waits are satisfied,
// in queue order, and returns how many ran.
func (d *Device) Retire(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.process(n)
}

// RetireAll executes every pending submission that can run.
func (d *Device) RetireAll() int {
	return d.Retire(-1)
}

// process runs ready submissions until none can progress or budget is
// exhausted; a negative budget is unlimited. Caller holds d.mu.
func (d *Device) process(budget int) int {
	ran := 0
	for budget != 0 {
		progressed := false
		for q := range d.pending {
			if budget == 0 || len(d.pending[q]) == 0 {
				continue
			}
			head := d.pending[q][0]
			if !d.ready(head) {
				continue
			}
			d.pending[q] = d.pending[q][1:]
			d.execute(head)
			ran++
			budget--
			progressed = true
		}
		d.flushPresents()
		if !progressed {
			break
		}
	}
	if ran > 0 {
		d.cond.Broadcast()
	}
	return ran
}

func (d *Device) ready(s *submission) bool {
	for _, w := range s.Waits {
		if !d.satisfied(w) {
			return false
		}
	}
	return true
}

func (d *Device) unref(s *submission) {
	for _, cb := range s.cbs {
		cb.pending--
	}
}

// execute runs one submission. Caller holds d.mu.
func (d *Device) execute(s *submission) {
	for _, w := range s.Waits {
		d.consume(w)
	}
	for i, cmds := range s.Commands {
		d.run(s.cbs[i].label, cmds)
	}
	for _, sig := range s.Signals {
		d.signal(sig)
	}
	d.unref(s)
}

// flushPresents completes presentations whose submit semaphore fired.
func (d *Device) flushPresents() {
	kept := d.presents[:0]
	for _, p := range d.presents {
		if !d.satisfied(p.wait) {
			kept = append(kept, p)
			continue
		}
		d.consume(p.wait)
		if img, ok := d.images[p.image]; ok && img.layout != gpucore.LayoutPresentSrc {
			d.invalid("present of image %d in layout %s", p.image, img.layout)
		}
		if p.done != nil {
			p.done()
		}
	}
	d.presents = kept
}

type execState struct {
	tables    [3]*table
	pipelines [3]*pipeline
	push      []byte
	rendering bool
}

// run executes recorded commands. Caller holds d.mu.
func (d *Device) run(label string, cmds []Command) {
	var st execState
	for _, c := range cmds {
		switch c.Op {
		case OpBindDescriptorTable:
			t, ok := d.tables[c.Table]
			if !ok {
				d.invalid("%s: bind of destroyed descriptor table %d", label, c.Table)
				continue
			}
			st.tables[c.Point] = t
		case OpBindPipeline:
			p, ok := d.pipelines[c.Pipeline]
			if !ok {
				d.invalid("%s: bind of destroyed pipeline %d", label, c.Pipeline)
				continue
			}
			if p.point != c.Point {
				d.invalid("%s: %s pipeline bound at %s", label, p.point, c.Point)
				continue
			}
			st.pipelines[c.Point] = p
		case OpPushConstants:
			st.push = c.Data
		case OpDispatch:
			d.dispatch(label, &st, c.Args)
		case OpBarrier:
			for _, b := range c.Barriers {
				img, ok := d.images[b.Image]
				if !ok {
					d.invalid("%s: barrier on destroyed image %d", label, b.Image)
					continue
				}
				if b.OldLayout != gpucore.LayoutUndefined && img.layout != b.OldLayout {
					d.invalid("%s: barrier expects image %d in %s, found %s", label, b.Image, b.OldLayout, img.layout)
				}
				img.layout = b.NewLayout
			}
		case OpBeginRendering:
			st.rendering = true
			for _, a := range c.Rendering.ColorAttachments {
				d.clearAttachment(label, a)
			}
		case OpEndRendering:
			st.rendering = false
		case OpDraw, OpDrawMeshTasks:
			if st.pipelines[gpucore.BindPointGraphics] == nil {
				d.invalid("%s: %s without a graphics pipeline", label, c.Op)
				continue
			}
			d.draws++
		case OpBlitImage:
			d.blit(label, gpucore.ImageID(c.Src), gpucore.ImageID(c.Dst))
		case OpCopyBuffer:
			d.copyBuffer(label, gpucore.BufferID(c.Src), gpucore.BufferID(c.Dst), c.Regions)
		}
	}
}

func (d *Device) dispatch(label string, st *execState, groups [4]uint32) {
	p := st.pipelines[gpucore.BindPointCompute]
	if p == nil {
		d.invalid("%s: dispatch without a compute pipeline", label)
		return
	}
	k, ok := d.kernels[p.compute.EntryPoint]
	if !ok {
		return
	}
	inv := &Invocation{
		Groups:        [3]uint32{groups[0], groups[1], groups[2]},
		PushConstants: st.push,
		d:             d,
		table:         st.tables[gpucore.BindPointCompute],
	}
	if err := k(inv); err != nil {
		d.invalid("%s: kernel %q: %v", label, p.compute.EntryPoint, err)
	}
}

func (d *Device) clearAttachment(label string, a gpucore.ColorAttachment) {
	img, ok := d.images[a.Image]
	if !ok {
		d.invalid("%s: render target %d destroyed", label, a.Image)
		return
	}
	if img.layout != gpucore.LayoutGeneral {
		d.invalid("%s: render target %d in layout %s", label, a.Image, img.layout)
	}
	if a.Clear == nil || BytesPerPixel(img.desc.Format) != 4 {
		return
	}
	px := [4]byte{
		unorm8(float64(a.Clear.R)), unorm8(float64(a.Clear.G)),
		unorm8(float64(a.Clear.B)), unorm8(float64(a.Clear.A)),
	}
	for i := 0; i+4 <= len(img.data); i += 4 {
		copy(img.data[i:i+4], px[:])
	}
}

func unorm8(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return byte(v*255 + 0.5)
	}
}

func (d *Device) blit(label string, srcID, dstID gpucore.ImageID) {
	src, ok := d.images[srcID]
	if !ok {
		d.invalid("%s: blit from destroyed image %d", label, srcID)
		return
	}
	dst, ok := d.images[dstID]
	if !ok {
		d.invalid("%s: blit to destroyed image %d", label, dstID)
		return
	}
	if src.layout != gpucore.LayoutGeneral && src.layout != gpucore.LayoutTransferSrc {
		d.invalid("%s: blit source in layout %s", label, src.layout)
	}
	if dst.layout != gpucore.LayoutGeneral && dst.layout != gpucore.LayoutTransferDst {
		d.invalid("%s: blit destination in layout %s", label, dst.layout)
	}
	bpp := BytesPerPixel(src.desc.Format)
	if bpp != BytesPerPixel(dst.desc.Format) {
		d.invalid("%s: blit between formats of different size", label)
		return
	}
	sw, sh := uint64(src.desc.Width), uint64(src.desc.Height)
	dw, dh := uint64(dst.desc.Width), uint64(dst.desc.Height)
	for y := uint64(0); y < dh; y++ {
		sy := y * sh / dh
		for x := uint64(0); x < dw; x++ {
			sx := x * sw / dw
			copy(dst.data[(y*dw+x)*bpp:(y*dw+x+1)*bpp], src.data[(sy*sw+sx)*bpp:(sy*sw+sx+1)*bpp])
		}
	}
}

func (d *Device) copyBuffer(label string, srcID, dstID gpucore.BufferID, regions []gpucore.BufferCopy) {
	src, ok := d.buffers[srcID]
	if !ok {
		d.invalid("%s: copy from destroyed buffer %d", label, srcID)
		return
	}
	dst, ok := d.buffers[dstID]
	if !ok {
		d.invalid("%s: copy to destroyed buffer %d", label, dstID)
		return
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > uint64(len(src.data)) || r.DstOffset+r.Size > uint64(len(dst.data)) {
			d.invalid("%s: copy region %+v out of bounds", label, r)
			continue
		}
		copy(dst.data[r.DstOffset:r.DstOffset+r.Size], src.data[r.SrcOffset:r.SrcOffset+r.Size])
	}
}
