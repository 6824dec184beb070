// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
)

type commandBuffer struct {
	queue gpucore.QueueKind
	label string
	state cbState
	raw   hal.CommandBuffer

	// Push constant storage and bind groups referenced by raw.
	pushBuf    hal.Buffer
	pushGroups []hal.BindGroup
}

// reset frees the HAL objects of the last recording once the device is done
// with them.
func (cb *commandBuffer) reset(d *Device) {
	raw, pushBuf, groups := cb.raw, cb.pushBuf, cb.pushGroups
	cb.raw, cb.pushBuf, cb.pushGroups = nil, nil, nil
	cb.state = cbInitial
	free := func() {
		for _, g := range groups {
			d.device.DestroyBindGroup(g)
		}
		if pushBuf != nil {
			d.device.DestroyBuffer(pushBuf)
		}
		if raw != nil {
			d.device.FreeCommandBuffer(raw)
		}
	}
	if d.destroyed {
		free()
		return
	}
	d.release(free)
}

func (d *Device) AllocateCommandBuffer(queue gpucore.QueueKind, label string) (gpucore.CommandBufferID, error) {
	if queue >= gpucore.QueueKindCount {
		return gpucore.InvalidID, fmt.Errorf("wgpu: %s: %w", queue, gpucore.ErrInvalidID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.CommandBufferID(d.newID())
	d.cmds[id] = &commandBuffer{queue: queue, label: label}
	return id, nil
}

func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmds[id]
	if !ok {
		return
	}
	delete(d.cmds, id)
	cb.reset(d)
}

// Begin resets the command buffer. Recording is buffered on the host and
// translated into HAL commands by End.
func (d *Device) Begin(id gpucore.CommandBufferID) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	cb, ok := d.cmds[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: command buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	if cb.state == cbRecording {
		return nil, fmt.Errorf("wgpu: command buffer %q is already recording", cb.label)
	}
	cb.reset(d)
	cb.state = cbRecording
	return &encoder{d: d, cb: cb}, nil
}

type opKind uint8

const (
	opBindTable opKind = iota + 1
	opBindPipeline
	opPush
	opDispatch
	opBarrier
	opBeginRendering
	opEndRendering
	opDraw
	opCopyBuffer
)

type op struct {
	kind      opKind
	table     gpucore.DescriptorTableID
	pipeline  gpucore.PipelineID
	point     gpucore.BindPoint
	push      int // index into encoder.pushes
	args      [4]uint32
	barriers  []gpucore.ImageBarrier
	rendering *gpucore.RenderingDesc
	src, dst  gpucore.BufferID
	regions   []gpucore.BufferCopy
}

// encoder implements gpucore.CommandEncoder.
type encoder struct {
	d         *Device
	cb        *commandBuffer
	ops       []op
	pushes    [][]byte
	rendering bool
	err       error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) BindDescriptorTable(table gpucore.DescriptorTableID, point gpucore.BindPoint) {
	e.ops = append(e.ops, op{kind: opBindTable, table: table, point: point})
}

func (e *encoder) BindPipeline(pipeline gpucore.PipelineID, point gpucore.BindPoint) {
	e.ops = append(e.ops, op{kind: opBindPipeline, pipeline: pipeline, point: point})
}

func (e *encoder) PushConstants(data []byte) {
	if len(data) > maxPushConstantSize {
		e.fail(fmt.Errorf("wgpu: push constant block of %d bytes exceeds %d", len(data), maxPushConstantSize))
		return
	}
	e.pushes = append(e.pushes, append([]byte(nil), data...))
	e.ops = append(e.ops, op{kind: opPush, push: len(e.pushes) - 1})
}

func (e *encoder) Dispatch(x, y, z uint32) {
	if e.rendering {
		e.fail(errors.New("wgpu: dispatch inside a rendering scope"))
		return
	}
	e.ops = append(e.ops, op{kind: opDispatch, args: [4]uint32{x, y, z}})
}

func (e *encoder) Barrier(images []gpucore.ImageBarrier) {
	if e.rendering {
		e.fail(errors.New("wgpu: barrier inside a rendering scope"))
		return
	}
	e.ops = append(e.ops, op{kind: opBarrier, barriers: append([]gpucore.ImageBarrier(nil), images...)})
}

func (e *encoder) BeginRendering(desc *gpucore.RenderingDesc) {
	if e.rendering {
		e.fail(errors.New("wgpu: nested rendering scope"))
		return
	}
	if e.cb.queue != gpucore.QueueGraphics {
		e.fail(fmt.Errorf("wgpu: rendering on the %s queue", e.cb.queue))
		return
	}
	dc := *desc
	dc.ColorAttachments = append([]gpucore.ColorAttachment(nil), desc.ColorAttachments...)
	e.rendering = true
	e.ops = append(e.ops, op{kind: opBeginRendering, rendering: &dc})
}

func (e *encoder) EndRendering() {
	if !e.rendering {
		e.fail(errors.New("wgpu: end rendering without a rendering scope"))
		return
	}
	e.rendering = false
	e.ops = append(e.ops, op{kind: opEndRendering})
}

func (e *encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if !e.rendering {
		e.fail(errors.New("wgpu: draw outside a rendering scope"))
		return
	}
	e.ops = append(e.ops, op{kind: opDraw, args: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

func (e *encoder) DrawMeshTasks(_, _, _ uint32) {
	e.fail(fmt.Errorf("wgpu: mesh shading: %w", gpucore.ErrUnsupported))
}

func (e *encoder) BlitImage(_, _ gpucore.ImageID) {
	e.fail(fmt.Errorf("wgpu: image blit: %w", gpucore.ErrUnsupported))
}

func (e *encoder) CopyBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	if e.rendering {
		e.fail(errors.New("wgpu: copy inside a rendering scope"))
		return
	}
	for _, r := range regions {
		if r.SrcOffset%4 != 0 || r.DstOffset%4 != 0 || r.Size%4 != 0 {
			e.fail(fmt.Errorf("wgpu: unaligned buffer copy %+v: %w", r, gpucore.ErrUnsupported))
			return
		}
	}
	e.ops = append(e.ops, op{kind: opCopyBuffer, src: src, dst: dst, regions: append([]gpucore.BufferCopy(nil), regions...)})
}

// End translates the recording into a HAL command buffer. On failure the
// command buffer returns to the initial state.
func (e *encoder) End() error {
	if e.err == nil && e.rendering {
		e.fail(errors.New("wgpu: end with an open rendering scope"))
	}
	d := e.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.cb.state != cbRecording {
		return fmt.Errorf("wgpu: command buffer %q is not recording", e.cb.label)
	}
	if e.err == nil {
		e.err = d.checkLive()
	}
	if e.err == nil {
		e.err = d.encode(e)
	}
	if e.err != nil {
		e.cb.reset(d)
		return e.err
	}
	e.cb.state = cbExecutable
	return nil
}

// encode replays the buffered ops. Must be called with mu held.
func (d *Device) encode(e *encoder) (err error) {
	cb := e.cb
	if err := d.uploadPushConstants(e); err != nil {
		return err
	}

	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: cb.label})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(cb.label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	defer func() {
		if err != nil {
			enc.DiscardEncoding()
		}
	}()

	r := replay{d: d, cb: cb, enc: enc, push: -1}
	for i := range e.ops {
		if err := r.apply(&e.ops[i]); err != nil {
			r.closeCompute()
			return err
		}
	}
	r.closeCompute()

	raw, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	cb.raw = raw
	return nil
}

// uploadPushConstants packs every push constant block at a uniform aligned
// offset of one buffer. Slot 0 stays zeroed for pipelines bound before any
// push.
func (d *Device) uploadPushConstants(e *encoder) error {
	if len(e.pushes) == 0 && !e.usesPush() {
		return nil
	}
	blob := make([]byte, pushAlignment*(len(e.pushes)+1))
	for i, p := range e.pushes {
		copy(blob[pushAlignment*(i+1):], p)
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: e.cb.label + "_push",
		Size:  uint64(len(blob)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create push constant buffer: %w", err)
	}
	d.queue.WriteBuffer(buf, 0, blob)
	e.cb.pushBuf = buf
	return nil
}

func (e *encoder) usesPush() bool {
	for _, o := range e.ops {
		if o.kind == opBindPipeline {
			if p, ok := e.d.pipelines[o.pipeline]; ok && p.push > 0 {
				return true
			}
		}
	}
	return false
}

// replay is the state of one End translation.
type replay struct {
	d   *Device
	cb  *commandBuffer
	enc hal.CommandEncoder

	table    *table
	pipeline *pipeline
	push     int
	bound    bool

	compute hal.ComputePassEncoder
	render  hal.RenderPassEncoder
}

func (r *replay) closeCompute() {
	if r.compute != nil {
		r.compute.End()
		r.compute = nil
		r.bound = false
	}
}

func (r *replay) apply(o *op) error {
	d := r.d
	switch o.kind {
	case opBindTable:
		t, ok := d.tables[o.table]
		if !ok {
			return fmt.Errorf("wgpu: descriptor table %d: %w", o.table, gpucore.ErrInvalidID)
		}
		if err := d.prepare(t); err != nil {
			return err
		}
		r.table = t
		r.bound = false

	case opBindPipeline:
		p, ok := d.pipelines[o.pipeline]
		if !ok {
			return fmt.Errorf("wgpu: pipeline %d: %w", o.pipeline, gpucore.ErrInvalidID)
		}
		if p.point != o.point {
			return fmt.Errorf("wgpu: %s pipeline %q bound at the %s bind point", p.point, p.label(), o.point)
		}
		r.pipeline = p
		r.bound = false

	case opPush:
		r.push = o.push
		r.bound = false

	case opDispatch:
		if err := r.checkPipeline(gpucore.BindPointCompute); err != nil {
			return err
		}
		if r.compute == nil {
			r.compute = r.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: r.cb.label})
		}
		if !r.bound {
			group, err := r.pushGroup()
			if err != nil {
				return err
			}
			r.compute.SetPipeline(r.pipeline.raw)
			r.compute.SetBindGroup(0, r.table.group, nil)
			if group != nil {
				r.compute.SetBindGroup(PushConstantGroup, group, nil)
			}
			r.bound = true
		}
		r.compute.Dispatch(o.args[0], o.args[1], o.args[2])

	case opBarrier:
		r.closeCompute()
		barriers := make([]hal.TextureBarrier, 0, len(o.barriers))
		for _, b := range o.barriers {
			img, ok := d.images[b.Image]
			if !ok {
				return fmt.Errorf("wgpu: barrier on image %d: %w", b.Image, gpucore.ErrInvalidID)
			}
			barriers = append(barriers, hal.TextureBarrier{
				Texture: img.raw,
				Usage: hal.TextureUsageTransition{
					OldUsage: layoutUsage(b.OldLayout, img.desc.Usage),
					NewUsage: layoutUsage(b.NewLayout, img.desc.Usage),
				},
			})
		}
		r.enc.TransitionTextures(barriers)

	case opBeginRendering:
		r.closeCompute()
		attachments := make([]hal.RenderPassColorAttachment, 0, len(o.rendering.ColorAttachments))
		for _, a := range o.rendering.ColorAttachments {
			img, ok := d.images[a.Image]
			if !ok {
				return fmt.Errorf("wgpu: color attachment %d: %w", a.Image, gpucore.ErrInvalidID)
			}
			att := hal.RenderPassColorAttachment{
				View:    img.view,
				LoadOp:  gputypes.LoadOpLoad,
				StoreOp: gputypes.StoreOpStore,
			}
			if a.Clear != nil {
				att.LoadOp = gputypes.LoadOpClear
				att.ClearValue = *a.Clear
			}
			attachments = append(attachments, att)
		}
		r.render = r.enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label:            r.cb.label,
			ColorAttachments: attachments,
		})
		r.bound = false

	case opEndRendering:
		r.render.End()
		r.render = nil
		r.bound = false

	case opDraw:
		if err := r.checkPipeline(gpucore.BindPointGraphics); err != nil {
			return err
		}
		if !r.bound {
			group, err := r.pushGroup()
			if err != nil {
				return err
			}
			r.render.SetPipeline(r.pipeline.rawDraw)
			r.render.SetBindGroup(0, r.table.group, nil)
			if group != nil {
				r.render.SetBindGroup(PushConstantGroup, group, nil)
			}
			r.bound = true
		}
		r.render.Draw(o.args[0], o.args[1], o.args[2], o.args[3])

	case opCopyBuffer:
		r.closeCompute()
		src, ok := d.buffers[o.src]
		if !ok {
			return fmt.Errorf("wgpu: copy source %d: %w", o.src, gpucore.ErrInvalidID)
		}
		dst, ok := d.buffers[o.dst]
		if !ok {
			return fmt.Errorf("wgpu: copy destination %d: %w", o.dst, gpucore.ErrInvalidID)
		}
		regions := make([]hal.BufferCopy, 0, len(o.regions))
		for _, c := range o.regions {
			if c.SrcOffset+c.Size > src.desc.Size || c.DstOffset+c.Size > dst.desc.Size {
				return fmt.Errorf("wgpu: copy %+v outside %q or %q", c, src.desc.Label, dst.desc.Label)
			}
			regions = append(regions, hal.BufferCopy{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size})
		}
		r.enc.CopyBufferToBuffer(src.raw, dst.raw, regions)
	}
	return nil
}

// checkPipeline makes sure a pipeline of the right kind and a table are
// bound, rebuilding the pipeline if the table layout moved on.
func (r *replay) checkPipeline(point gpucore.BindPoint) error {
	if r.pipeline == nil || r.pipeline.point != point {
		return fmt.Errorf("wgpu: no %s pipeline bound", point)
	}
	if r.table == nil {
		return errors.New("wgpu: no descriptor table bound")
	}
	if r.pipeline.gen != r.table.gen {
		if err := r.d.realize(r.pipeline, r.table); err != nil {
			return err
		}
	}
	return nil
}

// pushGroup returns the bind group of the current push constant block, or
// nil when the bound pipeline takes none.
func (r *replay) pushGroup() (hal.BindGroup, error) {
	if r.pipeline.push == 0 {
		return nil, nil
	}
	layout, err := r.d.pushGroupLayout()
	if err != nil {
		return nil, err
	}
	offset := uint64(pushAlignment * (r.push + 1))
	group, err := r.d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  r.cb.label + "_push",
		Layout: layout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.BufferBinding{Buffer: r.cb.pushBuf.NativeHandle(), Offset: offset, Size: alignUp(uint64(r.pipeline.push), 16)},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create push constant bind group: %w", err)
	}
	r.cb.pushGroups = append(r.cb.pushGroups, group)
	return group, nil
}

// layoutUsage maps an image layout to the HAL usage it corresponds to.
func layoutUsage(l gpucore.ImageLayout, usage gpucore.ImageUsage) gputypes.TextureUsage {
	switch l {
	case gpucore.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case gpucore.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	case gpucore.LayoutPresentSrc:
		return gputypes.TextureUsageRenderAttachment
	case gpucore.LayoutGeneral:
		switch {
		case usage&gpucore.ImageUsageStorage != 0:
			return gputypes.TextureUsageStorageBinding
		case usage&gpucore.ImageUsageColorAttachment != 0:
			return gputypes.TextureUsageRenderAttachment
		default:
			return gputypes.TextureUsageTextureBinding
		}
	default:
		return 0
	}
}
