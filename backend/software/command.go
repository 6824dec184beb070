// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"errors"
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
)

// Op identifies a recorded command.
type Op uint8

// Recorded operations.
const (
	OpBindDescriptorTable Op = iota + 1
	OpBindPipeline
	OpPushConstants
	OpDispatch
	OpBarrier
	OpBeginRendering
	OpEndRendering
	OpDraw
	OpDrawMeshTasks
	OpBlitImage
	OpCopyBuffer
)

var opNames = [...]string{
	OpBindDescriptorTable: "bind-descriptor-table",
	OpBindPipeline:        "bind-pipeline",
	OpPushConstants:       "push-constants",
	OpDispatch:            "dispatch",
	OpBarrier:             "barrier",
	OpBeginRendering:      "begin-rendering",
	OpEndRendering:        "end-rendering",
	OpDraw:                "draw",
	OpDrawMeshTasks:       "draw-mesh-tasks",
	OpBlitImage:           "blit-image",
	OpCopyBuffer:          "copy-buffer",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Command is one recorded command. Only the fields relevant to Op are set.
type Command struct {
	Op        Op
	Table     gpucore.DescriptorTableID
	Pipeline  gpucore.PipelineID
	Point     gpucore.BindPoint
	Data      []byte
	Args      [4]uint32
	Barriers  []gpucore.ImageBarrier
	Rendering *gpucore.RenderingDesc
	Src, Dst  uint64
	Regions   []gpucore.BufferCopy
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
)

type commandBuffer struct {
	queue    gpucore.QueueKind
	label    string
	state    cbState
	pending  int
	commands []Command
}

// AllocateCommandBuffer implements gpucore.Device.
func (d *Device) AllocateCommandBuffer(queue gpucore.QueueKind, label string) (gpucore.CommandBufferID, error) {
	if queue >= gpucore.QueueKindCount {
		return gpucore.InvalidID, fmt.Errorf("software: allocate command buffer %q: unknown queue %s", label, queue)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandBufferID(d.newID())
	d.cmds[id] = &commandBuffer{queue: queue, label: label}
	return id, nil
}

// FreeCommandBuffer implements gpucore.Device.
func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.cmds[id]; ok && cb.pending > 0 {
		d.invalid("command buffer %q freed while pending", cb.label)
	}
	delete(d.cmds, id)
}

// BeginRecord captures timeline values at the moment a command buffer began
// recording.
type BeginRecord struct {
	CommandBuffer gpucore.CommandBufferID
	Label         string
	Timelines     map[gpucore.SemaphoreID]uint64
}

// Begin implements gpucore.Device. Beginning a command buffer that is still
// referenced by a pending submission fails.
func (d *Device) Begin(id gpucore.CommandBufferID) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, gpucore.ErrDeviceLost
	}
	cb, ok := d.cmds[id]
	if !ok {
		return nil, fmt.Errorf("software: begin command buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	if cb.pending > 0 {
		return nil, fmt.Errorf("software: begin command buffer %q: still pending execution", cb.label)
	}
	if cb.state == cbRecording {
		return nil, fmt.Errorf("software: begin command buffer %q: already recording", cb.label)
	}
	cb.state = cbRecording
	cb.commands = cb.commands[:0]

	snap := make(map[gpucore.SemaphoreID]uint64)
	for sid, s := range d.semaphores {
		if s.timeline {
			snap[sid] = s.value
		}
	}
	d.begins = append(d.begins, BeginRecord{CommandBuffer: id, Label: cb.label, Timelines: snap})

	return &encoder{d: d, cb: cb}, nil
}

// Begins returns every Begin observed, in order.
func (d *Device) Begins() []BeginRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BeginRecord(nil), d.begins...)
}

// encoder records into a commandBuffer. Commands are appended without the
// device lock; the buffer is owned by the recording goroutine until End.
type encoder struct {
	d         *Device
	cb        *commandBuffer
	err       error
	rendering bool
	ended     bool
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("software: record %q: "+format, append([]any{e.cb.label}, args...)...)
	}
}

func (e *encoder) add(c Command) {
	if e.ended {
		e.fail("%s after End", c.Op)
		return
	}
	e.cb.commands = append(e.cb.commands, c)
}

func (e *encoder) BindDescriptorTable(table gpucore.DescriptorTableID, point gpucore.BindPoint) {
	e.add(Command{Op: OpBindDescriptorTable, Table: table, Point: point})
}

func (e *encoder) BindPipeline(p gpucore.PipelineID, point gpucore.BindPoint) {
	e.add(Command{Op: OpBindPipeline, Pipeline: p, Point: point})
}

func (e *encoder) PushConstants(data []byte) {
	if uint32(len(data)) > e.d.cfg.limits.MaxPushConstantSize {
		e.fail("push constants of %d bytes exceed limit %d", len(data), e.d.cfg.limits.MaxPushConstantSize)
		return
	}
	e.add(Command{Op: OpPushConstants, Data: append([]byte(nil), data...)})
}

func (e *encoder) Dispatch(x, y, z uint32) {
	if e.rendering {
		e.fail("dispatch inside a rendering scope")
		return
	}
	e.add(Command{Op: OpDispatch, Args: [4]uint32{x, y, z}})
}

func (e *encoder) Barrier(images []gpucore.ImageBarrier) {
	e.add(Command{Op: OpBarrier, Barriers: append([]gpucore.ImageBarrier(nil), images...)})
}

func (e *encoder) BeginRendering(desc *gpucore.RenderingDesc) {
	if e.cb.queue != gpucore.QueueGraphics {
		e.fail("rendering on the %s queue", e.cb.queue)
		return
	}
	if e.rendering {
		e.fail("nested rendering scope")
		return
	}
	e.rendering = true
	cp := *desc
	cp.ColorAttachments = append([]gpucore.ColorAttachment(nil), desc.ColorAttachments...)
	e.add(Command{Op: OpBeginRendering, Rendering: &cp})
}

func (e *encoder) EndRendering() {
	if !e.rendering {
		e.fail("end rendering without begin")
		return
	}
	e.rendering = false
	e.add(Command{Op: OpEndRendering})
}

func (e *encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if !e.rendering {
		e.fail("draw outside a rendering scope")
		return
	}
	e.add(Command{Op: OpDraw, Args: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

func (e *encoder) DrawMeshTasks(x, y, z uint32) {
	if !e.rendering {
		e.fail("mesh draw outside a rendering scope")
		return
	}
	e.add(Command{Op: OpDrawMeshTasks, Args: [4]uint32{x, y, z}})
}

func (e *encoder) BlitImage(src, dst gpucore.ImageID) {
	if e.rendering {
		e.fail("blit inside a rendering scope")
		return
	}
	e.add(Command{Op: OpBlitImage, Src: uint64(src), Dst: uint64(dst)})
}

func (e *encoder) CopyBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	e.add(Command{Op: OpCopyBuffer, Src: uint64(src), Dst: uint64(dst), Regions: append([]gpucore.BufferCopy(nil), regions...)})
}

func (e *encoder) End() error {
	if e.ended {
		return errors.New("software: End called twice")
	}
	e.ended = true
	if e.rendering {
		e.fail("rendering scope left open")
	}

	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if e.err != nil {
		e.cb.state = cbInitial
		e.cb.commands = e.cb.commands[:0]
		return e.err
	}
	e.cb.state = cbExecutable
	return nil
}
