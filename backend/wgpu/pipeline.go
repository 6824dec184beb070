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

// pipeline keeps its description so it can be rebuilt whenever the layout
// of its descriptor table changes.
type pipeline struct {
	point    gpucore.BindPoint
	table    gpucore.DescriptorTableID
	push     uint32
	compute  *gpucore.ComputePipelineDesc
	graphics *gpucore.GraphicsPipelineDesc

	gen     uint64
	raw     hal.ComputePipeline
	rawDraw hal.RenderPipeline
}

func (p *pipeline) label() string {
	if p.compute != nil {
		return p.compute.Label
	}
	return p.graphics.Label
}

func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.PipelineID, error) {
	if desc.PushConstantSize > d.limits.MaxPushConstantSize {
		return gpucore.InvalidID, fmt.Errorf("wgpu: push constant block of %d bytes exceeds %d",
			desc.PushConstantSize, d.limits.MaxPushConstantSize)
	}
	dc := *desc
	return d.createPipeline(&pipeline{
		point:   gpucore.BindPointCompute,
		table:   desc.Table,
		push:    desc.PushConstantSize,
		compute: &dc,
	})
}

func (d *Device) CreateGraphicsPipeline(desc *gpucore.GraphicsPipelineDesc) (gpucore.PipelineID, error) {
	if desc.Mesh != nil || desc.Task != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: mesh shading: %w", gpucore.ErrUnsupported)
	}
	if desc.Vertex == nil {
		return gpucore.InvalidID, errors.New("wgpu: graphics pipeline without a vertex stage")
	}
	if desc.PushConstantSize > d.limits.MaxPushConstantSize {
		return gpucore.InvalidID, fmt.Errorf("wgpu: push constant block of %d bytes exceeds %d",
			desc.PushConstantSize, d.limits.MaxPushConstantSize)
	}
	dc := *desc
	dc.ColorFormats = append([]gputypes.TextureFormat(nil), desc.ColorFormats...)
	return d.createPipeline(&pipeline{
		point:    gpucore.BindPointGraphics,
		table:    desc.Table,
		push:     desc.PushConstantSize,
		graphics: &dc,
	})
}

// createPipeline builds p once up front so shader and layout errors surface
// at creation rather than at the first recording.
func (d *Device) createPipeline(p *pipeline) (gpucore.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	t, ok := d.tables[p.table]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("wgpu: descriptor table %d: %w", p.table, gpucore.ErrInvalidID)
	}
	if err := d.realize(p, t); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = p
	return id, nil
}

func (d *Device) module(id gpucore.ShaderModuleID) (hal.ShaderModule, error) {
	m, ok := d.modules[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: shader module %d: %w", id, gpucore.ErrInvalidID)
	}
	return m, nil
}

// realize (re)creates the HAL pipeline for the current generation of t.
// Must be called with mu held.
func (d *Device) realize(p *pipeline, t *table) error {
	if err := d.prepare(t); err != nil {
		return err
	}
	if p.gen == t.gen && (p.raw != nil || p.rawDraw != nil) {
		return nil
	}

	var (
		raw     hal.ComputePipeline
		rawDraw hal.RenderPipeline
		err     error
	)
	if p.compute != nil {
		raw, err = d.buildCompute(p.compute, t.pipeLayout)
	} else {
		rawDraw, err = d.buildGraphics(p.graphics, t.pipeLayout)
	}
	if err != nil {
		return err
	}
	if p.gen != 0 {
		slogger().Debug("wgpu: pipeline rebuilt for new table layout", "pipeline", p.label(), "gen", t.gen)
	}
	oldRaw, oldDraw := p.raw, p.rawDraw
	d.release(func() { destroyPipelineObjects(d.device, oldRaw, oldDraw) })
	p.raw, p.rawDraw, p.gen = raw, rawDraw, t.gen
	return nil
}

func (d *Device) buildCompute(desc *gpucore.ComputePipelineDesc, layout hal.PipelineLayout) (hal.ComputePipeline, error) {
	m, err := d.module(desc.Compute.Module)
	if err != nil {
		return nil, err
	}
	raw, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: m, EntryPoint: desc.Compute.EntryPoint},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create compute pipeline %q: %w", desc.Label, err)
	}
	return raw, nil
}

func (d *Device) buildGraphics(desc *gpucore.GraphicsPipelineDesc, layout hal.PipelineLayout) (hal.RenderPipeline, error) {
	vs, err := d.module(desc.Vertex.Module)
	if err != nil {
		return nil, err
	}
	var fragment *hal.FragmentState
	if desc.Fragment != nil {
		fs, err := d.module(desc.Fragment.Module)
		if err != nil {
			return nil, err
		}
		targets := make([]gputypes.ColorTargetState, len(desc.ColorFormats))
		for i, f := range desc.ColorFormats {
			targets[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
		}
		fragment = &hal.FragmentState{Module: fs, EntryPoint: desc.Fragment.EntryPoint, Targets: targets}
	}
	topology := desc.Topology
	if topology == 0 {
		topology = gputypes.PrimitiveTopologyTriangleList
	}
	raw, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:     desc.Label,
		Layout:    layout,
		Vertex:    hal.VertexState{Module: vs, EntryPoint: desc.Vertex.EntryPoint},
		Fragment:  fragment,
		Primitive: gputypes.PrimitiveState{Topology: topology, CullMode: desc.CullMode},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create render pipeline %q: %w", desc.Label, err)
	}
	return raw, nil
}

func destroyPipelineObjects(device hal.Device, raw hal.ComputePipeline, rawDraw hal.RenderPipeline) {
	if raw != nil {
		device.DestroyComputePipeline(raw)
	}
	if rawDraw != nil {
		device.DestroyRenderPipeline(rawDraw)
	}
}

func (p *pipeline) destroyRaw(d *Device) {
	destroyPipelineObjects(d.device, p.raw, p.rawDraw)
	p.raw, p.rawDraw = nil, nil
}

func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	if !ok {
		return
	}
	delete(d.pipelines, id)
	raw, rawDraw := p.raw, p.rawDraw
	d.release(func() { destroyPipelineObjects(d.device, raw, rawDraw) })
}
