// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// table is the global descriptor table emulated as bind group 0.
//
// Only written slots become bind group entries. Changing which slots are
// occupied, or the format behind a storage image slot, changes the layout
// and bumps gen; pipelines are rebuilt lazily for the new generation.
type table struct {
	label string
	slots [gpucore.DescriptorKindCount][]uint64

	gen         uint64
	layoutDirty bool
	groupDirty  bool

	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	group      hal.BindGroup
}

func (d *Device) CreateDescriptorTable(desc *gpucore.DescriptorTableDesc) (gpucore.DescriptorTableID, error) {
	for k, n := range desc.Counts {
		if n > d.limits.MaxDescriptors[k] {
			return gpucore.InvalidID, fmt.Errorf("wgpu: %d %s descriptors exceed %d: %w",
				n, gpucore.DescriptorKind(k), d.limits.MaxDescriptors[k], gpucore.ErrOutOfMemory)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	t := &table{label: desc.Label, layoutDirty: true, groupDirty: true}
	for k, n := range desc.Counts {
		t.slots[k] = make([]uint64, n)
	}
	id := gpucore.DescriptorTableID(d.newID())
	d.tables[id] = t
	return id, nil
}

func (d *Device) DestroyDescriptorTable(id gpucore.DescriptorTableID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[id]
	if !ok {
		return
	}
	delete(d.tables, id)
	layout, pipeLayout, group := t.layout, t.pipeLayout, t.group
	t.layout, t.pipeLayout, t.group = nil, nil, nil
	d.release(func() { destroyTableObjects(d.device, layout, pipeLayout, group) })
}

func destroyTableObjects(device hal.Device, layout hal.BindGroupLayout, pipeLayout hal.PipelineLayout, group hal.BindGroup) {
	if group != nil {
		device.DestroyBindGroup(group)
	}
	if pipeLayout != nil {
		device.DestroyPipelineLayout(pipeLayout)
	}
	if layout != nil {
		device.DestroyBindGroupLayout(layout)
	}
}

// destroyRaw frees the HAL objects immediately. Used by Device.Destroy.
func (t *table) destroyRaw(d *Device) {
	destroyTableObjects(d.device, t.layout, t.pipeLayout, t.group)
	t.layout, t.pipeLayout, t.group = nil, nil, nil
}

func (d *Device) WriteDescriptor(id gpucore.DescriptorTableID, kind gpucore.DescriptorKind, index uint32, resource uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	t, ok := d.tables[id]
	if !ok {
		return fmt.Errorf("wgpu: descriptor table %d: %w", id, gpucore.ErrInvalidID)
	}
	if kind >= gpucore.DescriptorKindCount {
		return fmt.Errorf("wgpu: %s: %w", kind, gpucore.ErrInvalidID)
	}
	if int(index) >= len(t.slots[kind]) {
		return fmt.Errorf("wgpu: %s slot %d outside table of %d", kind, index, len(t.slots[kind]))
	}
	if resource != gpucore.InvalidID {
		if err := d.checkDescriptor(kind, resource); err != nil {
			return err
		}
	}
	old := t.slots[kind][index]
	if (old == gpucore.InvalidID) != (resource == gpucore.InvalidID) || kind == gpucore.DescriptorStorageImage {
		t.layoutDirty = true
	}
	t.slots[kind][index] = resource
	t.groupDirty = true
	return nil
}

func (d *Device) checkDescriptor(kind gpucore.DescriptorKind, resource uint64) error {
	var ok bool
	switch kind {
	case gpucore.DescriptorStorageBuffer:
		var b *buffer
		if b, ok = d.buffers[gpucore.BufferID(resource)]; ok && b.desc.Usage&gpucore.BufferUsageStorage == 0 {
			return fmt.Errorf("wgpu: buffer %q lacks storage usage", b.desc.Label)
		}
	case gpucore.DescriptorStorageImage, gpucore.DescriptorSampledImage:
		_, ok = d.images[gpucore.ImageID(resource)]
	case gpucore.DescriptorSampler:
		_, ok = d.samplers[gpucore.SamplerID(resource)]
	case gpucore.DescriptorAccelStruct:
		return fmt.Errorf("wgpu: %s descriptors: %w", kind, gpucore.ErrUnsupported)
	}
	if !ok {
		return fmt.Errorf("wgpu: %s resource %d: %w", kind, resource, gpucore.ErrInvalidID)
	}
	return nil
}

const (
	storageVisibility = gputypes.ShaderStageCompute | gputypes.ShaderStageFragment
	sampledVisibility = gputypes.ShaderStageCompute | gputypes.ShaderStageVertex | gputypes.ShaderStageFragment
)

func binding(kind gpucore.DescriptorKind, index int) uint32 {
	return uint32(kind)*BindingStride + uint32(index)
}

// tableEntries lists the layout and bind group entries of the occupied
// slots. Slots whose resource has since been destroyed are skipped.
func (d *Device) tableEntries(t *table) ([]gputypes.BindGroupLayoutEntry, []gputypes.BindGroupEntry) {
	var layout []gputypes.BindGroupLayoutEntry
	var group []gputypes.BindGroupEntry
	for k := range t.slots {
		kind := gpucore.DescriptorKind(k)
		for i, res := range t.slots[k] {
			if res == gpucore.InvalidID {
				continue
			}
			b := binding(kind, i)
			switch kind {
			case gpucore.DescriptorStorageBuffer:
				buf, ok := d.buffers[gpucore.BufferID(res)]
				if !ok {
					continue
				}
				layout = append(layout, gputypes.BindGroupLayoutEntry{
					Binding:    b,
					Visibility: storageVisibility,
					Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
				})
				group = append(group, gputypes.BindGroupEntry{
					Binding:  b,
					Resource: gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: 0, Size: buf.size},
				})
			case gpucore.DescriptorStorageImage:
				img, ok := d.images[gpucore.ImageID(res)]
				if !ok {
					continue
				}
				layout = append(layout, gputypes.BindGroupLayoutEntry{
					Binding:    b,
					Visibility: storageVisibility,
					StorageTexture: &gputypes.StorageTextureBindingLayout{
						Access:        gputypes.StorageTextureAccessReadWrite,
						Format:        img.desc.Format,
						ViewDimension: gputypes.TextureViewDimension2D,
					},
				})
				group = append(group, gputypes.BindGroupEntry{
					Binding:  b,
					Resource: gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()},
				})
			case gpucore.DescriptorSampledImage:
				img, ok := d.images[gpucore.ImageID(res)]
				if !ok {
					continue
				}
				layout = append(layout, gputypes.BindGroupLayoutEntry{
					Binding:    b,
					Visibility: sampledVisibility,
					Texture: &gputypes.TextureBindingLayout{
						SampleType:    gputypes.TextureSampleTypeFloat,
						ViewDimension: gputypes.TextureViewDimension2D,
					},
				})
				group = append(group, gputypes.BindGroupEntry{
					Binding:  b,
					Resource: gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()},
				})
			case gpucore.DescriptorSampler:
				s, ok := d.samplers[gpucore.SamplerID(res)]
				if !ok {
					continue
				}
				layout = append(layout, gputypes.BindGroupLayoutEntry{
					Binding:    b,
					Visibility: sampledVisibility,
					Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
				})
				group = append(group, gputypes.BindGroupEntry{
					Binding:  b,
					Resource: gputypes.SamplerBinding{Sampler: s.NativeHandle()},
				})
			}
		}
	}
	return layout, group
}

// pushGroupLayout returns the layout of the push constant uniform block.
func (d *Device) pushGroupLayout() (hal.BindGroupLayout, error) {
	if d.pushLayout != nil {
		return d.pushLayout, nil
	}
	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "push_constants",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: sampledVisibility,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create push constant layout: %w", err)
	}
	d.pushLayout = layout
	return layout, nil
}

// prepare brings the table's layout and bind group up to date. Must be
// called with mu held.
func (d *Device) prepare(t *table) error {
	if !t.layoutDirty && !t.groupDirty {
		return nil
	}
	layoutEntries, groupEntries := d.tableEntries(t)

	if t.layoutDirty {
		push, err := d.pushGroupLayout()
		if err != nil {
			return err
		}
		layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   t.label,
			Entries: layoutEntries,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create table layout: %w", err)
		}
		pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            t.label,
			BindGroupLayouts: []hal.BindGroupLayout{layout, push},
		})
		if err != nil {
			d.device.DestroyBindGroupLayout(layout)
			return fmt.Errorf("wgpu: create pipeline layout: %w", err)
		}
		oldLayout, oldPipeLayout, oldGroup := t.layout, t.pipeLayout, t.group
		d.release(func() { destroyTableObjects(d.device, oldLayout, oldPipeLayout, oldGroup) })
		t.layout, t.pipeLayout, t.group = layout, pipeLayout, nil
		t.gen++
		t.layoutDirty = false
		slogger().Debug("wgpu: descriptor table layout rebuilt", "table", t.label, "gen", t.gen, "entries", len(layoutEntries))
	}

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   t.label,
		Layout:  t.layout,
		Entries: groupEntries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create table bind group: %w", err)
	}
	if old := t.group; old != nil {
		d.release(func() { d.device.DestroyBindGroup(old) })
	}
	t.group = group
	t.groupDirty = false
	return nil
}
