// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
)

// Kernel is a host implementation of a compute entry point. It runs once per
// dispatch, with the device lock held, and must not call Device methods.
type Kernel func(inv *Invocation) error

// Invocation is the state a Kernel sees for one dispatch.
type Invocation struct {
	// Groups is the dispatch size in workgroups.
	Groups [3]uint32
	// PushConstants is the push constant block at dispatch time.
	PushConstants []byte

	d     *Device
	table *table
}

// StorageBuffer returns the memory of the buffer bound at a storage buffer
// descriptor index. Writes to the returned slice are visible to later work.
func (inv *Invocation) StorageBuffer(index uint32) ([]byte, error) {
	return inv.bufferAt(gpucore.DescriptorStorageBuffer, index)
}

// StorageImage returns the texels of the image bound at a storage image
// descriptor index.
func (inv *Invocation) StorageImage(index uint32) ([]byte, error) {
	if inv.table == nil {
		return nil, fmt.Errorf("no descriptor table bound")
	}
	slots := inv.table.slots[gpucore.DescriptorStorageImage]
	if int(index) >= len(slots) || slots[index] == gpucore.InvalidID {
		return nil, fmt.Errorf("storage image %d: empty descriptor", index)
	}
	img, ok := inv.d.images[gpucore.ImageID(slots[index])]
	if !ok {
		return nil, fmt.Errorf("storage image %d: %w", index, gpucore.ErrInvalidID)
	}
	return img.data, nil
}

func (inv *Invocation) bufferAt(kind gpucore.DescriptorKind, index uint32) ([]byte, error) {
	if inv.table == nil {
		return nil, fmt.Errorf("no descriptor table bound")
	}
	slots := inv.table.slots[kind]
	if int(index) >= len(slots) || slots[index] == gpucore.InvalidID {
		return nil, fmt.Errorf("%s %d: empty descriptor", kind, index)
	}
	b, ok := inv.d.buffers[gpucore.BufferID(slots[index])]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", kind, index, gpucore.ErrInvalidID)
	}
	return b.data, nil
}

// RegisterKernel installs k as the implementation of every compute pipeline
// whose entry point is entryPoint. Dispatches without a kernel execute as
// no-ops.
func (d *Device) RegisterKernel(entryPoint string, k Kernel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[entryPoint] = k
}

// Draws returns the number of vertex and mesh draws executed so far.
func (d *Device) Draws() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draws
}
