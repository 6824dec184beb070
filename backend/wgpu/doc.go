// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu implements [gpucore.Device] on the Pure Go gogpu/wgpu HAL.
//
// The device is registered as [backend.BackendWGPU] on import and opens the
// first discrete or integrated Vulkan adapter:
//
//	import _ "github.com/gogpu/framegraph/backend/wgpu"
//
// A host application that already owns a HAL device (for example a gogpu
// window) shares it through [FromProvider] or [NewDevice].
//
// # Mapping
//
// The HAL exposes a WebGPU shaped device, so the Vulkan concepts the
// scheduler relies on are emulated:
//
//   - Both queue kinds submit to the single HAL queue, in order.
//   - Timeline semaphores are HAL fences. A wait is satisfied by submission
//     order when its value has already been submitted.
//   - Binary semaphores are host flags.
//   - The descriptor table is bind group 0. Slot i of kind k is declared as
//     @group(0) @binding(k*BindingStride+i). The group is rebuilt at End when
//     the table changed since the last recording.
//   - Push constants are a uniform buffer at @group(1) @binding(0).
//
// Mesh shaders, image blits, acceleration structures and surfaces are not
// available and report [gpucore.ErrUnsupported].
package wgpu
