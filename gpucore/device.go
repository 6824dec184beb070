// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import (
	"errors"
	"time"
)

// Device errors. Implementations wrap these so callers can classify failures
// with errors.Is.
var (
	// ErrOutOfMemory is returned when a heap or descriptor pool is exhausted.
	ErrOutOfMemory = errors.New("gpucore: out of memory")

	// ErrInvalidID is returned when an ID does not name a live object.
	ErrInvalidID = errors.New("gpucore: invalid id")

	// ErrDeviceLost is returned once the device can no longer execute work.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrUnsupported is returned for features the device does not implement.
	ErrUnsupported = errors.New("gpucore: unsupported")
)

// Device abstracts over the backend that owns GPU memory, descriptor tables,
// synchronization primitives and queues.
//
// The scheduler only talks to a Device; feature and extension negotiation
// happen before a Device exists. Implementations must be safe for concurrent
// use.
//
// Resource lifecycle:
//   - Objects are created via Create* methods
//   - Objects must be explicitly destroyed via Destroy* methods
//   - Destroying an object still referenced by pending work is the caller's
//     responsibility to avoid
//   - IDs become invalid after destruction and are never reused
type Device interface {
	// === Capabilities ===

	// Limits reports the device limits.
	Limits() Limits

	// === Memory ===

	// CreateBuffer allocates a buffer. Returns an error wrapping
	// ErrOutOfMemory when the heap is exhausted.
	CreateBuffer(desc *BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies buffer contents at offset into dst.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	// CreateImage allocates an image in LayoutUndefined together with its
	// default views.
	CreateImage(desc *ImageDesc) (ImageID, error)

	// DestroyImage releases an image and its views.
	DestroyImage(id ImageID)

	// WriteImage replaces the contents of mip level 0. data is tightly packed.
	WriteImage(id ImageID, data []byte) error

	// CreateSampler creates a sampler.
	CreateSampler(desc *SamplerDesc) (SamplerID, error)

	// DestroySampler releases a sampler.
	DestroySampler(id SamplerID)

	// === Descriptors ===

	// CreateDescriptorTable creates the global bindless table. Slots may be
	// rewritten while unreferenced slots are in use by pending work.
	CreateDescriptorTable(desc *DescriptorTableDesc) (DescriptorTableID, error)

	// DestroyDescriptorTable releases a descriptor table.
	DestroyDescriptorTable(id DescriptorTableID)

	// WriteDescriptor points slot index of binding kind at resource, which is
	// a BufferID, ImageID or SamplerID depending on kind. A resource of
	// InvalidID writes an empty descriptor.
	WriteDescriptor(table DescriptorTableID, kind DescriptorKind, index uint32, resource uint64) error

	// === Shaders and pipelines ===

	// CreateShaderModule creates a shader module from SPIR-V words.
	CreateShaderModule(desc *ShaderModuleDesc) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// CreateComputePipeline creates a compute pipeline.
	CreateComputePipeline(desc *ComputePipelineDesc) (PipelineID, error)

	// CreateGraphicsPipeline creates a graphics pipeline.
	CreateGraphicsPipeline(desc *GraphicsPipelineDesc) (PipelineID, error)

	// DestroyPipeline releases a pipeline.
	DestroyPipeline(id PipelineID)

	// === Synchronization ===

	// CreateTimelineSemaphore creates a counting semaphore starting at initial.
	CreateTimelineSemaphore(initial uint64) (SemaphoreID, error)

	// CreateBinarySemaphore creates a binary semaphore.
	CreateBinarySemaphore() (SemaphoreID, error)

	// DestroySemaphore releases a semaphore.
	DestroySemaphore(id SemaphoreID)

	// SemaphoreValue returns the current value of a timeline semaphore.
	SemaphoreValue(id SemaphoreID) (uint64, error)

	// WaitSemaphore blocks until a timeline semaphore reaches value or the
	// timeout elapses. Returns false on timeout.
	WaitSemaphore(id SemaphoreID, value uint64, timeout time.Duration) (bool, error)

	// === Command buffers and queues ===

	// AllocateCommandBuffer allocates a reusable command buffer for a queue.
	AllocateCommandBuffer(queue QueueKind, label string) (CommandBufferID, error)

	// FreeCommandBuffer releases a command buffer.
	FreeCommandBuffer(id CommandBufferID)

	// Begin resets a command buffer and starts recording into it.
	Begin(id CommandBufferID) (CommandEncoder, error)

	// Submit enqueues recorded command buffers on a queue.
	Submit(queue QueueKind, desc *SubmitDesc) error

	// WaitIdle blocks until all queues have drained.
	WaitIdle() error

	// Destroy releases the device. All child objects must be destroyed first.
	Destroy()
}

// CommandEncoder records commands into one command buffer.
//
// Recording methods do not return errors; the first failure is reported by
// End. An encoder is not safe for concurrent use.
type CommandEncoder interface {
	// BindDescriptorTable binds the global table at a bind point.
	BindDescriptorTable(table DescriptorTableID, point BindPoint)

	// BindPipeline binds a pipeline at a bind point.
	BindPipeline(pipeline PipelineID, point BindPoint)

	// PushConstants replaces the push constant block from offset 0.
	PushConstants(data []byte)

	// Dispatch records a compute dispatch.
	Dispatch(x, y, z uint32)

	// Barrier records image layout transitions.
	Barrier(images []ImageBarrier)

	// BeginRendering opens a rendering scope and sets viewport and scissor.
	BeginRendering(desc *RenderingDesc)

	// EndRendering closes the rendering scope.
	EndRendering()

	// Draw records a non-indexed draw.
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)

	// DrawMeshTasks records a mesh shader draw.
	DrawMeshTasks(x, y, z uint32)

	// BlitImage copies src into dst, scaling to the destination extent.
	// src must be in LayoutTransferSrc or LayoutGeneral, dst in
	// LayoutTransferDst or LayoutGeneral.
	BlitImage(src, dst ImageID)

	// CopyBuffer records buffer to buffer copies.
	CopyBuffer(src, dst BufferID, regions []BufferCopy)

	// End finishes recording.
	End() error
}

// SurfaceFrame is one acquired presentation image.
//
// Barrier transitions the image to LayoutGeneral. Acquire is signalled by the
// presentation engine when the image may be written; Submit must be
// signalled by the last submission that writes the image.
type SurfaceFrame struct {
	Image   ImageID
	Extent  Extent2D
	Barrier ImageBarrier
	Acquire SemaphoreID
	Submit  SemaphoreID
}

// Surface is a presentation target. Creating and resizing surfaces happens
// outside the scheduler.
type Surface interface {
	// Acquire returns the next presentation image.
	Acquire(timeout time.Duration) (SurfaceFrame, error)

	// Present queues the most recently acquired image for presentation on
	// queue. The image must be in LayoutPresentSrc.
	Present(queue QueueKind) error
}
