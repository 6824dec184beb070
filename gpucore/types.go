// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent device objects. Each device implementation
// maintains a mapping between IDs and actual backend objects.
// IDs are uint64 to accommodate various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// ImageID is an opaque handle to a GPU image and its default views.
type ImageID uint64

// SamplerID is an opaque handle to a sampler.
type SamplerID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// PipelineID is an opaque handle to a compute, graphics or ray tracing pipeline.
type PipelineID uint64

// DescriptorTableID is an opaque handle to the global bindless descriptor table.
type DescriptorTableID uint64

// SemaphoreID is an opaque handle to a timeline or binary semaphore.
type SemaphoreID uint64

// CommandBufferID is an opaque handle to a reusable command buffer.
type CommandBufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// QueueKind identifies a hardware queue family.
type QueueKind uint8

// Queue kinds.
const (
	QueueGraphics QueueKind = iota
	QueueCompute

	// QueueKindCount is the number of queue kinds.
	QueueKindCount
)

func (q QueueKind) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	default:
		return fmt.Sprintf("QueueKind(%d)", q)
	}
}

// BindPoint selects which pipeline slot of a command buffer a pipeline or
// descriptor table binds to.
type BindPoint uint8

// Bind points.
const (
	BindPointCompute BindPoint = iota
	BindPointGraphics
	BindPointRayTracing
)

func (b BindPoint) String() string {
	switch b {
	case BindPointCompute:
		return "compute"
	case BindPointGraphics:
		return "graphics"
	case BindPointRayTracing:
		return "ray tracing"
	default:
		return fmt.Sprintf("BindPoint(%d)", b)
	}
}

// DescriptorKind names one binding of the global descriptor table.
// The numeric value is the binding number shaders declare.
type DescriptorKind uint32

// Descriptor bindings.
const (
	DescriptorStorageBuffer DescriptorKind = 0
	DescriptorStorageImage  DescriptorKind = 1
	DescriptorSampledImage  DescriptorKind = 2
	DescriptorSampler       DescriptorKind = 3
	DescriptorAccelStruct   DescriptorKind = 4

	// DescriptorKindCount is the number of descriptor bindings.
	DescriptorKindCount = 5
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorStorageBuffer:
		return "storage buffer"
	case DescriptorStorageImage:
		return "storage image"
	case DescriptorSampledImage:
		return "sampled image"
	case DescriptorSampler:
		return "sampler"
	case DescriptorAccelStruct:
		return "acceleration structure"
	default:
		return fmt.Sprintf("DescriptorKind(%d)", uint32(k))
	}
}

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageStorage makes the buffer shader-writable and gives it a
	// storage buffer descriptor.
	BufferUsageStorage BufferUsage = 1 << iota

	// BufferUsageTransferSrc indicates the buffer can be used as a copy source.
	BufferUsageTransferSrc

	// BufferUsageTransferDst indicates the buffer can be used as a copy destination.
	BufferUsageTransferDst

	// BufferUsageIndex indicates the buffer can be used as an index buffer.
	BufferUsageIndex

	// BufferUsageIndirect indicates the buffer can be used for indirect dispatch/draw.
	BufferUsageIndirect

	// BufferUsageAccelStruct marks backing storage for an acceleration structure.
	BufferUsageAccelStruct
)

// MemoryLocation selects the heap a buffer is allocated from.
type MemoryLocation uint8

// Memory locations.
const (
	// MemoryDeviceLocal is fastest for the GPU and not host visible.
	MemoryDeviceLocal MemoryLocation = iota

	// MemoryHostSequentialWrite is host visible, written front to back by the CPU.
	MemoryHostSequentialWrite

	// MemoryHostReadback is host visible and cached for CPU reads.
	MemoryHostReadback
)

func (m MemoryLocation) String() string {
	switch m {
	case MemoryDeviceLocal:
		return "device-local"
	case MemoryHostSequentialWrite:
		return "host-sequential-write"
	case MemoryHostReadback:
		return "host-readback"
	default:
		return fmt.Sprintf("MemoryLocation(%d)", m)
	}
}

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryLocation
}

// ImageDimension is the dimensionality of an image.
type ImageDimension uint8

// Image dimensions.
const (
	ImageDimension1D ImageDimension = iota + 1
	ImageDimension2D
	ImageDimension3D
)

func (d ImageDimension) String() string {
	switch d {
	case ImageDimension1D:
		return "1D"
	case ImageDimension2D:
		return "2D"
	case ImageDimension3D:
		return "3D"
	default:
		return fmt.Sprintf("ImageDimension(%d)", d)
	}
}

// ImageUsage is a bitmask specifying how an image will be used.
type ImageUsage uint32

// Image usage flags.
const (
	// ImageUsageStorage makes the image shader-writable.
	ImageUsageStorage ImageUsage = 1 << iota

	// ImageUsageSampled allows sampling the image in shaders.
	ImageUsageSampled

	// ImageUsageColorAttachment allows rendering into the image.
	ImageUsageColorAttachment

	// ImageUsageTransferSrc allows copies and blits out of the image.
	ImageUsageTransferSrc

	// ImageUsageTransferDst allows copies and blits into the image.
	ImageUsageTransferDst
)

// ImageLayout is the memory layout an image is in at a point of a command stream.
type ImageLayout uint8

// Image layouts.
const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "undefined"
	case LayoutGeneral:
		return "general"
	case LayoutTransferSrc:
		return "transfer-src"
	case LayoutTransferDst:
		return "transfer-dst"
	case LayoutPresentSrc:
		return "present-src"
	default:
		return fmt.Sprintf("ImageLayout(%d)", l)
	}
}

// ImageDesc describes an image allocation.
// Unused trailing extent components must be 1.
type ImageDesc struct {
	Label     string
	Dimension ImageDimension
	Width     uint32
	Height    uint32
	Depth     uint32
	MipLevels uint32
	Format    gputypes.TextureFormat
	Usage     ImageUsage
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label       string
	MagFilter   gputypes.FilterMode
	MinFilter   gputypes.FilterMode
	AddressMode gputypes.AddressMode
}

// DescriptorTableDesc sizes every binding of the global descriptor table.
type DescriptorTableDesc struct {
	Label  string
	Counts [DescriptorKindCount]uint32
}

// ShaderModuleDesc describes a SPIR-V shader module.
type ShaderModuleDesc struct {
	Label string
	SPIRV []uint32
}

// ShaderStage is one programmable stage of a pipeline.
type ShaderStage struct {
	Module     ShaderModuleID
	EntryPoint string
}

// ComputePipelineDesc describes a compute pipeline. All pipelines share the
// layout of the global descriptor table plus one push constant range.
type ComputePipelineDesc struct {
	Label            string
	Table            DescriptorTableID
	PushConstantSize uint32
	Compute          ShaderStage
}

// GraphicsPipelineDesc describes a graphics pipeline. Either Vertex or Mesh
// must be set; Task is optional and requires Mesh.
type GraphicsPipelineDesc struct {
	Label            string
	Table            DescriptorTableID
	PushConstantSize uint32
	Vertex           *ShaderStage
	Task             *ShaderStage
	Mesh             *ShaderStage
	Fragment         *ShaderStage
	ColorFormats     []gputypes.TextureFormat
	Topology         gputypes.PrimitiveTopology
	CullMode         gputypes.CullMode
}

// SemaphoreWait makes a submission wait until a semaphore reaches Value.
// Value is ignored for binary semaphores.
type SemaphoreWait struct {
	Semaphore SemaphoreID
	Value     uint64
}

// SemaphoreSignal makes a submission set a semaphore to Value on completion.
// Value is ignored for binary semaphores.
type SemaphoreSignal struct {
	Semaphore SemaphoreID
	Value     uint64
}

// SubmitDesc is one queue submission.
type SubmitDesc struct {
	CommandBuffers []CommandBufferID
	Waits          []SemaphoreWait
	Signals        []SemaphoreSignal
}

// ImageBarrier transitions an image between layouts.
type ImageBarrier struct {
	Image     ImageID
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// BufferCopy is one region of a buffer to buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// Extent2D is a width/height pair.
type Extent2D struct {
	Width  uint32
	Height uint32
}

// ColorAttachment is one render target of a rendering scope.
type ColorAttachment struct {
	Image ImageID
	// Clear, when non-nil, clears the attachment on load.
	Clear *gputypes.Color
}

// RenderingDesc opens a dynamic rendering scope.
// Viewport and scissor cover Extent.
type RenderingDesc struct {
	Extent           Extent2D
	ColorAttachments []ColorAttachment
}

// Limits reports device limits the scheduler depends on.
type Limits struct {
	MaxPushConstantSize uint32
	MaxDescriptors      [DescriptorKindCount]uint32
	MaxBufferSize       uint64
	MaxImageDimension   uint32
}
