// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

// Recorder is the command recording interface handed to nodes. The global
// descriptor table is already bound, so nodes address resources by handle
// index through push constants.
//
// A Recorder is only valid inside the Record call it was passed to.
type Recorder struct {
	enc       gpucore.CommandEncoder
	queue     QueueKind
	frame     uint64
	maxPush   uint32
	resources *ResourceManager
	pipelines *PipelineManager
	surfaces  map[SurfaceLabel]gpucore.SurfaceFrame

	compute   bool
	graphics  bool
	rendering bool
}

// Queue returns the queue being recorded.
func (r *Recorder) Queue() QueueKind { return r.queue }

// Frame returns the number of the frame being recorded, starting at 0.
func (r *Recorder) Frame() uint64 { return r.frame }

// Buffer resolves a buffer label.
func (r *Recorder) Buffer(label BufferLabel) (BufferHandle, error) {
	return r.resources.Buffer(label)
}

// Image resolves an image label.
func (r *Recorder) Image(label ImageLabel) (ImageHandle, error) {
	return r.resources.Image(label)
}

// BindPipeline binds the pipeline named label at its bind point.
func (r *Recorder) BindPipeline(label PipelineLabel) error {
	e, err := r.pipelines.lookup(label)
	if err != nil {
		return err
	}
	switch e.info.BindPoint {
	case gpucore.BindPointCompute:
		if r.rendering {
			return fmt.Errorf("%w: compute pipeline %q bound inside a rendering scope", ErrConfiguration, label)
		}
		r.compute = true
	case gpucore.BindPointGraphics:
		if r.queue != QueueGraphics {
			return fmt.Errorf("%w: graphics pipeline %q bound on the %s queue", ErrConfiguration, label, r.queue)
		}
		r.graphics = true
	}
	r.enc.BindPipeline(e.id, e.info.BindPoint)
	return nil
}

// SetPushConstant sets the push constant block for later dispatches and
// draws. It fails if data exceeds the device push constant limit.
func (r *Recorder) SetPushConstant(data []byte) error {
	if uint32(len(data)) > r.maxPush {
		return fmt.Errorf("%w: push constant of %d bytes exceeds limit %d", ErrConfiguration, len(data), r.maxPush)
	}
	r.enc.PushConstants(data)
	return nil
}

// PushConstant encodes v in little-endian byte order with encoding/binary
// and sets it as the push constant block. v must have a fixed size.
//
//	type params struct{ Buffer, Count uint32 }
//	err := framegraph.PushConstant(r, params{Buffer: h.Index(), Count: 4})
func PushConstant[T any](r *Recorder, v T) error {
	data, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("%w: encode push constant: %w", ErrConfiguration, err)
	}
	return r.SetPushConstant(data)
}

// Dispatch records a compute dispatch of x*y*z workgroups.
func (r *Recorder) Dispatch(x, y, z uint32) error {
	if !r.compute {
		return fmt.Errorf("%w: dispatch without a compute pipeline", ErrConfiguration)
	}
	if r.rendering {
		return fmt.Errorf("%w: dispatch inside a rendering scope", ErrConfiguration)
	}
	r.enc.Dispatch(x, y, z)
	return nil
}

// RenderTarget is one color attachment. Exactly one of Image and Surface is
// set; a surface target renders into the image acquired for this frame.
type RenderTarget struct {
	Image   ImageLabel
	Surface SurfaceLabel
	// Clear, when non-nil, clears the target on load.
	Clear *gputypes.Color
}

// BeginRendering opens a rendering scope over targets. Viewport and scissor
// cover the extent of the targets, which must all match.
func (r *Recorder) BeginRendering(targets ...RenderTarget) error {
	if r.queue != QueueGraphics {
		return fmt.Errorf("%w: rendering on the %s queue", ErrConfiguration, r.queue)
	}
	if r.rendering {
		return fmt.Errorf("%w: rendering scope already open", ErrConfiguration)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: rendering without targets", ErrConfiguration)
	}

	desc := gpucore.RenderingDesc{}
	for i, t := range targets {
		img, extent, err := r.target(t)
		if err != nil {
			return err
		}
		if i == 0 {
			desc.Extent = extent
		} else if extent != desc.Extent {
			return fmt.Errorf("%w: render target %d is %dx%d, want %dx%d", ErrConfiguration,
				i, extent.Width, extent.Height, desc.Extent.Width, desc.Extent.Height)
		}
		desc.ColorAttachments = append(desc.ColorAttachments, gpucore.ColorAttachment{Image: img, Clear: t.Clear})
	}
	r.enc.BeginRendering(&desc)
	r.rendering = true
	return nil
}

func (r *Recorder) target(t RenderTarget) (gpucore.ImageID, gpucore.Extent2D, error) {
	switch {
	case t.Image != "" && t.Surface != "":
		return gpucore.InvalidID, gpucore.Extent2D{}, fmt.Errorf("%w: render target names both image %q and surface %q",
			ErrConfiguration, t.Image, t.Surface)
	case t.Surface != "":
		fr, ok := r.surfaces[t.Surface]
		if !ok {
			return gpucore.InvalidID, gpucore.Extent2D{}, fmt.Errorf("%w: surface %q not acquired this frame", ErrNotFound, t.Surface)
		}
		return fr.Image, fr.Extent, nil
	case t.Image != "":
		_, e, err := r.resources.imageID(t.Image)
		if err != nil {
			return gpucore.InvalidID, gpucore.Extent2D{}, err
		}
		if e.desc.Usage&gpucore.ImageUsageColorAttachment == 0 {
			return gpucore.InvalidID, gpucore.Extent2D{}, fmt.Errorf("%w: image %q lacks color attachment usage",
				ErrConfiguration, t.Image)
		}
		return e.id, gpucore.Extent2D{Width: e.desc.Width, Height: e.desc.Height}, nil
	}
	return gpucore.InvalidID, gpucore.Extent2D{}, fmt.Errorf("%w: empty render target", ErrConfiguration)
}

// EndRendering closes the rendering scope.
func (r *Recorder) EndRendering() error {
	if !r.rendering {
		return fmt.Errorf("%w: no rendering scope open", ErrConfiguration)
	}
	r.enc.EndRendering()
	r.rendering = false
	return nil
}

// Draw records a non-indexed draw.
func (r *Recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := r.checkDraw(); err != nil {
		return err
	}
	r.enc.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

// DrawMeshTasks records a mesh shader draw of x*y*z task workgroups.
func (r *Recorder) DrawMeshTasks(x, y, z uint32) error {
	if err := r.checkDraw(); err != nil {
		return err
	}
	r.enc.DrawMeshTasks(x, y, z)
	return nil
}

func (r *Recorder) checkDraw() error {
	if !r.rendering {
		return fmt.Errorf("%w: draw outside a rendering scope", ErrConfiguration)
	}
	if !r.graphics {
		return fmt.Errorf("%w: draw without a graphics pipeline", ErrConfiguration)
	}
	return nil
}

// BlitImageToSurface scales an image onto the image acquired for a surface
// this frame.
func (r *Recorder) BlitImageToSurface(src ImageLabel, dst SurfaceLabel) error {
	if r.rendering {
		return fmt.Errorf("%w: blit inside a rendering scope", ErrConfiguration)
	}
	fr, ok := r.surfaces[dst]
	if !ok {
		return fmt.Errorf("%w: surface %q not acquired this frame", ErrNotFound, dst)
	}
	_, e, err := r.resources.imageID(src)
	if err != nil {
		return err
	}
	r.enc.BlitImage(e.id, fr.Image)
	return nil
}

// CopyBuffer copies regions between two labelled buffers. Without regions
// the whole of the smaller buffer is copied.
func (r *Recorder) CopyBuffer(src, dst BufferLabel, regions ...gpucore.BufferCopy) error {
	if r.rendering {
		return fmt.Errorf("%w: copy inside a rendering scope", ErrConfiguration)
	}
	sh, sid, err := r.resources.bufferID(src)
	if err != nil {
		return err
	}
	dh, did, err := r.resources.bufferID(dst)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		si, err := r.resources.BufferInfo(sh)
		if err != nil {
			return err
		}
		di, err := r.resources.BufferInfo(dh)
		if err != nil {
			return err
		}
		regions = []gpucore.BufferCopy{{Size: min(si.Size, di.Size)}}
	}
	r.enc.CopyBuffer(sid, did, regions)
	return nil
}
