// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

// surfaceImages is the swapchain length of a simulated surface.
const surfaceImages = 2

// Surface is a simulated presentation target with two swapchain images.
//
// Acquire signals the acquire semaphore immediately. Present is queued until
// the image's submit semaphore is signalled by executed work, like a real
// presentation engine.
type Surface struct {
	d      *Device
	extent gpucore.Extent2D
	format gputypes.TextureFormat

	images  [surfaceImages]gpucore.ImageID
	acquire [surfaceImages]gpucore.SemaphoreID
	submit  [surfaceImages]gpucore.SemaphoreID

	mu        sync.Mutex
	index     int
	acquired  bool
	presented int
}

// NewSurface creates a surface whose images are allocated on d.
func NewSurface(d *Device, width, height uint32, format gputypes.TextureFormat) (*Surface, error) {
	s := &Surface{
		d:      d,
		extent: gpucore.Extent2D{Width: width, Height: height},
		format: format,
	}
	for i := range s.images {
		img, err := d.CreateImage(&gpucore.ImageDesc{
			Label:     fmt.Sprintf("swapchain_%d", i),
			Dimension: gpucore.ImageDimension2D,
			Width:     width,
			Height:    height,
			Depth:     1,
			MipLevels: 1,
			Format:    format,
			Usage:     gpucore.ImageUsageColorAttachment | gpucore.ImageUsageTransferDst,
		})
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("software: create surface: %w", err)
		}
		s.images[i] = img
		if s.acquire[i], err = d.CreateBinarySemaphore(); err != nil {
			s.Destroy()
			return nil, fmt.Errorf("software: create surface: %w", err)
		}
		if s.submit[i], err = d.CreateBinarySemaphore(); err != nil {
			s.Destroy()
			return nil, fmt.Errorf("software: create surface: %w", err)
		}
	}
	return s, nil
}

// Acquire implements gpucore.Surface. Acquiring again before Present
// returns the image already held.
func (s *Surface) Acquire(timeout time.Duration) (gpucore.SurfaceFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index
	if !s.acquired {
		s.d.mu.Lock()
		s.d.signal(gpucore.SemaphoreSignal{Semaphore: s.acquire[i]})
		s.d.mu.Unlock()
		s.acquired = true
	}
	return gpucore.SurfaceFrame{
		Image:  s.images[i],
		Extent: s.extent,
		Barrier: gpucore.ImageBarrier{
			Image:     s.images[i],
			OldLayout: gpucore.LayoutUndefined,
			NewLayout: gpucore.LayoutGeneral,
		},
		Acquire: s.acquire[i],
		Submit:  s.submit[i],
	}, nil
}

// Present implements gpucore.Surface.
func (s *Surface) Present(queue gpucore.QueueKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return errors.New("software: present without an acquired image")
	}
	if queue != gpucore.QueueGraphics {
		return fmt.Errorf("software: present on the %s queue", queue)
	}

	i := s.index
	s.d.mu.Lock()
	s.d.presents = append(s.d.presents, &pendingPresent{
		wait:  gpucore.SemaphoreWait{Semaphore: s.submit[i]},
		image: s.images[i],
		done:  s.completePresent,
	})
	s.d.flushPresents()
	s.d.mu.Unlock()

	s.acquired = false
	s.index = (s.index + 1) % surfaceImages
	return nil
}

// Image returns the swapchain image at index i.
func (s *Surface) Image(i int) gpucore.ImageID { return s.images[i] }

// Presented returns the number of completed presentations.
func (s *Surface) Presented() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.presented
}

// completePresent runs with s.d.mu held.
func (s *Surface) completePresent() { s.presented++ }

// Destroy releases the surface images and semaphores.
func (s *Surface) Destroy() {
	for i := range s.images {
		if s.images[i] != gpucore.InvalidID {
			s.d.DestroyImage(s.images[i])
			s.images[i] = gpucore.InvalidID
		}
		if s.acquire[i] != gpucore.InvalidID {
			s.d.DestroySemaphore(s.acquire[i])
			s.acquire[i] = gpucore.InvalidID
		}
		if s.submit[i] != gpucore.InvalidID {
			s.d.DestroySemaphore(s.submit[i])
			s.submit[i] = gpucore.InvalidID
		}
	}
}
