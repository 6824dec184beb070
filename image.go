// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

// UploadImage scales src to the extent of a 2D image, converts it to the
// image format and writes it. The image needs transfer destination usage.
//
// Supported formats are RGBA8Unorm, BGRA8Unorm and R8Unorm.
func (rm *ResourceManager) UploadImage(h ImageHandle, src image.Image) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.imageLocked(h)
	if err != nil {
		return err
	}
	if e.desc.Usage&gpucore.ImageUsageTransferDst == 0 {
		return fmt.Errorf("%w: image %q lacks transfer destination usage", ErrConfiguration, e.info.Name)
	}
	if e.desc.Dimension == gpucore.ImageDimension3D {
		return fmt.Errorf("%w: upload to 3D image %q", ErrUnsupported, e.info.Name)
	}

	texels, err := packImage(src, int(e.desc.Width), int(e.desc.Height), e.desc.Format)
	if err != nil {
		return fmt.Errorf("upload image %q: %w", e.info.Name, err)
	}
	return deviceError(fmt.Sprintf("upload image %q", e.info.Name), rm.device.WriteImage(e.id, texels))
}

// packImage resamples src to w x h and returns tightly packed texels.
func packImage(src image.Image, w, h int, format gputypes.TextureFormat) ([]byte, error) {
	rect := image.Rect(0, 0, w, h)
	switch format {
	case gputypes.TextureFormatRGBA8Unorm:
		dst := image.NewRGBA(rect)
		draw.ApproxBiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
		return dst.Pix, nil

	case gputypes.TextureFormatBGRA8Unorm:
		dst := image.NewRGBA(rect)
		draw.ApproxBiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
		for i := 0; i+4 <= len(dst.Pix); i += 4 {
			dst.Pix[i], dst.Pix[i+2] = dst.Pix[i+2], dst.Pix[i]
		}
		return dst.Pix, nil

	case gputypes.TextureFormatR8Unorm:
		dst := image.NewGray(rect)
		draw.ApproxBiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
		return dst.Pix, nil
	}
	return nil, fmt.Errorf("%w: texture format %v", ErrUnsupported, format)
}
