// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"errors"

	"github.com/gogpu/framegraph/gpucore"
)

// Backend name constants.
const (
	// BackendSoftware is the name of the host-simulated device.
	BackendSoftware = "software"
	// BackendWGPU is the name of the Pure Go GPU backend (gogpu/wgpu HAL).
	BackendWGPU = "wgpu"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Factory opens a new device. A factory may be called more than once;
// every call returns an independent device owned by the caller.
type Factory func() (gpucore.Device, error)
