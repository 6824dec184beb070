// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package backend provides a pluggable device backend registry.
//
// Backend packages register a [Factory] from their init() functions and are
// linked into a program with a blank import:
//
//	import _ "github.com/gogpu/framegraph/backend/software"
//	import _ "github.com/gogpu/framegraph/backend/wgpu"
//
// # Backend Selection
//
// Use OpenDefault to open the best available device, or Open to request a
// specific backend by name:
//
//	dev, name, err := backend.OpenDefault()
//
//	// Or request a specific backend
//	dev, err := backend.Open(backend.BackendSoftware)
//
// The returned device is owned by the caller, who must call Destroy.
package backend
