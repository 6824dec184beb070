// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache provides a keyed create-once cache for device objects.
//
// Entries are never evicted: values such as shader modules are owned by the
// cache and released together with Drain when their device goes away.
//
// Example:
//
//	modules := cache.New[string, gpucore.ShaderModuleID]()
//	id, err := modules.GetOrCreate(path, func() (gpucore.ShaderModuleID, error) {
//	    return device.CreateShaderModule(desc)
//	})
package cache
