// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package software provides a host-simulated [gpucore.Device].
//
// Buffers and images are byte slices, semaphores are host counters and
// submissions execute in queue order once their waits are satisfied. Compute
// dispatches run Go kernels registered per entry point with
// [Device.RegisterKernel], so compute graphs produce real results without a
// GPU.
//
// The device is registered as [backend.BackendSoftware] on import:
//
//	import _ "github.com/gogpu/framegraph/backend/software"
//
// # Test controls
//
// By default every submission retires as soon as its waits are satisfied.
// [WithManualRetire] keeps submissions pending until [Device.Retire] is
// called, which lets tests observe frames in flight. [WithEarlyWaitRelease]
// makes semaphore waits return before the value is reached, a broken clock
// the scheduler must detect. [Device.Submissions], [Device.Begins] and
// [Device.Validation] expose what the device saw.
package software
