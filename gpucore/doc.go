// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucore defines the backend device contract used by framegraph.
//
// The scheduler and the bindless resource manager never touch a graphics API
// directly. They talk to a [Device], which owns memory, the global descriptor
// table, semaphores and queues, and to a [CommandEncoder] returned by
// [Device.Begin] for recording.
//
// # Architecture
//
//	               +-----------------+
//	               |   framegraph    |
//	               | (Context, Graph)|
//	               +--------+--------+
//	                        |
//	               +--------v--------+
//	               |     gpucore     |
//	               | Device/Encoder  |
//	               +--------+--------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/wgpu    |          |backend/software |
//	|  (hal.Device)   |          | (host simulated)|
//	+-----------------+          +-----------------+
//
// # Resource Management
//
// Device objects are named by opaque IDs ([BufferID], [ImageID], etc.).
// Devices map IDs to backend objects; the zero value [InvalidID] is never a
// live object.
//
// # Synchronization
//
// Ordering is expressed with timeline semaphores. A [SubmitDesc] lists the
// semaphore values a submission waits for and the values it signals on
// completion. Binary semaphores exist only for presentation.
package gpucore
