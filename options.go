// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"time"

	"github.com/gogpu/framegraph/gpucore"
)

// Unbounded is the frame timeout used when none is configured. Waits with
// this timeout only return when the semaphore is signalled or the device is
// lost.
const Unbounded = time.Duration(1<<63 - 1)

// Default descriptor table sizes per binding.
const (
	DefaultStorageBuffers = 4096
	DefaultStorageImages  = 4096
	DefaultSampledImages  = 4096
	DefaultSamplers       = 256
	DefaultAccelStructs   = 64
)

// Option configures a Context during creation.
//
// Example:
//
//	fg, err := framegraph.New(
//	    framegraph.WithBackend("software"),
//	    framegraph.WithFrameTimeout(2*time.Second),
//	)
type Option func(*options)

type options struct {
	device        gpucore.Device
	backend       string
	counts        [gpucore.DescriptorKindCount]uint32
	maxPush       uint32
	frameTimeout  time.Duration
	shaderBuilder []string
	shaderDir     string
}

func defaultOptions() options {
	return options{
		counts: [gpucore.DescriptorKindCount]uint32{
			DefaultStorageBuffers,
			DefaultStorageImages,
			DefaultSampledImages,
			DefaultSamplers,
			DefaultAccelStructs,
		},
		frameTimeout: Unbounded,
	}
}

// WithDevice uses an already opened device. The Context does not destroy it
// on Close. WithDevice takes precedence over WithBackend.
func WithDevice(d gpucore.Device) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithBackend opens the named backend from the backend registry. Without it
// (and without WithDevice) the highest priority registered backend is used.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithDescriptorCounts sets the size of each descriptor table binding,
// indexed by gpucore.DescriptorKind. Zero entries keep their default.
func WithDescriptorCounts(counts [gpucore.DescriptorKindCount]uint32) Option {
	return func(o *options) {
		for k, n := range counts {
			if n > 0 {
				o.counts[k] = n
			}
		}
	}
}

// WithMaxPushConstantSize lowers the push constant limit below the device
// limit. Larger values are clamped to the device limit.
func WithMaxPushConstantSize(bytes uint32) Option {
	return func(o *options) {
		o.maxPush = bytes
	}
}

// WithFrameTimeout bounds the frame-pacing wait. A wait that times out
// fails the frame with ErrSynchronizationTimeout.
func WithFrameTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.frameTimeout = d
		}
	}
}

// WithShaderBuilder sets the external command used to build shader module
// directories. The module directory is appended as the last argument and
// the last non-empty line of the command's output is the path of the built
// SPIR-V binary.
func WithShaderBuilder(command string, args ...string) Option {
	return func(o *options) {
		o.shaderBuilder = append([]string{command}, args...)
	}
}

// WithShaderDir sets the directory relative shader paths are resolved
// against.
func WithShaderDir(dir string) Option {
	return func(o *options) {
		o.shaderDir = dir
	}
}

// WithConfig applies every field set in c.
func WithConfig(c *Config) Option {
	return func(o *options) {
		for _, opt := range c.Options() {
			opt(o)
		}
	}
}
