// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/framegraph/gpucore"
)

const sampleConfig = `
backend: software
frame_timeout: 2s
max_push_constant_size: 64
descriptors:
  storage_buffers: 1024
  samplers: 32
shaders:
  dir: shaders
  builder: [wgslc, --spirv]
`

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	want := Config{
		Backend:             "software",
		FrameTimeout:        2 * time.Second,
		MaxPushConstantSize: 64,
		Descriptors:         DescriptorConfig{StorageBuffers: 1024, Samplers: 32},
		Shaders:             ShaderConfig{Dir: "shaders", Builder: []string{"wgslc", "--spirv"}},
	}
	if c.Backend != want.Backend || c.FrameTimeout != want.FrameTimeout ||
		c.MaxPushConstantSize != want.MaxPushConstantSize || c.Descriptors != want.Descriptors ||
		c.Shaders.Dir != want.Shaders.Dir || !slices.Equal(c.Shaders.Builder, want.Shaders.Builder) {
		t.Errorf("ParseConfig = %+v, want %+v", *c, want)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "backend: software\nframes_in_flight: 3\n"},
		{"bad duration", "frame_timeout: soon\n"},
		{"negative timeout", "frame_timeout: -1s\n"},
		{"empty builder", "shaders:\n  builder: ['']\n"},
		{"wrong type", "descriptors: 12\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("ParseConfig error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestParseConfigEmpty(t *testing.T) {
	c, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig(nil): %v", err)
	}
	o := defaultOptions()
	for _, opt := range c.Options() {
		opt(&o)
	}
	def := defaultOptions()
	if o.backend != "" || o.maxPush != 0 || o.shaderDir != "" || o.shaderBuilder != nil {
		t.Errorf("empty config set options: %+v", o)
	}
	if o.counts != def.counts || o.frameTimeout != def.frameTimeout {
		t.Errorf("empty config changed defaults: counts %v timeout %v", o.counts, o.frameTimeout)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framegraph.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Backend != "software" {
		t.Errorf("Backend = %q, want software", c.Backend)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}

func TestConfigOptions(t *testing.T) {
	c, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	o := defaultOptions()
	WithConfig(c)(&o)

	if o.backend != "software" {
		t.Errorf("backend = %q, want software", o.backend)
	}
	if o.frameTimeout != 2*time.Second {
		t.Errorf("frameTimeout = %v, want 2s", o.frameTimeout)
	}
	if o.maxPush != 64 {
		t.Errorf("maxPush = %d, want 64", o.maxPush)
	}
	wantCounts := [gpucore.DescriptorKindCount]uint32{1024, DefaultStorageImages, DefaultSampledImages, 32, DefaultAccelStructs}
	if o.counts != wantCounts {
		t.Errorf("counts = %v, want %v", o.counts, wantCounts)
	}
	if o.shaderDir != "shaders" {
		t.Errorf("shaderDir = %q, want shaders", o.shaderDir)
	}
	if !slices.Equal(o.shaderBuilder, []string{"wgslc", "--spirv"}) {
		t.Errorf("shaderBuilder = %q", o.shaderBuilder)
	}
}

func TestWithFrameTimeoutIgnoresNonPositive(t *testing.T) {
	o := defaultOptions()
	WithFrameTimeout(0)(&o)
	WithFrameTimeout(-time.Second)(&o)
	if o.frameTimeout != Unbounded {
		t.Errorf("frameTimeout = %v, want Unbounded", o.frameTimeout)
	}
}

func TestMaxPushConstantSizeClamp(t *testing.T) {
	tests := []struct {
		name string
		opt  uint32
		want uint32
	}{
		{"device limit", 0, 128},
		{"lowered", 32, 32},
		{"clamped", 4096, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(t, nil, WithMaxPushConstantSize(tt.opt))
			if got := c.Pipelines().MaxPushConstantSize(); got != tt.want {
				t.Errorf("MaxPushConstantSize() = %d, want %d", got, tt.want)
			}
		})
	}
}
