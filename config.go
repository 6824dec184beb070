// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/framegraph/gpucore"
)

// Config is the file form of the Context options.
//
//	backend: software
//	frame_timeout: 2s
//	max_push_constant_size: 64
//	descriptors:
//	  storage_buffers: 1024
//	  samplers: 32
//	shaders:
//	  dir: shaders
//	  builder: [wgslc, --spirv]
type Config struct {
	Backend             string           `yaml:"backend"`
	FrameTimeout        time.Duration    `yaml:"frame_timeout"`
	MaxPushConstantSize uint32           `yaml:"max_push_constant_size"`
	Descriptors         DescriptorConfig `yaml:"descriptors"`
	Shaders             ShaderConfig     `yaml:"shaders"`
}

// DescriptorConfig sizes the bindings of the global descriptor table.
type DescriptorConfig struct {
	StorageBuffers uint32 `yaml:"storage_buffers"`
	StorageImages  uint32 `yaml:"storage_images"`
	SampledImages  uint32 `yaml:"sampled_images"`
	Samplers       uint32 `yaml:"samplers"`
	AccelStructs   uint32 `yaml:"accel_structs"`
}

// ShaderConfig locates shader sources and the external module builder.
type ShaderConfig struct {
	Dir     string   `yaml:"dir"`
	Builder []string `yaml:"builder"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framegraph: load config: %w", err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return c, nil
}

// ParseConfig decodes YAML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse config: %w", ErrConfiguration, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.FrameTimeout < 0 {
		return fmt.Errorf("%w: negative frame_timeout %s", ErrConfiguration, c.FrameTimeout)
	}
	if len(c.Shaders.Builder) > 0 && c.Shaders.Builder[0] == "" {
		return fmt.Errorf("%w: empty shader builder command", ErrConfiguration)
	}
	return nil
}

// Options converts the configuration into Context options. Zero fields are
// skipped so defaults apply.
func (c *Config) Options() []Option {
	var opts []Option
	if c.Backend != "" {
		opts = append(opts, WithBackend(c.Backend))
	}
	if c.FrameTimeout > 0 {
		opts = append(opts, WithFrameTimeout(c.FrameTimeout))
	}
	if c.MaxPushConstantSize > 0 {
		opts = append(opts, WithMaxPushConstantSize(c.MaxPushConstantSize))
	}
	opts = append(opts, WithDescriptorCounts([gpucore.DescriptorKindCount]uint32{
		gpucore.DescriptorStorageBuffer: c.Descriptors.StorageBuffers,
		gpucore.DescriptorStorageImage:  c.Descriptors.StorageImages,
		gpucore.DescriptorSampledImage:  c.Descriptors.SampledImages,
		gpucore.DescriptorSampler:       c.Descriptors.Samplers,
		gpucore.DescriptorAccelStruct:   c.Descriptors.AccelStructs,
	}))
	if c.Shaders.Dir != "" {
		opts = append(opts, WithShaderDir(c.Shaders.Dir))
	}
	if len(c.Shaders.Builder) > 0 {
		opts = append(opts, WithShaderBuilder(c.Shaders.Builder[0], c.Shaders.Builder[1:]...))
	}
	return opts
}
