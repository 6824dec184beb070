// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/framegraph/internal/cache"
	"github.com/gogpu/framegraph/internal/shader"
	"github.com/gogpu/gputypes"
)

type sourceKind uint8

const (
	sourceSPIRVFile sourceKind = iota + 1
	sourceWGSLFile
	sourceWGSLCode
	sourceSPIRVCode
	sourceModule
)

// ShaderSource identifies shader code. Sources with the same identity share
// one shader module per Context.
type ShaderSource struct {
	kind  sourceKind
	id    string
	code  string
	words []uint32
}

// SPIRVFile is a precompiled SPIR-V binary on disk. Relative paths resolve
// against the Context shader directory.
func SPIRVFile(path string) ShaderSource {
	return ShaderSource{kind: sourceSPIRVFile, id: path}
}

// WGSLFile is WGSL source on disk, compiled with naga on first use.
func WGSLFile(path string) ShaderSource {
	return ShaderSource{kind: sourceWGSLFile, id: path}
}

// WGSLSource is inline WGSL source. The source text is its identity; name is
// only used in errors and debug labels.
func WGSLSource(name, code string) ShaderSource {
	return ShaderSource{kind: sourceWGSLCode, id: name, code: code}
}

// SPIRVCode is SPIR-V already in memory, identified by name.
func SPIRVCode(name string, words []uint32) ShaderSource {
	return ShaderSource{kind: sourceSPIRVCode, id: name, words: words}
}

// ShaderModule is a module directory built by the external builder
// configured with WithShaderBuilder.
func ShaderModule(dir string) ShaderSource {
	return ShaderSource{kind: sourceModule, id: dir}
}

func (s ShaderSource) String() string {
	switch s.kind {
	case sourceSPIRVFile:
		return "spirv:" + s.id
	case sourceWGSLFile:
		return "wgsl:" + s.id
	case sourceWGSLCode:
		return "wgsl-source:" + s.id
	case sourceSPIRVCode:
		return "spirv-code:" + s.id
	case sourceModule:
		return "module:" + s.id
	}
	return "invalid"
}

type sourceKey struct {
	kind sourceKind
	id   string
}

// ShaderStageInfo selects one entry point of a shader source.
type ShaderStageInfo struct {
	Shader     ShaderSource
	EntryPoint string
}

// ComputePipelineInfo describes a compute pipeline.
type ComputePipelineInfo struct {
	Compute          ShaderStageInfo
	PushConstantSize uint32
}

// GraphicsPipelineInfo describes a graphics pipeline. Exactly one of Vertex
// and Mesh is set; Task requires Mesh.
type GraphicsPipelineInfo struct {
	Vertex           *ShaderStageInfo
	Task             *ShaderStageInfo
	Mesh             *ShaderStageInfo
	Fragment         *ShaderStageInfo
	ColorFormats     []gputypes.TextureFormat
	Topology         gputypes.PrimitiveTopology
	CullMode         gputypes.CullMode
	PushConstantSize uint32
}

// RayTracingPipelineInfo describes a ray tracing pipeline.
type RayTracingPipelineInfo struct {
	RayGen           ShaderStageInfo
	Miss             []ShaderStageInfo
	ClosestHit       []ShaderStageInfo
	PushConstantSize uint32
}

// PipelineInfo describes a created pipeline.
type PipelineInfo struct {
	BindPoint        gpucore.BindPoint
	PushConstantSize uint32
}

type pipelineEntry struct {
	id   gpucore.PipelineID
	info PipelineInfo
}

// PipelineManager creates pipelines against the global descriptor table and
// caches shader modules by source identity.
//
// A label names one pipeline for the lifetime of the Context; hot reloading
// a bound label is not supported.
//
// PipelineManager is safe for concurrent use.
type PipelineManager struct {
	device  gpucore.Device
	table   gpucore.DescriptorTableID
	maxPush uint32
	dir     string
	builder []string

	modules *cache.Cache[sourceKey, gpucore.ShaderModuleID]

	mu        sync.RWMutex
	closed    bool
	pipelines map[PipelineLabel]pipelineEntry
}

func newPipelineManager(device gpucore.Device, table gpucore.DescriptorTableID, maxPush uint32, o *options) *PipelineManager {
	return &PipelineManager{
		device:    device,
		table:     table,
		maxPush:   maxPush,
		dir:       o.shaderDir,
		builder:   o.shaderBuilder,
		modules:   cache.New[sourceKey, gpucore.ShaderModuleID](),
		pipelines: make(map[PipelineLabel]pipelineEntry),
	}
}

// MaxPushConstantSize returns the largest push constant block pipelines may
// declare.
func (pm *PipelineManager) MaxPushConstantSize() uint32 { return pm.maxPush }

// CreateComputePipeline creates the compute pipeline named label.
func (pm *PipelineManager) CreateComputePipeline(ctx context.Context, label PipelineLabel, info ComputePipelineInfo) error {
	if err := pm.reserve(label, info.PushConstantSize); err != nil {
		return err
	}
	stage, err := pm.stage(ctx, &info.Compute)
	if err != nil {
		return fmt.Errorf("compute pipeline %q: %w", label, err)
	}
	id, err := pm.device.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:            string(label),
		Table:            pm.table,
		PushConstantSize: info.PushConstantSize,
		Compute:          *stage,
	})
	if err != nil {
		return deviceError(fmt.Sprintf("create compute pipeline %q", label), err)
	}
	return pm.bind(label, pipelineEntry{id: id, info: PipelineInfo{
		BindPoint:        gpucore.BindPointCompute,
		PushConstantSize: info.PushConstantSize,
	}})
}

// CreateGraphicsPipeline creates the graphics pipeline named label.
func (pm *PipelineManager) CreateGraphicsPipeline(ctx context.Context, label PipelineLabel, info GraphicsPipelineInfo) error {
	if (info.Vertex == nil) == (info.Mesh == nil) {
		return fmt.Errorf("%w: graphics pipeline %q needs exactly one of a vertex or a mesh stage", ErrConfiguration, label)
	}
	if info.Task != nil && info.Mesh == nil {
		return fmt.Errorf("%w: graphics pipeline %q has a task stage without a mesh stage", ErrConfiguration, label)
	}
	if err := pm.reserve(label, info.PushConstantSize); err != nil {
		return err
	}

	desc := gpucore.GraphicsPipelineDesc{
		Label:            string(label),
		Table:            pm.table,
		PushConstantSize: info.PushConstantSize,
		ColorFormats:     info.ColorFormats,
		Topology:         info.Topology,
		CullMode:         info.CullMode,
	}
	stages := []struct {
		in  *ShaderStageInfo
		out **gpucore.ShaderStage
	}{
		{info.Vertex, &desc.Vertex},
		{info.Task, &desc.Task},
		{info.Mesh, &desc.Mesh},
		{info.Fragment, &desc.Fragment},
	}
	for _, s := range stages {
		if s.in == nil {
			continue
		}
		stage, err := pm.stage(ctx, s.in)
		if err != nil {
			return fmt.Errorf("graphics pipeline %q: %w", label, err)
		}
		*s.out = stage
	}

	id, err := pm.device.CreateGraphicsPipeline(&desc)
	if err != nil {
		return deviceError(fmt.Sprintf("create graphics pipeline %q", label), err)
	}
	return pm.bind(label, pipelineEntry{id: id, info: PipelineInfo{
		BindPoint:        gpucore.BindPointGraphics,
		PushConstantSize: info.PushConstantSize,
	}})
}

// CreateRayTracingPipeline is declared for completeness and always fails
// with ErrUnsupported.
func (pm *PipelineManager) CreateRayTracingPipeline(_ context.Context, label PipelineLabel, _ RayTracingPipelineInfo) error {
	return fmt.Errorf("%w: ray tracing pipeline %q", ErrUnsupported, label)
}

// Pipeline returns the description of the pipeline named label.
func (pm *PipelineManager) Pipeline(label PipelineLabel) (PipelineInfo, error) {
	e, err := pm.lookup(label)
	return e.info, err
}

// Len returns the number of pipelines.
func (pm *PipelineManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pipelines)
}

// Modules returns the number of cached shader modules.
func (pm *PipelineManager) Modules() int { return pm.modules.Len() }

func (pm *PipelineManager) lookup(label PipelineLabel) (pipelineEntry, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return pipelineEntry{}, ErrClosed
	}
	e, ok := pm.pipelines[label]
	if !ok {
		return pipelineEntry{}, fmt.Errorf("%w: pipeline %q", ErrNotFound, label)
	}
	return e, nil
}

// reserve checks that label is free and the push constant size fits.
func (pm *PipelineManager) reserve(label PipelineLabel, push uint32) error {
	if push > pm.maxPush {
		return fmt.Errorf("%w: pipeline %q declares %d bytes of push constants, limit is %d",
			ErrConfiguration, label, push, pm.maxPush)
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrClosed
	}
	if _, ok := pm.pipelines[label]; ok {
		return fmt.Errorf("%w: pipeline %q is already bound; reloading pipelines is not supported", ErrConfiguration, label)
	}
	return nil
}

func (pm *PipelineManager) bind(label PipelineLabel, e pipelineEntry) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.pipelines[label]; ok || pm.closed {
		pm.device.DestroyPipeline(e.id)
		if pm.closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: pipeline %q is already bound; reloading pipelines is not supported", ErrConfiguration, label)
	}
	pm.pipelines[label] = e
	Logger().Debug("framegraph: pipeline created", "label", string(label), "bind_point", e.info.BindPoint.String())
	return nil
}

func (pm *PipelineManager) stage(ctx context.Context, s *ShaderStageInfo) (*gpucore.ShaderStage, error) {
	if s.EntryPoint == "" {
		return nil, fmt.Errorf("%w: %s: empty entry point", ErrConfiguration, s.Shader)
	}
	module, err := pm.module(ctx, s.Shader)
	if err != nil {
		return nil, err
	}
	return &gpucore.ShaderStage{Module: module, EntryPoint: s.EntryPoint}, nil
}

// module loads src once per identity.
func (pm *PipelineManager) module(ctx context.Context, src ShaderSource) (gpucore.ShaderModuleID, error) {
	key := sourceKey{kind: src.kind, id: src.id}
	if src.kind == sourceWGSLCode {
		key.id = src.code
	}
	return pm.modules.GetOrCreate(key, func() (gpucore.ShaderModuleID, error) {
		words, err := pm.load(ctx, src)
		if err != nil {
			return gpucore.InvalidID, err
		}
		id, err := pm.device.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: src.String(), SPIRV: words})
		if err != nil {
			return gpucore.InvalidID, deviceError(fmt.Sprintf("create shader module %s", src), err)
		}
		Logger().Debug("framegraph: shader module loaded", "source", src.String(), "words", len(words))
		return id, nil
	})
}

func (pm *PipelineManager) load(ctx context.Context, src ShaderSource) ([]uint32, error) {
	switch src.kind {
	case sourceSPIRVFile:
		return shader.LoadSPIRV(pm.resolve(src.id))
	case sourceWGSLFile:
		return shader.LoadWGSL(pm.resolve(src.id))
	case sourceWGSLCode:
		return shader.CompileWGSL(src.id, src.code)
	case sourceSPIRVCode:
		if len(src.words) == 0 || src.words[0] != shader.Magic {
			return nil, fmt.Errorf("%w: %s", shader.ErrInvalidSPIRV, src)
		}
		return src.words, nil
	case sourceModule:
		if len(pm.builder) == 0 {
			return nil, fmt.Errorf("%w: %s needs a shader builder", ErrConfiguration, src)
		}
		path, err := shader.Build(ctx, pm.builder, pm.resolve(src.id))
		if err != nil {
			return nil, err
		}
		return shader.LoadSPIRV(path)
	}
	return nil, fmt.Errorf("%w: empty shader source", ErrConfiguration)
}

func (pm *PipelineManager) resolve(path string) string {
	if pm.dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(pm.dir, path)
}

// close destroys every pipeline and shader module.
func (pm *PipelineManager) close() {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return
	}
	pm.closed = true
	for _, e := range pm.pipelines {
		pm.device.DestroyPipeline(e.id)
	}
	clear(pm.pipelines)
	pm.mu.Unlock()

	pm.modules.Drain(func(_ sourceKey, id gpucore.ShaderModuleID) {
		pm.device.DestroyShaderModule(id)
	})
}
