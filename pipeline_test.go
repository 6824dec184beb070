// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/framegraph/internal/shader"
)

func writeSPIRV(t *testing.T, path string) {
	t.Helper()
	var data []byte
	for _, w := range stubSPIRV() {
		data = binary.LittleEndian.AppendUint32(data, w)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestShaderModuleCache(t *testing.T) {
	c, d := newTestContext(t, nil)
	pm := c.Pipelines()
	ctx := context.Background()

	for _, label := range []PipelineLabel{"a", "b"} {
		if err := pm.CreateComputePipeline(ctx, label, ComputePipelineInfo{
			Compute: ShaderStageInfo{Shader: SPIRVCode("shared", stubSPIRV()), EntryPoint: string(label)},
		}); err != nil {
			t.Fatalf("CreateComputePipeline(%s): %v", label, err)
		}
	}
	if pm.Modules() != 1 || d.ShaderModules() != 1 {
		t.Errorf("modules: cache %d, device %d; want one shared module", pm.Modules(), d.ShaderModules())
	}
	if pm.Len() != 2 || d.Pipelines() != 2 {
		t.Errorf("pipelines: manager %d, device %d; want 2", pm.Len(), d.Pipelines())
	}
	info, err := pm.Pipeline("a")
	if err != nil {
		t.Fatal(err)
	}
	if info.BindPoint.String() != "compute" {
		t.Errorf("bind point = %s, want compute", info.BindPoint)
	}
}

func TestPipelineLabelRebindRejected(t *testing.T) {
	c, d := newTestContext(t, nil)
	pm := c.Pipelines()
	ctx := context.Background()
	info := ComputePipelineInfo{Compute: ShaderStageInfo{Shader: SPIRVCode("cs", stubSPIRV()), EntryPoint: "main"}}

	if err := pm.CreateComputePipeline(ctx, "sim", info); err != nil {
		t.Fatal(err)
	}
	if err := pm.CreateComputePipeline(ctx, "sim", info); !errors.Is(err, ErrConfiguration) {
		t.Errorf("rebinding error = %v, want ErrConfiguration", err)
	}
	if d.Pipelines() != 1 {
		t.Errorf("device has %d pipelines after a rejected rebind, want 1", d.Pipelines())
	}
}

func TestPipelineErrors(t *testing.T) {
	spirv := SPIRVCode("cs", stubSPIRV())
	stage := &ShaderStageInfo{Shader: spirv, EntryPoint: "main"}
	tests := []struct {
		name   string
		create func(context.Context, *PipelineManager) error
		want   error
	}{
		{"push constant over limit", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateComputePipeline(ctx, "p", ComputePipelineInfo{Compute: *stage, PushConstantSize: 256})
		}, ErrConfiguration},
		{"empty entry point", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateComputePipeline(ctx, "p", ComputePipelineInfo{Compute: ShaderStageInfo{Shader: spirv}})
		}, ErrConfiguration},
		{"bad SPIR-V", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateComputePipeline(ctx, "p", ComputePipelineInfo{
				Compute: ShaderStageInfo{Shader: SPIRVCode("junk", []uint32{1, 2, 3}), EntryPoint: "main"},
			})
		}, shader.ErrInvalidSPIRV},
		{"no vertex or mesh stage", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateGraphicsPipeline(ctx, "p", GraphicsPipelineInfo{Fragment: stage})
		}, ErrConfiguration},
		{"vertex and mesh stage", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateGraphicsPipeline(ctx, "p", GraphicsPipelineInfo{Vertex: stage, Mesh: stage})
		}, ErrConfiguration},
		{"task without mesh", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateGraphicsPipeline(ctx, "p", GraphicsPipelineInfo{Vertex: stage, Task: stage})
		}, ErrConfiguration},
		{"ray tracing", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateRayTracingPipeline(ctx, "p", RayTracingPipelineInfo{RayGen: *stage})
		}, ErrUnsupported},
		{"module without builder", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateComputePipeline(ctx, "p", ComputePipelineInfo{
				Compute: ShaderStageInfo{Shader: ShaderModule("shaders/blur"), EntryPoint: "main"},
			})
		}, ErrConfiguration},
		{"missing SPIR-V file", func(ctx context.Context, pm *PipelineManager) error {
			return pm.CreateComputePipeline(ctx, "p", ComputePipelineInfo{
				Compute: ShaderStageInfo{Shader: SPIRVFile("does-not-exist.spv"), EntryPoint: "main"},
			})
		}, os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(t, nil)
			err := tt.create(context.Background(), c.Pipelines())
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if c.Pipelines().Len() != 0 {
				t.Errorf("failed create left %d pipelines", c.Pipelines().Len())
			}
		})
	}
}

func TestSPIRVFileRelativeToShaderDir(t *testing.T) {
	dir := t.TempDir()
	writeSPIRV(t, filepath.Join(dir, "blur.spv"))
	c, _ := newTestContext(t, nil, WithShaderDir(dir))

	err := c.Pipelines().CreateComputePipeline(context.Background(), "blur", ComputePipelineInfo{
		Compute: ShaderStageInfo{Shader: SPIRVFile("blur.spv"), EntryPoint: "main"},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
}

func TestShaderModuleBuilder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.spv")
	writeSPIRV(t, out)
	if err := os.Mkdir(filepath.Join(dir, "blur"), 0o700); err != nil {
		t.Fatal(err)
	}

	// The builder prints progress, then the path of the binary.
	c, _ := newTestContext(t, nil,
		WithShaderDir(dir),
		WithShaderBuilder("sh", "-c", `echo "building $1"; echo "`+out+`"`, "builder"))

	err := c.Pipelines().CreateComputePipeline(context.Background(), "blur", ComputePipelineInfo{
		Compute: ShaderStageInfo{Shader: ShaderModule("blur"), EntryPoint: "main"},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
}

func TestWGSLSource(t *testing.T) {
	const src = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`
	if _, err := shader.CompileWGSL("probe", src); err != nil {
		t.Skipf("WGSL compiler unavailable for this shader: %v", err)
	}
	c, d := newTestContext(t, nil)
	pm := c.Pipelines()
	for _, label := range []PipelineLabel{"double", "double2"} {
		if err := pm.CreateComputePipeline(context.Background(), label, ComputePipelineInfo{
			Compute: ShaderStageInfo{Shader: WGSLSource(string(label), src), EntryPoint: "main"},
		}); err != nil {
			t.Fatalf("CreateComputePipeline: %v", err)
		}
	}
	if d.ShaderModules() != 1 {
		t.Errorf("identical WGSL sources produced %d modules, want 1", d.ShaderModules())
	}
}

func TestShaderSourceString(t *testing.T) {
	tests := []struct {
		src  ShaderSource
		want string
	}{
		{SPIRVFile("a.spv"), "spirv:a.spv"},
		{WGSLFile("a.wgsl"), "wgsl:a.wgsl"},
		{WGSLSource("inline", "fn main() {}"), "wgsl-source:inline"},
		{SPIRVCode("words", nil), "spirv-code:words"},
		{ShaderModule("mod"), "module:mod"},
		{ShaderSource{}, "invalid"},
	}
	for _, tt := range tests {
		if got := tt.src.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
