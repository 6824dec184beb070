// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/framegraph/backend/software"
	"github.com/gogpu/framegraph/gpucore"
)

// stubSPIRV is a minimal SPIR-V header; the simulated device only checks
// that modules are non-empty and runs registered kernels by entry point.
func stubSPIRV() []uint32 {
	return []uint32{0x07230203, 0x00010300, 0, 1, 0}
}

// newTestContext opens a Context on a fresh simulated device. The device is
// destroyed after the Context is closed.
func newTestContext(t *testing.T, dopts []software.Option, opts ...Option) (*Context, *software.Device) {
	t.Helper()
	d := software.New(dopts...)
	c, err := New(append([]Option{WithDevice(d)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		d.Destroy()
	})
	return c, d
}

// collatzParams is the push constant block of the collatz kernel.
type collatzParams struct {
	In, Out uint32
}

// collatzKernel writes, for every u32 of the input buffer, the number of
// Collatz steps needed to reach 1.
func collatzKernel(inv *software.Invocation) error {
	if len(inv.PushConstants) < 8 {
		return fmt.Errorf("push constants: %d bytes", len(inv.PushConstants))
	}
	in, err := inv.StorageBuffer(binary.LittleEndian.Uint32(inv.PushConstants))
	if err != nil {
		return err
	}
	out, err := inv.StorageBuffer(binary.LittleEndian.Uint32(inv.PushConstants[4:]))
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(in) && i+4 <= len(out); i += 4 {
		n := binary.LittleEndian.Uint32(in[i:])
		var steps uint32
		for n > 1 {
			if n%2 == 0 {
				n /= 2
			} else {
				n = 3*n + 1
			}
			steps++
		}
		binary.LittleEndian.PutUint32(out[i:], steps)
	}
	return nil
}

func u32Bytes(vs ...uint32) []byte {
	out := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

func TestEndToEndCollatz(t *testing.T) {
	c, d := newTestContext(t, nil)
	d.RegisterKernel("main_cs", collatzKernel)
	ctx := context.Background()
	rm := c.Resources()

	storage := BufferInfo{Size: 16, Usage: gpucore.BufferUsageStorage, Transfer: TransferStream}
	storage.Name = "numbers"
	numbers, err := rm.CreateBuffer(storage)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := rm.SetBufferLabel("BufferA", numbers); err != nil {
		t.Fatalf("SetBufferLabel: %v", err)
	}
	storage.Name = "steps"
	steps, err := rm.CreateBuffer(storage)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := rm.SetBufferLabel("Steps", steps); err != nil {
		t.Fatalf("SetBufferLabel: %v", err)
	}
	if numbers.Index() == steps.Index() {
		t.Fatalf("buffers share descriptor index %d", numbers.Index())
	}
	if err := rm.WriteBuffer(numbers, 0, u32Bytes(1, 2, 3, 4)); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}

	err = c.Pipelines().CreateComputePipeline(ctx, "collatz", ComputePipelineInfo{
		Compute:          ShaderStageInfo{Shader: SPIRVCode("collatz", stubSPIRV()), EntryPoint: "main_cs"},
		PushConstantSize: 8,
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}

	err = c.AddNodes(QueueCompute, Node{
		Name: "collatz",
		Record: func(r *Recorder) error {
			in, err := r.Buffer("BufferA")
			if err != nil {
				return err
			}
			out, err := r.Buffer("Steps")
			if err != nil {
				return err
			}
			if err := r.BindPipeline("collatz"); err != nil {
				return err
			}
			if err := PushConstant(r, collatzParams{In: in.Index(), Out: out.Index()}); err != nil {
				return err
			}
			return r.Dispatch(4, 1, 1)
		},
	})
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
		t.Fatalf("AddSubmit: %v", err)
	}

	for range 2 {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	subs := d.Submissions()
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2", len(subs))
	}
	sem := c.Graph(QueueCompute).Semaphore()
	for i, s := range subs {
		if s.Queue != QueueCompute {
			t.Errorf("submission %d on %s queue, want compute", i, s.Queue)
		}
		want := gpucore.SemaphoreSignal{Semaphore: sem, Value: uint64(i + 1)}
		if len(s.Signals) != 1 || s.Signals[0] != want {
			t.Errorf("submission %d signals %v, want [%v]", i, s.Signals, want)
		}
	}

	got := make([]byte, 16)
	if err := rm.ReadBuffer(steps, 0, got); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i, want := range []uint32{0, 1, 7, 2} {
		if v := binary.LittleEndian.Uint32(got[i*4:]); v != want {
			t.Errorf("steps[%d] = %d, want %d", i, v, want)
		}
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}

func TestNewWithBackend(t *testing.T) {
	c, err := New(WithBackend("software"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Backend() != "software" {
		t.Errorf("Backend() = %q, want software", c.Backend())
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	if _, err := New(WithBackend("no-such-backend")); err == nil {
		t.Error("New with an unknown backend succeeded")
	}
}

func TestNewDescriptorTableTooLarge(t *testing.T) {
	d := software.New()
	defer d.Destroy()
	var counts [gpucore.DescriptorKindCount]uint32
	counts[gpucore.DescriptorSampler] = software.DefaultLimits().MaxDescriptors[gpucore.DescriptorSampler] + 1

	_, err := New(WithDevice(d), WithDescriptorCounts(counts))
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("New error = %v, want ErrAllocation", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	d := software.New()
	defer d.Destroy()
	d.RegisterKernel("main_cs", collatzKernel)

	c, err := New(WithDevice(d))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	rm := c.Resources()
	if _, err := rm.CreateBuffer(BufferInfo{Size: 8, Usage: gpucore.BufferUsageStorage}); err != nil {
		t.Fatal(err)
	}
	if _, err := rm.CreateImage(ImageInfo{Extent: [3]uint32{4, 4, 0}, Format: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := rm.CreateSampler(SamplerInfo{}); err != nil {
		t.Fatal(err)
	}
	if _, err := rm.CreateAccelStruct(AccelStructInfo{Size: 64}); err != nil {
		t.Fatal(err)
	}
	if err := c.Pipelines().CreateComputePipeline(ctx, "p", ComputePipelineInfo{
		Compute: ShaderStageInfo{Shader: SPIRVCode("p", stubSPIRV()), EntryPoint: "main_cs"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodes(QueueCompute, Node{Record: func(*Recorder) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := d.LiveObjects(); n != 0 {
		t.Errorf("LiveObjects() after Close = %d, want 0", n)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClosedContext(t *testing.T) {
	c, _ := newTestContext(t, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"Execute", func() error { return c.Execute(ctx) }},
		{"WaitIdle", func() error { return c.WaitIdle(ctx) }},
		{"AddNodes", func() error { return c.AddNodes(QueueCompute, Node{Record: func(*Recorder) error { return nil }}) }},
		{"CreateBuffer", func() error {
			_, err := c.Resources().CreateBuffer(BufferInfo{Size: 4})
			return err
		}},
		{"CreateComputePipeline", func() error {
			return c.Pipelines().CreateComputePipeline(ctx, "p", ComputePipelineInfo{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrClosed) {
				t.Errorf("error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestUnknownQueue(t *testing.T) {
	c, _ := newTestContext(t, nil)
	bad := QueueKind(7)
	if c.Graph(bad) != nil {
		t.Error("Graph of unknown queue is not nil")
	}
	if err := c.AddNodes(bad, Node{Record: func(*Recorder) error { return nil }}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("AddNodes error = %v, want ErrConfiguration", err)
	}
	if _, err := c.AddSubmit(bad, SubmitInfo{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("AddSubmit error = %v, want ErrConfiguration", err)
	}
}
