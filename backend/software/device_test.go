// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

func mustBuffer(t *testing.T, d *Device, size uint64) gpucore.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "buf", Size: size, Usage: gpucore.BufferUsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	return id
}

func mustTimeline(t *testing.T, d *Device) gpucore.SemaphoreID {
	t.Helper()
	id, err := d.CreateTimelineSemaphore(0)
	if err != nil {
		t.Fatalf("CreateTimelineSemaphore: %v", err)
	}
	return id
}

// recordEmpty allocates a command buffer and records nothing into it.
func recordEmpty(t *testing.T, d *Device, q gpucore.QueueKind) gpucore.CommandBufferID {
	t.Helper()
	cb, err := d.AllocateCommandBuffer(q, "cb")
	if err != nil {
		t.Fatalf("AllocateCommandBuffer: %v", err)
	}
	enc, err := d.Begin(cb)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := enc.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	return cb
}

func TestBufferWriteRead(t *testing.T) {
	d := New()
	id := mustBuffer(t, d, 16)

	if err := d.WriteBuffer(id, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got := make([]byte, 8)
	if err := d.ReadBuffer(id, 0, got); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBuffer = %v, want %v", got, want)
		}
	}

	if err := d.WriteBuffer(id, 14, []byte{1, 2, 3}); err == nil {
		t.Error("WriteBuffer past the end succeeded")
	}
}

func TestMemoryBudget(t *testing.T) {
	d := New(WithMemoryBudget(64))
	a := mustBuffer(t, d, 48)

	_, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "big", Size: 32})
	if !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Fatalf("CreateBuffer over budget: error = %v, want ErrOutOfMemory", err)
	}

	d.DestroyBuffer(a)
	if _, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "big", Size: 32}); err != nil {
		t.Fatalf("CreateBuffer after release: %v", err)
	}
	if got := d.MemoryInUse(); got != 32 {
		t.Errorf("MemoryInUse() = %d, want 32", got)
	}
}

func TestDescriptorWrites(t *testing.T) {
	d := New()
	table, err := d.CreateDescriptorTable(&gpucore.DescriptorTableDesc{
		Counts: [gpucore.DescriptorKindCount]uint32{4, 4, 4, 4, 4},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorTable: %v", err)
	}
	buf := mustBuffer(t, d, 4)

	tests := []struct {
		name    string
		kind    gpucore.DescriptorKind
		index   uint32
		res     uint64
		wantErr bool
	}{
		{"buffer slot", gpucore.DescriptorStorageBuffer, 2, uint64(buf), false},
		{"clear slot", gpucore.DescriptorStorageBuffer, 2, gpucore.InvalidID, false},
		{"out of range", gpucore.DescriptorStorageBuffer, 4, uint64(buf), true},
		{"wrong kind", gpucore.DescriptorSampler, 0, uint64(buf), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.WriteDescriptor(table, tt.kind, tt.index, tt.res)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WriteDescriptor error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && d.Descriptor(table, tt.kind, tt.index) != tt.res {
				t.Errorf("Descriptor = %d, want %d", d.Descriptor(table, tt.kind, tt.index), tt.res)
			}
		})
	}
	if got := d.DescriptorWrites(); got != 2 {
		t.Errorf("DescriptorWrites() = %d, want 2", got)
	}
}

func TestDescriptorTableLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDescriptors[gpucore.DescriptorSampler] = 8
	d := New(WithLimits(limits))

	_, err := d.CreateDescriptorTable(&gpucore.DescriptorTableDesc{
		Counts: [gpucore.DescriptorKindCount]uint32{1, 1, 1, 9, 1},
	})
	if !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Fatalf("CreateDescriptorTable error = %v, want ErrOutOfMemory", err)
	}
}

func TestSubmitSignalsTimeline(t *testing.T) {
	d := New()
	sem := mustTimeline(t, d)
	cb := recordEmpty(t, d, gpucore.QueueCompute)

	err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: sem, Value: 1}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v, _ := d.SemaphoreValue(sem); v != 1 {
		t.Errorf("SemaphoreValue = %d, want 1", v)
	}
	if len(d.Validation()) != 0 {
		t.Errorf("unexpected validation messages: %v", d.Validation())
	}
}

func TestSubmitNonIncreasingSignalIsFlagged(t *testing.T) {
	d := New()
	sem := mustTimeline(t, d)
	cb := recordEmpty(t, d, gpucore.QueueCompute)

	for range 2 {
		err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{
			CommandBuffers: []gpucore.CommandBufferID{cb},
			Signals:        []gpucore.SemaphoreSignal{{Semaphore: sem, Value: 1}},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if len(d.Validation()) == 0 {
		t.Fatal("repeated timeline value was not flagged")
	}
}

func TestManualRetireAndWait(t *testing.T) {
	hooked := make(chan uint64, 1)
	d := New(WithManualRetire(), WithWaitHook(func(_ gpucore.SemaphoreID, v uint64) {
		hooked <- v
	}))
	sem := mustTimeline(t, d)
	cb := recordEmpty(t, d, gpucore.QueueGraphics)

	err := d.Submit(gpucore.QueueGraphics, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: sem, Value: 1}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", d.Pending())
	}
	if _, err := d.Begin(cb); err == nil {
		t.Fatal("Begin of a pending command buffer succeeded")
	}

	done := make(chan bool, 1)
	go func() {
		ok, _ := d.WaitSemaphore(sem, 1, time.Duration(1<<62))
		done <- ok
	}()

	if v := <-hooked; v != 1 {
		t.Fatalf("wait hook saw value %d, want 1", v)
	}
	if n := d.Retire(1); n != 1 {
		t.Fatalf("Retire(1) = %d, want 1", n)
	}
	if ok := <-done; !ok {
		t.Fatal("WaitSemaphore returned false after retirement")
	}
	if _, err := d.Begin(cb); err != nil {
		t.Fatalf("Begin after retirement: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	d := New()
	sem := mustTimeline(t, d)

	ok, err := d.WaitSemaphore(sem, 5, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitSemaphore: %v", err)
	}
	if ok {
		t.Fatal("WaitSemaphore on an unsignalled value reported success")
	}
}

func TestEarlyWaitRelease(t *testing.T) {
	d := New(WithEarlyWaitRelease())
	sem := mustTimeline(t, d)

	ok, err := d.WaitSemaphore(sem, 3, time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitSemaphore = %v, %v; want true, nil", ok, err)
	}
	if v, _ := d.SemaphoreValue(sem); v != 0 {
		t.Errorf("SemaphoreValue = %d, want 0", v)
	}
}

func TestCrossQueueWaitOrdersExecution(t *testing.T) {
	d := New(WithManualRetire())
	compute := mustTimeline(t, d)
	graphics := mustTimeline(t, d)
	cbG := recordEmpty(t, d, gpucore.QueueGraphics)
	cbC := recordEmpty(t, d, gpucore.QueueCompute)

	// Graphics waits for compute value 1, submitted first.
	if err := d.Submit(gpucore.QueueGraphics, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cbG},
		Waits:          []gpucore.SemaphoreWait{{Semaphore: compute, Value: 1}},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: graphics, Value: 1}},
	}); err != nil {
		t.Fatalf("Submit graphics: %v", err)
	}
	if n := d.RetireAll(); n != 0 {
		t.Fatalf("RetireAll ran %d submissions before the compute signal", n)
	}

	if err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cbC},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: compute, Value: 1}},
	}); err != nil {
		t.Fatalf("Submit compute: %v", err)
	}
	if n := d.RetireAll(); n != 2 {
		t.Fatalf("RetireAll = %d, want 2", n)
	}
	if v, _ := d.SemaphoreValue(graphics); v != 1 {
		t.Errorf("graphics timeline = %d, want 1", v)
	}
}

func TestWaitIdleReportsStall(t *testing.T) {
	d := New()
	sem := mustTimeline(t, d)
	cb := recordEmpty(t, d, gpucore.QueueCompute)

	if err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Waits:          []gpucore.SemaphoreWait{{Semaphore: sem, Value: 7}},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.WaitIdle(); err == nil {
		t.Fatal("WaitIdle succeeded with a stalled queue")
	}
}

func TestLoseFailsSubmit(t *testing.T) {
	d := New()
	cb := recordEmpty(t, d, gpucore.QueueCompute)
	d.Lose()

	err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{CommandBuffers: []gpucore.CommandBufferID{cb}})
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Fatalf("Submit after Lose: error = %v, want ErrDeviceLost", err)
	}
}

func TestKernelDispatch(t *testing.T) {
	d := New()
	table, err := d.CreateDescriptorTable(&gpucore.DescriptorTableDesc{
		Counts: [gpucore.DescriptorKindCount]uint32{4, 1, 1, 1, 1},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorTable: %v", err)
	}
	buf := mustBuffer(t, d, 16)
	if err := d.WriteDescriptor(table, gpucore.DescriptorStorageBuffer, 3, uint64(buf)); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}
	mod, err := d.CreateShaderModule(&gpucore.ShaderModuleDesc{SPIRV: []uint32{0x07230203}})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	pipe, err := d.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Table:   table,
		Compute: gpucore.ShaderStage{Module: mod, EntryPoint: "double"},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}

	d.RegisterKernel("double", func(inv *Invocation) error {
		index := binary.LittleEndian.Uint32(inv.PushConstants)
		data, err := inv.StorageBuffer(index)
		if err != nil {
			return err
		}
		for i := 0; i+4 <= len(data); i += 4 {
			v := binary.LittleEndian.Uint32(data[i:])
			binary.LittleEndian.PutUint32(data[i:], v*2)
		}
		return nil
	})

	seed := make([]byte, 16)
	for i := range 4 {
		binary.LittleEndian.PutUint32(seed[i*4:], uint32(i+1))
	}
	if err := d.WriteBuffer(buf, 0, seed); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}

	cb, _ := d.AllocateCommandBuffer(gpucore.QueueCompute, "dispatch")
	enc, err := d.Begin(cb)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	enc.BindDescriptorTable(table, gpucore.BindPointCompute)
	enc.BindPipeline(pipe, gpucore.BindPointCompute)
	enc.PushConstants(binary.LittleEndian.AppendUint32(nil, 3))
	enc.Dispatch(1, 1, 1)
	if err := enc.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := d.Submit(gpucore.QueueCompute, &gpucore.SubmitDesc{CommandBuffers: []gpucore.CommandBufferID{cb}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := make([]byte, 16)
	if err := d.ReadBuffer(buf, 0, got); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i := range 4 {
		if v := binary.LittleEndian.Uint32(got[i*4:]); v != uint32(2*(i+1)) {
			t.Errorf("element %d = %d, want %d", i, v, 2*(i+1))
		}
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}

func TestEncoderErrors(t *testing.T) {
	tests := []struct {
		name   string
		queue  gpucore.QueueKind
		record func(enc gpucore.CommandEncoder)
	}{
		{"oversized push constants", gpucore.QueueCompute, func(enc gpucore.CommandEncoder) {
			enc.PushConstants(make([]byte, 129))
		}},
		{"rendering on compute", gpucore.QueueCompute, func(enc gpucore.CommandEncoder) {
			enc.BeginRendering(&gpucore.RenderingDesc{})
		}},
		{"draw outside rendering", gpucore.QueueGraphics, func(enc gpucore.CommandEncoder) {
			enc.Draw(3, 1, 0, 0)
		}},
		{"open rendering scope", gpucore.QueueGraphics, func(enc gpucore.CommandEncoder) {
			enc.BeginRendering(&gpucore.RenderingDesc{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			cb, _ := d.AllocateCommandBuffer(tt.queue, tt.name)
			enc, err := d.Begin(cb)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			tt.record(enc)
			if err := enc.End(); err == nil {
				t.Fatal("End succeeded, want recording error")
			}
		})
	}
}

func TestSurfacePresentAfterSubmit(t *testing.T) {
	d := New(WithManualRetire())
	s, err := NewSurface(d, 4, 4, gputypes.TextureFormatBGRA8Unorm)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	defer s.Destroy()

	frame, err := s.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	cb, _ := d.AllocateCommandBuffer(gpucore.QueueGraphics, "present")
	enc, _ := d.Begin(cb)
	enc.Barrier([]gpucore.ImageBarrier{frame.Barrier})
	enc.Barrier([]gpucore.ImageBarrier{{Image: frame.Image, OldLayout: gpucore.LayoutGeneral, NewLayout: gpucore.LayoutPresentSrc}})
	if err := enc.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := d.Submit(gpucore.QueueGraphics, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Waits:          []gpucore.SemaphoreWait{{Semaphore: frame.Acquire}},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: frame.Submit}},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Present(gpucore.QueueGraphics); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if s.Presented() != 0 {
		t.Fatal("present completed before the submission executed")
	}

	d.RetireAll()
	if s.Presented() != 1 {
		t.Fatalf("Presented() = %d, want 1", s.Presented())
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}

	next, _ := s.Acquire(time.Second)
	if next.Image == frame.Image {
		t.Error("second acquire returned the same swapchain image")
	}
}
