// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/framegraph/backend/software"
	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

// markNode records a one-byte push constant so the submitted command
// streams show which nodes ran and in what order.
func markNode(name string, mark byte, after ...string) Node {
	return Node{
		Name:  name,
		After: after,
		Record: func(r *Recorder) error {
			return r.SetPushConstant([]byte{mark})
		},
	}
}

// marks extracts the push constant marks of a submission.
func marks(s software.Submission) []byte {
	var out []byte
	for _, cmds := range s.Commands {
		for _, c := range cmds {
			if c.Op == software.OpPushConstants && len(c.Data) == 1 {
				out = append(out, c.Data[0])
			}
		}
	}
	return out
}

func hasWait(s software.Submission, w gpucore.SemaphoreWait) bool {
	return slices.Contains(s.Waits, w)
}

func TestSubmitOrdering(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()

	if err := c.AddNodes(QueueCompute,
		markNode("b", 'b', "a"),
		markNode("a", 'a'),
	); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodes(QueueCompute, markNode("c", 'c', "b")); err != nil {
		t.Fatal(err)
	}
	if idx, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil || idx != 1 {
		t.Fatalf("AddSubmit = %d, %v; want 1", idx, err)
	}

	const frames = 3
	for range frames {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	subs := d.Submissions()
	if len(subs) != 2*frames {
		t.Fatalf("got %d submissions, want %d", len(subs), 2*frames)
	}
	sem := c.Graph(QueueCompute).Semaphore()
	for i, s := range subs {
		f, set := uint64(i/2), uint64(i%2)
		want := []byte("ab")
		if set == 1 {
			want = []byte("c")
		}
		if got := marks(s); !slices.Equal(got, want) {
			t.Errorf("frame %d set %d ran %q, want %q", f, set, got, want)
		}
		signal := gpucore.SemaphoreSignal{Semaphore: sem, Value: f*2 + set + 1}
		if !slices.Contains(s.Signals, signal) {
			t.Errorf("frame %d set %d signals %v, want %v", f, set, s.Signals, signal)
		}
		if v := f*2 + set; v > 0 && !hasWait(s, gpucore.SemaphoreWait{Semaphore: sem, Value: v}) {
			t.Errorf("frame %d set %d waits %v, want value %d", f, set, s.Waits, v)
		}
		if i == 0 && len(s.Waits) != 0 {
			t.Errorf("first submission waits on %v", s.Waits)
		}
	}
	if got := c.Graph(QueueCompute).Frame(); got != frames {
		t.Errorf("Frame() = %d, want %d", got, frames)
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}

func TestLockedGraphRejectsChanges(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()
	if err := c.AddNodes(QueueCompute, markNode("first", 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	g := c.Graph(QueueCompute)
	if !g.Locked() || g.SubmitCount() != 1 {
		t.Fatalf("after first run: locked %v, %d sets; want locked with the implicit set", g.Locked(), g.SubmitCount())
	}

	var late atomic.Bool
	err := c.AddNodes(QueueCompute, Node{Name: "late", Record: func(*Recorder) error {
		late.Store(true)
		return nil
	}})
	if !errors.Is(err, ErrTopology) {
		t.Errorf("AddNodes after lock error = %v, want ErrTopology", err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); !errors.Is(err, ErrTopology) {
		t.Errorf("AddSubmit after lock error = %v, want ErrTopology", err)
	}
	if !c.Graph(QueueGraphics).Locked() {
		t.Error("empty graphics graph not locked by Execute")
	}
	if err := c.AddNodes(QueueGraphics, markNode("gfx", 2)); !errors.Is(err, ErrTopology) {
		t.Errorf("AddNodes to locked empty graph error = %v, want ErrTopology", err)
	}

	if err := c.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if late.Load() {
		t.Error("node added after lock was recorded")
	}
	if n := len(d.Submissions()); n != 2 {
		t.Errorf("got %d submissions, want 2", n)
	}
}

func TestAddNodesValidation(t *testing.T) {
	c, _ := newTestContext(t, nil)
	if err := c.AddNodes(QueueCompute, Node{Name: "nil"}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("node without Record error = %v, want ErrConfiguration", err)
	}
	if err := c.AddNodes(QueueCompute, markNode("x", 1), markNode("x", 2)); !errors.Is(err, ErrTopology) {
		t.Errorf("duplicate in batch error = %v, want ErrTopology", err)
	}
	if err := c.AddNodes(QueueCompute, markNode("x", 1)); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if err := c.AddNodes(QueueCompute, markNode("x", 2)); !errors.Is(err, ErrTopology) {
		t.Errorf("duplicate across calls error = %v, want ErrTopology", err)
	}
	if _, err := c.AddSubmit(QueueGraphics, SubmitInfo{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("empty AddSubmit error = %v, want ErrConfiguration", err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{Wait: []QueueWait{{Queue: 9}}}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("wait on unknown queue error = %v, want ErrConfiguration", err)
	}
	if err := c.AddNodes(QueueCompute, markNode("y", 3, "z")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); !errors.Is(err, ErrTopology) {
		t.Errorf("AddSubmit with unknown dependency error = %v, want ErrTopology", err)
	}
}

func TestZeroNodeGraphDoesNoWork(t *testing.T) {
	c, d := newTestContext(t, nil)
	for range 3 {
		if err := c.Execute(context.Background()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if n := len(d.Submissions()); n != 0 {
		t.Errorf("got %d submissions from empty graphs, want 0", n)
	}
	if n := len(d.Begins()); n != 0 {
		t.Errorf("got %d command buffer begins, want 0", n)
	}
}

func TestFramePacing(t *testing.T) {
	var d *software.Device
	var hookCalls atomic.Int32
	d = software.New(
		software.WithManualRetire(),
		software.WithWaitHook(func(gpucore.SemaphoreID, uint64) {
			hookCalls.Add(1)
			d.RetireAll()
		}),
	)
	c, err := New(WithDevice(d))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		d.Destroy()
	})

	const sets = 2
	for i := range sets {
		if err := c.AddNodes(QueueCompute, markNode("", byte(i))); err != nil {
			t.Fatal(err)
		}
		if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
			t.Fatal(err)
		}
	}

	const frames = 6
	for range frames {
		if err := c.Execute(context.Background()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	sem := c.Graph(QueueCompute).Semaphore()
	begins := d.Begins()
	if len(begins) != frames*sets {
		t.Fatalf("got %d begins, want %d", len(begins), frames*sets)
	}
	for k, b := range begins {
		f, s := uint64(k/sets), uint64(k%sets)
		if f < framesInFlight {
			continue
		}
		need := (f-framesInFlight)*sets + s + 1
		if got := b.Timelines[sem]; got < need {
			t.Errorf("frame %d set %d began with timeline at %d, want >= %d", f, s, got, need)
		}
	}
	if hookCalls.Load() == 0 {
		t.Error("pacing never had to wait")
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}

func TestPacingViolationDetected(t *testing.T) {
	c, d := newTestContext(t, []software.Option{software.WithManualRetire(), software.WithEarlyWaitRelease()})
	ctx := context.Background()
	if err := c.AddNodes(QueueCompute, markNode("work", 1)); err != nil {
		t.Fatal(err)
	}

	for range framesInFlight {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	err := c.Execute(ctx)
	if !errors.Is(err, ErrPacingViolation) {
		t.Fatalf("third Execute error = %v, want ErrPacingViolation", err)
	}
	if n := len(d.Submissions()); n != framesInFlight {
		t.Errorf("got %d submissions, want %d", n, framesInFlight)
	}

	d.RetireAll()
	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute after retiring: %v", err)
	}
	if got := c.Graph(QueueCompute).Frame(); got != framesInFlight+1 {
		t.Errorf("Frame() = %d, want %d", got, framesInFlight+1)
	}
}

func TestPacingTimeout(t *testing.T) {
	c, d := newTestContext(t, []software.Option{software.WithManualRetire()}, WithFrameTimeout(20*time.Millisecond))
	ctx := context.Background()
	if err := c.AddNodes(QueueCompute, markNode("work", 1)); err != nil {
		t.Fatal(err)
	}
	for range framesInFlight {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if err := c.Execute(ctx); !errors.Is(err, ErrSynchronizationTimeout) {
		t.Fatalf("Execute error = %v, want ErrSynchronizationTimeout", err)
	}
	d.RetireAll()
	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute after retiring: %v", err)
	}
}

func TestNodeErrorAbortsFrame(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()
	errBoom := errors.New("boom")
	var fail atomic.Bool
	fail.Store(true)

	if err := c.AddNodes(QueueCompute, markNode("first", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodes(QueueCompute, Node{Name: "flaky", Record: func(r *Recorder) error {
		if fail.Load() {
			return errBoom
		}
		return r.SetPushConstant([]byte{2})
	}}); err != nil {
		t.Fatal(err)
	}

	if err := c.Execute(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("Execute error = %v, want the node error", err)
	}
	if n := len(d.Submissions()); n != 0 {
		t.Fatalf("failed frame submitted %d sets", n)
	}
	g := c.Graph(QueueCompute)
	if g.Frame() != 0 || g.Signaled() != 0 {
		t.Errorf("failed frame advanced: frame %d signaled %d", g.Frame(), g.Signaled())
	}

	fail.Store(false)
	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute after fixing node: %v", err)
	}
	subs := d.Submissions()
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2", len(subs))
	}
	for i, s := range subs {
		want := gpucore.SemaphoreSignal{Semaphore: g.Semaphore(), Value: uint64(i + 1)}
		if !slices.Contains(s.Signals, want) {
			t.Errorf("submission %d signals %v, want %v", i, s.Signals, want)
		}
	}
}

// failingDevice fails Submit on demand.
type failingDevice struct {
	*software.Device
	fail atomic.Bool
}

func (d *failingDevice) Submit(q gpucore.QueueKind, desc *gpucore.SubmitDesc) error {
	if d.fail.Load() {
		return errors.New("injected submit failure")
	}
	return d.Device.Submit(q, desc)
}

func TestSubmitFailurePoisonsGraph(t *testing.T) {
	d := &failingDevice{Device: software.New()}
	defer d.Destroy()
	c, err := New(WithDevice(d))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.AddNodes(QueueCompute, markNode("work", 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	d.fail.Store(true)
	if err := c.Execute(ctx); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Execute error = %v, want ErrDeviceLost", err)
	}
	d.fail.Store(false)
	if err := c.Execute(ctx); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Execute after failed submit error = %v, want ErrDeviceLost", err)
	}
	if n := len(d.Submissions()); n != 1 {
		t.Errorf("got %d submissions, want 1", n)
	}
}

func TestDeviceLostBeforeRecording(t *testing.T) {
	c, d := newTestContext(t, nil)
	if err := c.AddNodes(QueueCompute, markNode("work", 1)); err != nil {
		t.Fatal(err)
	}
	d.Lose()
	if err := c.Execute(context.Background()); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Execute on lost device error = %v, want ErrDeviceLost", err)
	}
}

func TestCrossQueueWait(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()

	if err := c.AddNodes(QueueCompute, markNode("simulate", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodes(QueueGraphics, markNode("draw", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueGraphics, SubmitInfo{Wait: []QueueWait{{Queue: QueueCompute, Submit: 0}}}); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	compute := c.Graph(QueueCompute).Semaphore()
	var gfx []software.Submission
	for _, s := range d.Submissions() {
		if s.Queue == QueueGraphics {
			gfx = append(gfx, s)
		}
	}
	if len(gfx) != 2 {
		t.Fatalf("got %d graphics submissions, want 2", len(gfx))
	}
	for f, s := range gfx {
		want := gpucore.SemaphoreWait{Semaphore: compute, Value: uint64(f + 1)}
		if !hasWait(s, want) {
			t.Errorf("graphics frame %d waits %v, want %v", f, s.Waits, want)
		}
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}

func TestCrossQueueWaitIgnoresPeerLock(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()

	if err := c.AddNodes(QueueCompute, markNode("simulate", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueCompute, SubmitInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddNodes(QueueGraphics, markNode("draw", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueGraphics, SubmitInfo{Wait: []QueueWait{{Queue: QueueCompute, Submit: 0}}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// A peer busy recording its own frame must not stall this queue.
	compute := c.Graph(QueueCompute)
	compute.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- c.Graph(QueueGraphics).Run(ctx) }()
	select {
	case err := <-done:
		compute.mu.Unlock()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		compute.mu.Unlock()
		t.Fatal("graphics Run blocked on the compute graph lock")
	}

	subs := d.Submissions()
	last := subs[len(subs)-1]
	want := gpucore.SemaphoreWait{Semaphore: compute.Semaphore(), Value: 1}
	if last.Queue != QueueGraphics || !hasWait(last, want) {
		t.Errorf("last submission on %v waits %v, want graphics waiting %v", last.Queue, last.Waits, want)
	}
}

func TestCrossQueueWaitOnMissingSet(t *testing.T) {
	c, _ := newTestContext(t, nil)
	if err := c.AddNodes(QueueGraphics, markNode("draw", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubmit(QueueGraphics, SubmitInfo{Wait: []QueueWait{{Queue: QueueCompute, Submit: 0}}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Execute error = %v, want ErrConfiguration", err)
	}
}

func TestSurfacePresentation(t *testing.T) {
	c, d := newTestContext(t, nil)
	ctx := context.Background()
	rm := c.Resources()

	s, err := software.NewSurface(d, 4, 4, gputypes.TextureFormatBGRA8Unorm)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	if err := c.AddSurface("main", s); err != nil {
		t.Fatal(err)
	}

	canvas, err := rm.CreateImage(ImageInfo{
		Name:   "canvas",
		Extent: [3]uint32{2, 2, 0},
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  defaultImageUsage | gpucore.ImageUsageTransferSrc | gpucore.ImageUsageColorAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rm.SetImageLabel("canvas", canvas); err != nil {
		t.Fatal(err)
	}

	err = c.Pipelines().CreateGraphicsPipeline(ctx, "triangle", GraphicsPipelineInfo{
		Vertex:       &ShaderStageInfo{Shader: SPIRVCode("tri", stubSPIRV()), EntryPoint: "vs_main"},
		Fragment:     &ShaderStageInfo{Shader: SPIRVCode("tri", stubSPIRV()), EntryPoint: "fs_main"},
		ColorFormats: []gputypes.TextureFormat{gputypes.TextureFormatBGRA8Unorm},
		Topology:     gputypes.PrimitiveTopologyTriangleList,
		CullMode:     gputypes.CullModeNone,
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}

	if err := c.AddNodes(QueueGraphics,
		Node{Name: "draw", Record: func(r *Recorder) error {
			if err := r.BeginRendering(RenderTarget{Image: "canvas", Clear: &gputypes.Color{R: 1, A: 1}}); err != nil {
				return err
			}
			if err := r.BindPipeline("triangle"); err != nil {
				return err
			}
			if err := r.Draw(3, 1, 0, 0); err != nil {
				return err
			}
			return r.EndRendering()
		}},
		Node{Name: "blit", After: []string{"draw"}, Record: func(r *Recorder) error {
			return r.BlitImageToSurface("canvas", "main")
		}},
	); err != nil {
		t.Fatal(err)
	}

	for frame := 1; frame <= 3; frame++ {
		if err := c.Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := s.Presented(); got != frame {
			t.Errorf("after frame %d: Presented() = %d", frame, got)
		}
	}
	if d.Draws() != 3 {
		t.Errorf("Draws() = %d, want 3", d.Draws())
	}
	src, err := d.ReadImage(gpucore.ImageID(d.Descriptor(rm.DescriptorTable(), gpucore.DescriptorStorageImage, canvas.Index())))
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.ReadImage(s.Image(0))
	if err != nil {
		t.Fatal(err)
	}
	if src[3] != 255 || !slices.Equal(dst[:4], src[:4]) {
		t.Errorf("swapchain texel = %v, want cleared canvas texel %v", dst[:4], src[:4])
	}
	if msgs := d.Validation(); len(msgs) != 0 {
		t.Errorf("validation: %v", msgs)
	}
}
