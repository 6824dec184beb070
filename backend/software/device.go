// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

func init() {
	backend.Register(backend.BackendSoftware, func() (gpucore.Device, error) {
		return New(), nil
	})
}

// Option configures a simulated device.
type Option func(*config)

type config struct {
	limits       gpucore.Limits
	memoryBudget uint64
	manualRetire bool
	earlyWait    bool
	waitHook     func(id gpucore.SemaphoreID, value uint64)
}

// DefaultLimits returns the limits of a device created without WithLimits.
func DefaultLimits() gpucore.Limits {
	return gpucore.Limits{
		MaxPushConstantSize: 128,
		MaxDescriptors:      [gpucore.DescriptorKindCount]uint32{1 << 16, 1 << 16, 1 << 16, 4096, 4096},
		MaxBufferSize:       1 << 30,
		MaxImageDimension:   16384,
	}
}

// WithLimits overrides the reported device limits.
func WithLimits(l gpucore.Limits) Option {
	return func(c *config) { c.limits = l }
}

// WithMemoryBudget caps the bytes of buffer and image memory that may be
// live at once. Zero means unlimited.
func WithMemoryBudget(bytes uint64) Option {
	return func(c *config) { c.memoryBudget = bytes }
}

// WithManualRetire keeps submissions pending until Retire or RetireAll.
func WithManualRetire() Option {
	return func(c *config) { c.manualRetire = true }
}

// WithEarlyWaitRelease makes WaitSemaphore report success without waiting.
func WithEarlyWaitRelease() Option {
	return func(c *config) { c.earlyWait = true }
}

// WithWaitHook installs a function called whenever WaitSemaphore is about to
// block. The hook runs without the device lock held and may call Retire.
func WithWaitHook(fn func(id gpucore.SemaphoreID, value uint64)) Option {
	return func(c *config) { c.waitHook = fn }
}

// Device is a host-simulated gpucore.Device.
//
// Device is safe for concurrent use.
type Device struct {
	cfg    config
	nextID atomic.Uint64

	mu   sync.Mutex
	cond *sync.Cond

	used       uint64
	buffers    map[gpucore.BufferID]*buffer
	images     map[gpucore.ImageID]*image
	samplers   map[gpucore.SamplerID]gpucore.SamplerDesc
	tables     map[gpucore.DescriptorTableID]*table
	modules    map[gpucore.ShaderModuleID]int
	pipelines  map[gpucore.PipelineID]*pipeline
	semaphores map[gpucore.SemaphoreID]*semaphore
	cmds       map[gpucore.CommandBufferID]*commandBuffer
	kernels    map[string]Kernel

	pending  [gpucore.QueueKindCount][]*submission
	presents []*pendingPresent
	seq      int

	log        []Submission
	begins     []BeginRecord
	validation []string
	descWrites int
	draws      int

	lost      bool
	destroyed bool
}

type buffer struct {
	desc gpucore.BufferDesc
	data []byte
}

type image struct {
	desc   gpucore.ImageDesc
	layout gpucore.ImageLayout
	data   []byte
}

type table struct {
	slots [gpucore.DescriptorKindCount][]uint64
}

type pipeline struct {
	point   gpucore.BindPoint
	compute gpucore.ShaderStage
	push    uint32
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	cfg := config{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Device{
		cfg:        cfg,
		buffers:    make(map[gpucore.BufferID]*buffer),
		images:     make(map[gpucore.ImageID]*image),
		samplers:   make(map[gpucore.SamplerID]gpucore.SamplerDesc),
		tables:     make(map[gpucore.DescriptorTableID]*table),
		modules:    make(map[gpucore.ShaderModuleID]int),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		cmds:       make(map[gpucore.CommandBufferID]*commandBuffer),
		kernels:    make(map[string]Kernel),
	}
	d.cond = sync.NewCond(&d.mu)
	d.nextID.Store(1)
	slogger().Debug("software: device created",
		"manual_retire", cfg.manualRetire,
		"memory_budget", cfg.memoryBudget)
	return d
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Limits implements gpucore.Device.
func (d *Device) Limits() gpucore.Limits { return d.cfg.limits }

// reserve accounts size bytes against the memory budget. Caller holds d.mu.
func (d *Device) reserve(size uint64) error {
	if d.cfg.memoryBudget > 0 && d.used+size > d.cfg.memoryBudget {
		return fmt.Errorf("software: %w: %d bytes requested, %d of %d in use",
			gpucore.ErrOutOfMemory, size, d.used, d.cfg.memoryBudget)
	}
	d.used += size
	return nil
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: create buffer %q: zero size", desc.Label)
	}
	if desc.Size > d.cfg.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("software: create buffer %q: %w: size %d exceeds limit %d",
			desc.Label, gpucore.ErrOutOfMemory, desc.Size, d.cfg.limits.MaxBufferSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reserve(desc.Size); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{desc: *desc, data: make([]byte, desc.Size)}
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		d.used -= b.desc.Size
		delete(d.buffers, id)
	}
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: write buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("software: write buffer %q: range [%d,%d) exceeds size %d",
			b.desc.Label, offset, offset+uint64(len(data)), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer implements gpucore.Device.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: read buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	if offset+uint64(len(dst)) > uint64(len(b.data)) {
		return fmt.Errorf("software: read buffer %q: range [%d,%d) exceeds size %d",
			b.desc.Label, offset, offset+uint64(len(dst)), len(b.data))
	}
	copy(dst, b.data[offset:])
	return nil
}

// BytesPerPixel returns the texel size the simulated device uses for format.
func BytesPerPixel(format gputypes.TextureFormat) uint64 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 4
	}
}

func imageSize(desc *gpucore.ImageDesc) uint64 {
	return uint64(desc.Width) * uint64(desc.Height) * uint64(desc.Depth) * BytesPerPixel(desc.Format)
}

// CreateImage implements gpucore.Device.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: create image %q: zero extent %dx%dx%d",
			desc.Label, desc.Width, desc.Height, desc.Depth)
	}
	maxDim := d.cfg.limits.MaxImageDimension
	if desc.Width > maxDim || desc.Height > maxDim || desc.Depth > maxDim {
		return gpucore.InvalidID, fmt.Errorf("software: create image %q: extent exceeds %d", desc.Label, maxDim)
	}
	size := imageSize(desc)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reserve(size); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.ImageID(d.newID())
	d.images[id] = &image{desc: *desc, layout: gpucore.LayoutUndefined, data: make([]byte, size)}
	return id, nil
}

// DestroyImage implements gpucore.Device.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img, ok := d.images[id]; ok {
		d.used -= uint64(len(img.data))
		delete(d.images, id)
	}
}

// WriteImage implements gpucore.Device.
func (d *Device) WriteImage(id gpucore.ImageID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return fmt.Errorf("software: write image %d: %w", id, gpucore.ErrInvalidID)
	}
	if len(data) != len(img.data) {
		return fmt.Errorf("software: write image %q: got %d bytes, want %d", img.desc.Label, len(data), len(img.data))
	}
	copy(img.data, data)
	return nil
}

// ImageLayout returns the layout an image was left in by executed work.
func (d *Device) ImageLayout(id gpucore.ImageID) (gpucore.ImageLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return gpucore.LayoutUndefined, fmt.Errorf("software: image %d: %w", id, gpucore.ErrInvalidID)
	}
	return img.layout, nil
}

// ReadImage returns a copy of an image's contents.
func (d *Device) ReadImage(id gpucore.ImageID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("software: image %d: %w", id, gpucore.ErrInvalidID)
	}
	return append([]byte(nil), img.data...), nil
}

// CreateSampler implements gpucore.Device.
func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SamplerID(d.newID())
	d.samplers[id] = *desc
	return id, nil
}

// DestroySampler implements gpucore.Device.
func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samplers, id)
}

// CreateDescriptorTable implements gpucore.Device.
func (d *Device) CreateDescriptorTable(desc *gpucore.DescriptorTableDesc) (gpucore.DescriptorTableID, error) {
	t := &table{}
	for k, n := range desc.Counts {
		if n > d.cfg.limits.MaxDescriptors[k] {
			return gpucore.InvalidID, fmt.Errorf("software: create descriptor table: %w: %d %s descriptors exceed limit %d",
				gpucore.ErrOutOfMemory, n, gpucore.DescriptorKind(k), d.cfg.limits.MaxDescriptors[k])
		}
		t.slots[k] = make([]uint64, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.DescriptorTableID(d.newID())
	d.tables[id] = t
	return id, nil
}

// DestroyDescriptorTable implements gpucore.Device.
func (d *Device) DestroyDescriptorTable(id gpucore.DescriptorTableID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, id)
}

// WriteDescriptor implements gpucore.Device.
func (d *Device) WriteDescriptor(tableID gpucore.DescriptorTableID, kind gpucore.DescriptorKind, index uint32, resource uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableID]
	if !ok {
		return fmt.Errorf("software: write descriptor: table %d: %w", tableID, gpucore.ErrInvalidID)
	}
	if uint32(kind) >= gpucore.DescriptorKindCount {
		return fmt.Errorf("software: write descriptor: unknown binding %d", uint32(kind))
	}
	slots := t.slots[kind]
	if int(index) >= len(slots) {
		return fmt.Errorf("software: write descriptor: %s index %d out of range [0,%d)", kind, index, len(slots))
	}
	if resource != gpucore.InvalidID && !d.resourceExists(kind, resource) {
		return fmt.Errorf("software: write descriptor: %s resource %d: %w", kind, resource, gpucore.ErrInvalidID)
	}
	slots[index] = resource
	d.descWrites++
	return nil
}

func (d *Device) resourceExists(kind gpucore.DescriptorKind, id uint64) bool {
	switch kind {
	case gpucore.DescriptorStorageBuffer, gpucore.DescriptorAccelStruct:
		_, ok := d.buffers[gpucore.BufferID(id)]
		return ok
	case gpucore.DescriptorStorageImage, gpucore.DescriptorSampledImage:
		_, ok := d.images[gpucore.ImageID(id)]
		return ok
	case gpucore.DescriptorSampler:
		_, ok := d.samplers[gpucore.SamplerID(id)]
		return ok
	}
	return false
}

// Descriptor returns the resource ID stored in a descriptor slot, or
// InvalidID for an empty slot.
func (d *Device) Descriptor(tableID gpucore.DescriptorTableID, kind gpucore.DescriptorKind, index uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableID]
	if !ok || uint32(kind) >= gpucore.DescriptorKindCount || int(index) >= len(t.slots[kind]) {
		return gpucore.InvalidID
	}
	return t.slots[kind][index]
}

// DescriptorWrites returns the number of descriptor writes performed.
func (d *Device) DescriptorWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descWrites
}

// CreateShaderModule implements gpucore.Device.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	if len(desc.SPIRV) == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: create shader module %q: empty SPIR-V", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = len(desc.SPIRV)
	return id, nil
}

// DestroyShaderModule implements gpucore.Device.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, id)
}

// ShaderModules returns the number of live shader modules.
func (d *Device) ShaderModules() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.modules)
}

func (d *Device) checkStage(s *gpucore.ShaderStage) error {
	if _, ok := d.modules[s.Module]; !ok {
		return fmt.Errorf("shader module %d: %w", s.Module, gpucore.ErrInvalidID)
	}
	if s.EntryPoint == "" {
		return fmt.Errorf("empty entry point")
	}
	return nil
}

// CreateComputePipeline implements gpucore.Device.
func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[desc.Table]; !ok {
		return gpucore.InvalidID, fmt.Errorf("software: create compute pipeline %q: table %d: %w", desc.Label, desc.Table, gpucore.ErrInvalidID)
	}
	if err := d.checkStage(&desc.Compute); err != nil {
		return gpucore.InvalidID, fmt.Errorf("software: create compute pipeline %q: %w", desc.Label, err)
	}
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &pipeline{point: gpucore.BindPointCompute, compute: desc.Compute, push: desc.PushConstantSize}
	return id, nil
}

// CreateGraphicsPipeline implements gpucore.Device.
func (d *Device) CreateGraphicsPipeline(desc *gpucore.GraphicsPipelineDesc) (gpucore.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[desc.Table]; !ok {
		return gpucore.InvalidID, fmt.Errorf("software: create graphics pipeline %q: table %d: %w", desc.Label, desc.Table, gpucore.ErrInvalidID)
	}
	if (desc.Vertex == nil) == (desc.Mesh == nil) {
		return gpucore.InvalidID, fmt.Errorf("software: create graphics pipeline %q: exactly one of vertex or mesh stage required", desc.Label)
	}
	for _, s := range []*gpucore.ShaderStage{desc.Vertex, desc.Task, desc.Mesh, desc.Fragment} {
		if s == nil {
			continue
		}
		if err := d.checkStage(s); err != nil {
			return gpucore.InvalidID, fmt.Errorf("software: create graphics pipeline %q: %w", desc.Label, err)
		}
	}
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &pipeline{point: gpucore.BindPointGraphics, push: desc.PushConstantSize}
	return id, nil
}

// DestroyPipeline implements gpucore.Device.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, id)
}

// Pipelines returns the number of live pipelines.
func (d *Device) Pipelines() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipelines)
}

// LiveObjects returns the number of live buffers, images, samplers,
// semaphores and command buffers. A cleanly torn down device reports zero.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers) + len(d.images) + len(d.samplers) + len(d.semaphores) +
		len(d.cmds) + len(d.tables) + len(d.modules) + len(d.pipelines)
}

// MemoryInUse returns the bytes of live buffer and image memory.
func (d *Device) MemoryInUse() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Lose marks the device lost. Pending work is dropped, waiters are woken and
// later submissions fail with gpucore.ErrDeviceLost.
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
	for q := range d.pending {
		for _, s := range d.pending[q] {
			d.unref(s)
		}
		d.pending[q] = nil
	}
	d.cond.Broadcast()
}

// Validation returns the validation messages recorded while executing work.
func (d *Device) Validation() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.validation...)
}

func (d *Device) invalid(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.validation = append(d.validation, msg)
	slogger().Warn("software: validation", "message", msg)
}

// WaitIdle implements gpucore.Device. Pending submissions are retired first;
// work that can never run because it waits on a value nobody will signal is
// reported as an error.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpucore.ErrDeviceLost
	}
	d.process(-1)
	for q := range d.pending {
		if n := len(d.pending[q]); n > 0 {
			return fmt.Errorf("software: wait idle: %s queue stalled with %d submissions waiting on unsignalled semaphores",
				gpucore.QueueKind(q), n)
		}
	}
	return nil
}

// Destroy implements gpucore.Device.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if n := len(d.buffers) + len(d.images) + len(d.semaphores) + len(d.cmds); n > 0 {
		slogger().Warn("software: device destroyed with live objects", "count", n)
	}
	d.cond.Broadcast()
}

// infinite reports whether a timeout should be treated as unbounded.
func infinite(timeout time.Duration) bool {
	return timeout >= time.Duration(1<<62)
}
