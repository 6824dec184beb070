// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Registers the Vulkan HAL backend via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendWGPU, func() (gpucore.Device, error) {
		return Open()
	})
}

const (
	// BindingStride separates descriptor kinds inside bind group 0.
	BindingStride = 4096

	// PushConstantGroup is the bind group index of the push constant block.
	PushConstantGroup = 1

	maxPushConstantSize = 128

	// Uniform buffer offsets must be multiples of this.
	pushAlignment = 256

	// Upper bound for host waits on the device's own work.
	idleTimeout = 30 * time.Second
)

// GPUInfo describes the adapter a device was opened on.
type GPUInfo struct {
	Name       string
	DeviceType gputypes.DeviceType
}

func (g GPUInfo) String() string {
	if g.Name == "" {
		return "shared HAL device"
	}
	return fmt.Sprintf("%s (%v)", g.Name, g.DeviceType)
}

// Device is a gpucore.Device backed by a HAL device and queue.
//
// Device is safe for concurrent use.
type Device struct {
	nextID atomic.Uint64

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	owned    bool
	info     GPUInfo
	limits   gpucore.Limits

	mu   sync.Mutex
	cond *sync.Cond

	buffers    map[gpucore.BufferID]*buffer
	images     map[gpucore.ImageID]*image
	samplers   map[gpucore.SamplerID]hal.Sampler
	tables     map[gpucore.DescriptorTableID]*table
	modules    map[gpucore.ShaderModuleID]hal.ShaderModule
	pipelines  map[gpucore.PipelineID]*pipeline
	semaphores map[gpucore.SemaphoreID]*semaphore
	cmds       map[gpucore.CommandBufferID]*commandBuffer

	pushLayout hal.BindGroupLayout

	// retire is signalled with serial after every submission. HAL objects
	// that pending work may still reference are freed once it passes them.
	retire  hal.Fence
	serial  uint64
	garbage []retired

	lost      bool
	destroyed bool
}

type retired struct {
	serial uint64
	free   func()
}

type buffer struct {
	raw  hal.Buffer
	size uint64
	desc gpucore.BufferDesc
}

type image struct {
	raw  hal.Texture
	view hal.TextureView
	desc gpucore.ImageDesc
}

// Open creates a Vulkan HAL instance and opens the first discrete or
// integrated adapter, falling back to the first adapter found.
func Open() (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan: %w", backend.ErrBackendNotAvailable)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	return openInstance(instance)
}

// openInstance opens an adapter of instance. The device owns instance and
// destroys it on failure.
func openInstance(instance hal.Instance) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no GPU adapters: %w", backend.ErrBackendNotAvailable)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}
	d, err := newDevice(open.Device, open.Queue, true)
	if err != nil {
		open.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	d.info = GPUInfo{Name: selected.Info.Name, DeviceType: selected.Info.DeviceType}
	slogger().Info("wgpu: device opened", "gpu", d.info.String())
	return d, nil
}

// NewDevice wraps a HAL device and queue owned by the caller. Destroy
// releases the objects created through the Device but not device itself.
func NewDevice(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, errors.New("wgpu: nil HAL device or queue")
	}
	return newDevice(device, queue, false)
}

// FromProvider shares the HAL device of a host application. The provider
// must also expose HalDevice and HalQueue, as gogpu windows do.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.New("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, errors.New("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, errors.New("wgpu: provider HalQueue is not hal.Queue")
	}
	return NewDevice(device, queue)
}

func newDevice(device hal.Device, queue hal.Queue, owned bool) (*Device, error) {
	retire, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	lim := gputypes.DefaultLimits()
	d := &Device{
		device: device,
		queue:  queue,
		owned:  owned,
		retire: retire,
		limits: gpucore.Limits{
			MaxPushConstantSize: maxPushConstantSize,
			MaxDescriptors: [gpucore.DescriptorKindCount]uint32{
				BindingStride, BindingStride, BindingStride, BindingStride, BindingStride,
			},
			MaxBufferSize:     lim.MaxBufferSize,
			MaxImageDimension: 8192,
		},
		buffers:    make(map[gpucore.BufferID]*buffer),
		images:     make(map[gpucore.ImageID]*image),
		samplers:   make(map[gpucore.SamplerID]hal.Sampler),
		tables:     make(map[gpucore.DescriptorTableID]*table),
		modules:    make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		cmds:       make(map[gpucore.CommandBufferID]*commandBuffer),
	}
	d.cond = sync.NewCond(&d.mu)
	d.nextID.Store(1)
	return d, nil
}

// Info reports the adapter the device was opened on.
func (d *Device) Info() GPUInfo { return d.info }

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

func (d *Device) Limits() gpucore.Limits { return d.limits }

// release schedules free to run once all work submitted so far has
// completed. Must be called with mu held.
func (d *Device) release(free func()) {
	if d.serial == 0 {
		free()
		return
	}
	d.garbage = append(d.garbage, retired{serial: d.serial, free: free})
}

// collect frees retired objects whose submissions completed. Must be called
// with mu held.
func (d *Device) collect() {
	n := 0
	for _, g := range d.garbage {
		ok, err := d.device.Wait(d.retire, g.serial, 0)
		if err != nil || !ok {
			break
		}
		g.free()
		n++
	}
	d.garbage = d.garbage[n:]
}

func (d *Device) checkLive() error {
	if d.destroyed {
		return fmt.Errorf("wgpu: device destroyed: %w", gpucore.ErrDeviceLost)
	}
	if d.lost {
		return gpucore.ErrDeviceLost
	}
	return nil
}

// === Buffers ===

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func convertBufferUsage(usage gpucore.BufferUsage) gputypes.BufferUsage {
	result := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if usage&gpucore.BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageIndex != 0 {
		result |= gputypes.BufferUsageIndex
	}
	if usage&gpucore.BufferUsageIndirect != 0 {
		result |= gputypes.BufferUsageIndirect
	}
	return result
}

func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, errors.New("wgpu: buffer size must be positive")
	}
	if desc.Usage&gpucore.BufferUsageAccelStruct != 0 {
		return gpucore.InvalidID, fmt.Errorf("wgpu: acceleration structure storage: %w", gpucore.ErrUnsupported)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("wgpu: buffer of %d bytes exceeds %d: %w",
			desc.Size, d.limits.MaxBufferSize, gpucore.ErrOutOfMemory)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	size := alignUp(desc.Size, 4)
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: convertBufferUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create buffer %q: %w: %w", desc.Label, gpucore.ErrOutOfMemory, err)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{raw: raw, size: size, desc: *desc}
	return id, nil
}

func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.release(func() { d.device.DestroyBuffer(b.raw) })
}

func (d *Device) lookupBuffer(id gpucore.BufferID, offset uint64, n int) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	if offset+uint64(n) > b.desc.Size {
		return nil, fmt.Errorf("wgpu: range %d+%d outside buffer of %d bytes", offset, n, b.desc.Size)
	}
	return b, nil
}

// WriteBuffer writes through the queue, ordered before later submissions.
// offset and len(data) must be multiples of 4.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	b, err := d.lookupBuffer(id, offset, len(data))
	if err != nil {
		return err
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("wgpu: unaligned buffer write at %d+%d: %w", offset, len(data), gpucore.ErrUnsupported)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(b.raw, offset, data)
	}
	return nil
}

// ReadBuffer copies the range through a staging buffer and waits for it.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	b, err := d.lookupBuffer(id, offset, len(dst))
	if err != nil || len(dst) == 0 {
		return err
	}

	start := offset &^ 3
	size := alignUp(offset+uint64(len(dst)), 4) - start
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{{SrcOffset: start, Size: size}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmd)

	if err := d.submitLocked([]hal.CommandBuffer{cmd}); err != nil {
		return err
	}
	ok, err := d.device.Wait(d.retire, d.serial, idleTimeout)
	if err != nil || !ok {
		return fmt.Errorf("wgpu: wait for readback: ok=%v: %w", ok, errors.Join(gpucore.ErrDeviceLost, err))
	}
	tmp := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, tmp); err != nil {
		return fmt.Errorf("wgpu: readback: %w", err)
	}
	copy(dst, tmp[offset-start:])
	return nil
}

// === Images ===

func convertImageUsage(usage gpucore.ImageUsage) gputypes.TextureUsage {
	result := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if usage&gpucore.ImageUsageStorage != 0 {
		result |= gputypes.TextureUsageStorageBinding
	}
	if usage&gpucore.ImageUsageSampled != 0 {
		result |= gputypes.TextureUsageTextureBinding
	}
	if usage&gpucore.ImageUsageColorAttachment != 0 {
		result |= gputypes.TextureUsageRenderAttachment
	}
	return result
}

func convertDimension(dim gpucore.ImageDimension) gputypes.TextureDimension {
	switch dim {
	case gpucore.ImageDimension1D:
		return gputypes.TextureDimension1D
	case gpucore.ImageDimension3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return gpucore.InvalidID, errors.New("wgpu: image extent must be positive")
	}
	if max(desc.Width, desc.Height, desc.Depth) > d.limits.MaxImageDimension {
		return gpucore.InvalidID, fmt.Errorf("wgpu: image %dx%dx%d exceeds %d: %w",
			desc.Width, desc.Height, desc.Depth, d.limits.MaxImageDimension, gpucore.ErrOutOfMemory)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	raw, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: desc.Depth},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   1,
		Dimension:     convertDimension(desc.Dimension),
		Format:        desc.Format,
		Usage:         convertImageUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create image %q: %w: %w", desc.Label, gpucore.ErrOutOfMemory, err)
	}
	view, err := d.device.CreateTextureView(raw, &hal.TextureViewDescriptor{Label: desc.Label + "_view"})
	if err != nil {
		d.device.DestroyTexture(raw)
		return gpucore.InvalidID, fmt.Errorf("wgpu: create view of %q: %w", desc.Label, err)
	}
	id := gpucore.ImageID(d.newID())
	d.images[id] = &image{raw: raw, view: view, desc: *desc}
	return id, nil
}

func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return
	}
	delete(d.images, id)
	d.release(func() {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.raw)
	})
}

func bytesPerPixel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 4
	}
}

func (d *Device) WriteImage(id gpucore.ImageID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	img, ok := d.images[id]
	if !ok {
		return fmt.Errorf("wgpu: image %d: %w", id, gpucore.ErrInvalidID)
	}
	desc := img.desc
	rowBytes := desc.Width * bytesPerPixel(desc.Format)
	if want := int(rowBytes) * int(desc.Height) * int(desc.Depth); len(data) != want {
		return fmt.Errorf("wgpu: image data is %d bytes, want %d", len(data), want)
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: img.raw, MipLevel: 0},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: rowBytes, RowsPerImage: desc.Height},
		&hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: desc.Depth},
	)
	return nil
}

// === Samplers ===

func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	raw, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: desc.AddressMode,
		AddressModeV: desc.AddressMode,
		AddressModeW: desc.AddressMode,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MinFilter,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create sampler %q: %w", desc.Label, err)
	}
	id := gpucore.SamplerID(d.newID())
	d.samplers[id] = raw
	return id, nil
}

func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.samplers[id]
	if !ok {
		return
	}
	delete(d.samplers, id)
	d.release(func() { d.device.DestroySampler(raw) })
}

// === Shader modules ===

func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	if len(desc.SPIRV) == 0 {
		return gpucore.InvalidID, errors.New("wgpu: empty SPIR-V bytecode")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	raw, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create shader module %q: %w", desc.Label, err)
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = raw
	return id, nil
}

func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.modules[id]
	if !ok {
		return
	}
	delete(d.modules, id)
	d.release(func() { d.device.DestroyShaderModule(raw) })
}

// WaitIdle blocks until every submission has completed and frees retired
// objects.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("wgpu: device destroyed: %w", gpucore.ErrDeviceLost)
	}
	return d.waitIdleLocked()
}

func (d *Device) waitIdleLocked() error {
	if d.serial > 0 {
		ok, err := d.device.Wait(d.retire, d.serial, idleTimeout)
		if err != nil || !ok {
			d.lost = true
			slogger().Error("wgpu: device did not drain", "serial", d.serial, "err", err)
			return fmt.Errorf("wgpu: wait idle: %w", errors.Join(gpucore.ErrDeviceLost, err))
		}
	}
	for _, s := range d.semaphores {
		s.completeAll()
	}
	for _, g := range d.garbage {
		g.free()
	}
	d.garbage = nil
	d.cond.Broadcast()
	return nil
}

// Destroy waits for the device to drain and releases every object created
// through it. The HAL device itself is destroyed only when Open created it.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	if err := d.waitIdleLocked(); err != nil {
		slogger().Warn("wgpu: destroying a device with work in flight", "err", err)
	}
	d.destroyed = true
	d.cond.Broadcast()

	for _, cb := range d.cmds {
		cb.reset(d)
	}
	for _, p := range d.pipelines {
		p.destroyRaw(d)
	}
	for _, t := range d.tables {
		t.destroyRaw(d)
	}
	for _, raw := range d.modules {
		d.device.DestroyShaderModule(raw)
	}
	for _, raw := range d.samplers {
		d.device.DestroySampler(raw)
	}
	for _, img := range d.images {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.raw)
	}
	for _, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
	}
	for _, s := range d.semaphores {
		if s.fence != nil {
			d.device.DestroyFence(s.fence)
		}
	}
	for _, g := range d.garbage {
		g.free()
	}
	d.garbage = nil
	if d.pushLayout != nil {
		d.device.DestroyBindGroupLayout(d.pushLayout)
	}
	d.device.DestroyFence(d.retire)
	clear(d.cmds)
	clear(d.pipelines)
	clear(d.tables)
	clear(d.modules)
	clear(d.samplers)
	clear(d.images)
	clear(d.buffers)
	clear(d.semaphores)

	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}

var _ gpucore.Device = (*Device)(nil)
