// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/gputypes"
)

// TransferMode selects how a buffer's memory is accessed.
type TransferMode uint8

// Transfer modes.
const (
	// TransferAuto keeps steady-state data in device-local memory.
	TransferAuto TransferMode = iota
	// TransferAutoUpload is device-local memory filled from the host.
	TransferAutoUpload
	// TransferAutoDownload is host-cached memory the host reads results from.
	TransferAutoDownload
	// TransferStream is host-mapped memory rewritten by the host every frame.
	TransferStream
)

func (m TransferMode) memory() gpucore.MemoryLocation {
	switch m {
	case TransferAutoDownload:
		return gpucore.MemoryHostReadback
	case TransferStream:
		return gpucore.MemoryHostSequentialWrite
	default:
		return gpucore.MemoryDeviceLocal
	}
}

func (m TransferMode) String() string {
	switch m {
	case TransferAuto:
		return "auto"
	case TransferAutoUpload:
		return "auto-upload"
	case TransferAutoDownload:
		return "auto-download"
	case TransferStream:
		return "stream"
	default:
		return fmt.Sprintf("TransferMode(%d)", m)
	}
}

// BufferInfo describes a buffer. Only buffers with gpucore.BufferUsageStorage
// get a storage buffer descriptor and may be labelled.
type BufferInfo struct {
	Name     string
	Size     uint64
	Usage    gpucore.BufferUsage
	Transfer TransferMode
}

// ImageInfo describes an image. Trailing zero components of Extent select
// the dimensionality: {w, 0, 0} is 1D, {w, h, 0} is 2D, {w, h, d} is 3D.
type ImageInfo struct {
	Name   string
	Extent [3]uint32
	Format gputypes.TextureFormat
	// Usage defaults to storage, sampled and transfer destination.
	Usage gpucore.ImageUsage
	// MipLevels defaults to 1.
	MipLevels uint32
}

// SamplerInfo describes a sampler.
type SamplerInfo struct {
	Name        string
	MagFilter   gputypes.FilterMode
	MinFilter   gputypes.FilterMode
	AddressMode gputypes.AddressMode
}

// AccelStructInfo describes the backing storage of an acceleration
// structure.
type AccelStructInfo struct {
	Name string
	Size uint64
}

const defaultImageUsage = gpucore.ImageUsageStorage | gpucore.ImageUsageSampled | gpucore.ImageUsageTransferDst

type bufferEntry struct {
	id   gpucore.BufferID
	info BufferInfo
}

type imageEntry struct {
	id   gpucore.ImageID
	info ImageInfo
	desc gpucore.ImageDesc
}

type samplerEntry struct {
	id   gpucore.SamplerID
	info SamplerInfo
}

type accelEntry struct {
	id   gpucore.BufferID
	info AccelStructInfo
}

type surfaceEntry struct {
	label   SurfaceLabel
	surface gpucore.Surface
}

// release is a destroyed resource waiting for in-flight work to retire.
type release struct {
	pool  *slotPool
	index uint32
	kinds []gpucore.DescriptorKind
	marks []gpucore.SemaphoreWait
	free  func()
}

// ResourceManager owns the global descriptor table and every buffer, image,
// sampler and acceleration structure referenced from it.
//
// Indices are handed out from per-namespace free lists before the
// high-water mark grows. A destroyed resource keeps its slot until every
// queue timeline has passed the value it had signalled at destruction time;
// only then is the descriptor cleared and the index reused.
//
// ResourceManager is safe for concurrent use.
type ResourceManager struct {
	device  gpucore.Device
	table   gpucore.DescriptorTableID
	timeout time.Duration

	// inflight reports the last value each queue timeline was asked to
	// signal. Set by the owning Context.
	inflight func() []gpucore.SemaphoreWait

	mu       sync.Mutex
	closed   bool
	buffers  *slotPool
	images   *slotPool
	samplers *slotPool
	accels   *slotPool
	// transfers numbers buffers without storage usage; they take no
	// descriptor.
	transfers *slotPool

	bufferEntries   map[uint32]*bufferEntry
	transferEntries map[uint32]*bufferEntry
	imageEntries    map[uint32]*imageEntry
	samplerEntries  map[uint32]*samplerEntry
	accelEntries    map[uint32]*accelEntry

	bufferLabels labelMap[BufferLabel, BufferHandle]
	imageLabels  labelMap[ImageLabel, ImageHandle]
	accelLabels  labelMap[AccelStructLabel, AccelStructHandle]
	surfaces     []surfaceEntry

	pending []release

	oneShot      gpucore.SemaphoreID
	oneShotValue uint64
}

func newResourceManager(device gpucore.Device, counts [gpucore.DescriptorKindCount]uint32, timeout time.Duration) (*ResourceManager, error) {
	table, err := device.CreateDescriptorTable(&gpucore.DescriptorTableDesc{
		Label:  "framegraph.descriptors",
		Counts: counts,
	})
	if err != nil {
		return nil, deviceError("create descriptor table", err)
	}
	sem, err := device.CreateTimelineSemaphore(0)
	if err != nil {
		device.DestroyDescriptorTable(table)
		return nil, deviceError("create one-shot semaphore", err)
	}

	// Storage and sampled images share one namespace, so the smaller binding
	// bounds it.
	imageCap := min(counts[gpucore.DescriptorStorageImage], counts[gpucore.DescriptorSampledImage])
	rm := &ResourceManager{
		device:          device,
		table:           table,
		timeout:         timeout,
		buffers:         newSlotPool(counts[gpucore.DescriptorStorageBuffer]),
		images:          newSlotPool(imageCap),
		samplers:        newSlotPool(counts[gpucore.DescriptorSampler]),
		accels:          newSlotPool(counts[gpucore.DescriptorAccelStruct]),
		transfers:       newSlotPool(math.MaxUint32),
		bufferEntries:   make(map[uint32]*bufferEntry),
		transferEntries: make(map[uint32]*bufferEntry),
		imageEntries:    make(map[uint32]*imageEntry),
		samplerEntries:  make(map[uint32]*samplerEntry),
		accelEntries:    make(map[uint32]*accelEntry),
		bufferLabels:    newLabelMap[BufferLabel, BufferHandle](),
		imageLabels:     newLabelMap[ImageLabel, ImageHandle](),
		accelLabels:     newLabelMap[AccelStructLabel, AccelStructHandle](),
		oneShot:         sem,
	}
	Logger().Debug("framegraph: descriptor table created",
		"storage_buffers", counts[gpucore.DescriptorStorageBuffer],
		"images", imageCap,
		"samplers", counts[gpucore.DescriptorSampler],
		"accel_structs", counts[gpucore.DescriptorAccelStruct])
	return rm, nil
}

// DescriptorTable returns the backend ID of the global descriptor table.
func (rm *ResourceManager) DescriptorTable() gpucore.DescriptorTableID { return rm.table }

func (rm *ResourceManager) checkOpen() error {
	if rm.closed {
		return ErrClosed
	}
	return nil
}

// CreateBuffer allocates a buffer and, for storage buffers, writes its
// descriptor.
func (rm *ResourceManager) CreateBuffer(info BufferInfo) (BufferHandle, error) {
	if info.Size == 0 {
		return BufferHandle{}, fmt.Errorf("%w: buffer %q has zero size", ErrConfiguration, info.Name)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return BufferHandle{}, err
	}
	rm.collectLocked()

	storage := info.Usage&gpucore.BufferUsageStorage != 0
	pool, entries := rm.buffers, rm.bufferEntries
	if !storage {
		pool, entries = rm.transfers, rm.transferEntries
	}
	h, ok := pool.alloc()
	if !ok {
		return BufferHandle{}, fmt.Errorf("%w: %d storage buffer descriptors in use", ErrAllocation, pool.capacity)
	}
	id, err := rm.device.CreateBuffer(&gpucore.BufferDesc{
		Label:  info.Name,
		Size:   info.Size,
		Usage:  info.Usage,
		Memory: info.Transfer.memory(),
	})
	if err != nil {
		pool.retire(h)
		pool.recycle(h.index)
		return BufferHandle{}, deviceError(fmt.Sprintf("create buffer %q", info.Name), err)
	}
	if storage {
		if err := rm.device.WriteDescriptor(rm.table, gpucore.DescriptorStorageBuffer, h.index, uint64(id)); err != nil {
			rm.device.DestroyBuffer(id)
			pool.retire(h)
			pool.recycle(h.index)
			return BufferHandle{}, deviceError(fmt.Sprintf("write descriptor for buffer %q", info.Name), err)
		}
	}
	entries[h.index] = &bufferEntry{id: id, info: info}

	Logger().Debug("framegraph: buffer created",
		"name", info.Name, "index", h.index, "size", info.Size, "transfer", info.Transfer.String())
	return BufferHandle{handle: h, transfer: !storage}, nil
}

// DestroyBuffer destroys a buffer and detaches its labels. The slot is
// released once in-flight work no longer references it.
func (rm *ResourceManager) DestroyBuffer(h BufferHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	pool, entries := rm.bufferSlots(h)
	if !pool.valid(h.handle) {
		return fmt.Errorf("%w: buffer %s", ErrNotFound, h)
	}
	e := entries[h.index]
	delete(entries, h.index)
	rm.bufferLabels.forget(h)

	var kinds []gpucore.DescriptorKind
	if !h.transfer {
		kinds = []gpucore.DescriptorKind{gpucore.DescriptorStorageBuffer}
	}
	rm.deferLocked(pool, h.handle, kinds, func() { rm.device.DestroyBuffer(e.id) })
	return nil
}

// CreateImage allocates an image, transitions it from undefined to general
// layout, and writes its storage and sampled descriptors at one index.
func (rm *ResourceManager) CreateImage(info ImageInfo) (ImageHandle, error) {
	desc, err := imageDesc(info)
	if err != nil {
		return ImageHandle{}, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return ImageHandle{}, err
	}
	rm.collectLocked()

	h, ok := rm.images.alloc()
	if !ok {
		return ImageHandle{}, fmt.Errorf("%w: %d image descriptors in use", ErrAllocation, rm.images.capacity)
	}
	undo := func() {
		rm.images.retire(h)
		rm.images.recycle(h.index)
	}

	id, err := rm.device.CreateImage(&desc)
	if err != nil {
		undo()
		return ImageHandle{}, deviceError(fmt.Sprintf("create image %q", info.Name), err)
	}
	if err := rm.transitionLocked(id); err != nil {
		rm.device.DestroyImage(id)
		undo()
		return ImageHandle{}, err
	}
	for _, kind := range imageKinds(desc.Usage) {
		if err := rm.device.WriteDescriptor(rm.table, kind, h.index, uint64(id)); err != nil {
			rm.device.DestroyImage(id)
			undo()
			return ImageHandle{}, deviceError(fmt.Sprintf("write %s descriptor for image %q", kind, info.Name), err)
		}
	}
	info.Usage = desc.Usage
	info.MipLevels = desc.MipLevels
	rm.imageEntries[h.index] = &imageEntry{id: id, info: info, desc: desc}

	Logger().Debug("framegraph: image created",
		"name", info.Name, "index", h.index, "dimension", desc.Dimension.String(),
		"width", desc.Width, "height", desc.Height, "depth", desc.Depth)
	return ImageHandle{h}, nil
}

func imageDesc(info ImageInfo) (gpucore.ImageDesc, error) {
	e := info.Extent
	desc := gpucore.ImageDesc{
		Label:     info.Name,
		Width:     e[0],
		Height:    e[1],
		Depth:     e[2],
		MipLevels: max(info.MipLevels, 1),
		Format:    info.Format,
		Usage:     info.Usage,
	}
	if desc.Usage == 0 {
		desc.Usage = defaultImageUsage
	}
	switch {
	case e[0] == 0:
		return desc, fmt.Errorf("%w: image %q has zero width", ErrConfiguration, info.Name)
	case e[1] == 0 && e[2] == 0:
		desc.Dimension = gpucore.ImageDimension1D
		desc.Height, desc.Depth = 1, 1
	case e[1] == 0:
		return desc, fmt.Errorf("%w: image %q has depth %d but zero height", ErrConfiguration, info.Name, e[2])
	case e[2] == 0:
		desc.Dimension = gpucore.ImageDimension2D
		desc.Depth = 1
	default:
		desc.Dimension = gpucore.ImageDimension3D
	}
	return desc, nil
}

func imageKinds(usage gpucore.ImageUsage) []gpucore.DescriptorKind {
	var kinds []gpucore.DescriptorKind
	if usage&gpucore.ImageUsageStorage != 0 {
		kinds = append(kinds, gpucore.DescriptorStorageImage)
	}
	if usage&gpucore.ImageUsageSampled != 0 {
		kinds = append(kinds, gpucore.DescriptorSampledImage)
	}
	return kinds
}

// transitionLocked moves a new image to general layout with a one-shot
// command buffer and waits for it.
func (rm *ResourceManager) transitionLocked(img gpucore.ImageID) error {
	cb, err := rm.device.AllocateCommandBuffer(gpucore.QueueGraphics, "framegraph.one-shot")
	if err != nil {
		return deviceError("allocate one-shot command buffer", err)
	}
	defer rm.device.FreeCommandBuffer(cb)

	enc, err := rm.device.Begin(cb)
	if err != nil {
		return deviceError("begin one-shot command buffer", err)
	}
	enc.Barrier([]gpucore.ImageBarrier{{
		Image:     img,
		OldLayout: gpucore.LayoutUndefined,
		NewLayout: gpucore.LayoutGeneral,
	}})
	if err := enc.End(); err != nil {
		return deviceError("record image transition", err)
	}

	rm.oneShotValue++
	if err := rm.device.Submit(gpucore.QueueGraphics, &gpucore.SubmitDesc{
		CommandBuffers: []gpucore.CommandBufferID{cb},
		Signals:        []gpucore.SemaphoreSignal{{Semaphore: rm.oneShot, Value: rm.oneShotValue}},
	}); err != nil {
		return deviceError("submit image transition", err)
	}
	ok, err := rm.device.WaitSemaphore(rm.oneShot, rm.oneShotValue, rm.timeout)
	if err != nil {
		return deviceError("wait for image transition", err)
	}
	if !ok {
		return fmt.Errorf("%w: image transition after %s", ErrSynchronizationTimeout, rm.timeout)
	}
	return nil
}

// DestroyImage destroys an image and detaches its labels.
func (rm *ResourceManager) DestroyImage(h ImageHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	if !rm.images.valid(h.handle) {
		return fmt.Errorf("%w: image %s", ErrNotFound, h)
	}
	e := rm.imageEntries[h.index]
	delete(rm.imageEntries, h.index)
	rm.imageLabels.forget(h)
	rm.deferLocked(rm.images, h.handle, imageKinds(e.desc.Usage), func() { rm.device.DestroyImage(e.id) })
	return nil
}

// CreateSampler creates a sampler and writes its descriptor.
func (rm *ResourceManager) CreateSampler(info SamplerInfo) (SamplerHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return SamplerHandle{}, err
	}
	rm.collectLocked()

	h, ok := rm.samplers.alloc()
	if !ok {
		return SamplerHandle{}, fmt.Errorf("%w: %d sampler descriptors in use", ErrAllocation, rm.samplers.capacity)
	}
	id, err := rm.device.CreateSampler(&gpucore.SamplerDesc{
		Label:       info.Name,
		MagFilter:   info.MagFilter,
		MinFilter:   info.MinFilter,
		AddressMode: info.AddressMode,
	})
	if err == nil {
		err = rm.device.WriteDescriptor(rm.table, gpucore.DescriptorSampler, h.index, uint64(id))
		if err != nil {
			rm.device.DestroySampler(id)
		}
	}
	if err != nil {
		rm.samplers.retire(h)
		rm.samplers.recycle(h.index)
		return SamplerHandle{}, deviceError(fmt.Sprintf("create sampler %q", info.Name), err)
	}
	rm.samplerEntries[h.index] = &samplerEntry{id: id, info: info}
	return SamplerHandle{h}, nil
}

// DestroySampler destroys a sampler.
func (rm *ResourceManager) DestroySampler(h SamplerHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	if !rm.samplers.valid(h.handle) {
		return fmt.Errorf("%w: sampler %s", ErrNotFound, h)
	}
	e := rm.samplerEntries[h.index]
	delete(rm.samplerEntries, h.index)
	rm.deferLocked(rm.samplers, h.handle, []gpucore.DescriptorKind{gpucore.DescriptorSampler},
		func() { rm.device.DestroySampler(e.id) })
	return nil
}

// CreateAccelStruct allocates acceleration structure storage and writes its
// descriptor. Building the structure is left to recorded commands.
func (rm *ResourceManager) CreateAccelStruct(info AccelStructInfo) (AccelStructHandle, error) {
	if info.Size == 0 {
		return AccelStructHandle{}, fmt.Errorf("%w: acceleration structure %q has zero size", ErrConfiguration, info.Name)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return AccelStructHandle{}, err
	}
	rm.collectLocked()

	h, ok := rm.accels.alloc()
	if !ok {
		return AccelStructHandle{}, fmt.Errorf("%w: %d acceleration structure descriptors in use", ErrAllocation, rm.accels.capacity)
	}
	id, err := rm.device.CreateBuffer(&gpucore.BufferDesc{
		Label:  info.Name,
		Size:   info.Size,
		Usage:  gpucore.BufferUsageAccelStruct,
		Memory: gpucore.MemoryDeviceLocal,
	})
	if err == nil {
		err = rm.device.WriteDescriptor(rm.table, gpucore.DescriptorAccelStruct, h.index, uint64(id))
		if err != nil {
			rm.device.DestroyBuffer(id)
		}
	}
	if err != nil {
		rm.accels.retire(h)
		rm.accels.recycle(h.index)
		return AccelStructHandle{}, deviceError(fmt.Sprintf("create acceleration structure %q", info.Name), err)
	}
	rm.accelEntries[h.index] = &accelEntry{id: id, info: info}
	return AccelStructHandle{h}, nil
}

// DestroyAccelStruct destroys an acceleration structure and detaches its
// labels.
func (rm *ResourceManager) DestroyAccelStruct(h AccelStructHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	if !rm.accels.valid(h.handle) {
		return fmt.Errorf("%w: acceleration structure %s", ErrNotFound, h)
	}
	e := rm.accelEntries[h.index]
	delete(rm.accelEntries, h.index)
	rm.accelLabels.forget(h)
	rm.deferLocked(rm.accels, h.handle, []gpucore.DescriptorKind{gpucore.DescriptorAccelStruct},
		func() { rm.device.DestroyBuffer(e.id) })
	return nil
}

// deferLocked retires a slot and queues its release behind the work that is
// in flight or being recorded right now.
func (rm *ResourceManager) deferLocked(p *slotPool, h handle, kinds []gpucore.DescriptorKind, free func()) {
	p.retire(h)
	var marks []gpucore.SemaphoreWait
	if rm.inflight != nil {
		marks = rm.inflight()
	}
	rm.pending = append(rm.pending, release{pool: p, index: h.index, kinds: kinds, marks: marks, free: free})
	rm.collectLocked()
}

// collect releases destroyed resources whose work has retired.
func (rm *ResourceManager) collect() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.collectLocked()
}

func (rm *ResourceManager) collectLocked() {
	if len(rm.pending) == 0 {
		return
	}
	values := make(map[gpucore.SemaphoreID]uint64)
	reached := func(w gpucore.SemaphoreWait) bool {
		v, ok := values[w.Semaphore]
		if !ok {
			var err error
			v, err = rm.device.SemaphoreValue(w.Semaphore)
			if err != nil {
				Logger().Warn("framegraph: query timeline for release", "semaphore", w.Semaphore, "err", err)
				return false
			}
			values[w.Semaphore] = v
		}
		return v >= w.Value
	}

	kept := rm.pending[:0]
	for _, r := range rm.pending {
		if !slices.ContainsFunc(r.marks, func(w gpucore.SemaphoreWait) bool { return !reached(w) }) {
			rm.releaseLocked(r)
			continue
		}
		kept = append(kept, r)
	}
	clear(rm.pending[len(kept):])
	rm.pending = kept
}

// lowerMarks caps the marks on sem at v. Work recorded to signal values
// above v was never submitted, so it cannot hold a reference.
func (rm *ResourceManager) lowerMarks(sem gpucore.SemaphoreID, v uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, r := range rm.pending {
		for i := range r.marks {
			if r.marks[i].Semaphore == sem && r.marks[i].Value > v {
				r.marks[i].Value = v
			}
		}
	}
	rm.collectLocked()
}

// flushLocked releases every pending resource. The device must be idle.
func (rm *ResourceManager) flushLocked() {
	for _, r := range rm.pending {
		rm.releaseLocked(r)
	}
	rm.pending = nil
}

func (rm *ResourceManager) releaseLocked(r release) {
	for _, kind := range r.kinds {
		if err := rm.device.WriteDescriptor(rm.table, kind, r.index, gpucore.InvalidID); err != nil {
			Logger().Warn("framegraph: clear descriptor", "kind", kind.String(), "index", r.index, "err", err)
		}
	}
	r.free()
	r.pool.recycle(r.index)
}

// WriteBuffer copies data into a buffer at offset.
func (rm *ResourceManager) WriteBuffer(h BufferHandle, offset uint64, data []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.bufferLocked(h)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > e.info.Size {
		return fmt.Errorf("%w: write of %d bytes at %d overflows buffer %q of %d bytes",
			ErrConfiguration, len(data), offset, e.info.Name, e.info.Size)
	}
	return deviceError(fmt.Sprintf("write buffer %q", e.info.Name), rm.device.WriteBuffer(e.id, offset, data))
}

// ReadBuffer copies len(dst) bytes from a buffer at offset into dst.
func (rm *ResourceManager) ReadBuffer(h BufferHandle, offset uint64, dst []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.bufferLocked(h)
	if err != nil {
		return err
	}
	if offset+uint64(len(dst)) > e.info.Size {
		return fmt.Errorf("%w: read of %d bytes at %d overflows buffer %q of %d bytes",
			ErrConfiguration, len(dst), offset, e.info.Name, e.info.Size)
	}
	return deviceError(fmt.Sprintf("read buffer %q", e.info.Name), rm.device.ReadBuffer(e.id, offset, dst))
}

func (rm *ResourceManager) bufferLocked(h BufferHandle) (*bufferEntry, error) {
	if err := rm.checkOpen(); err != nil {
		return nil, err
	}
	pool, entries := rm.bufferSlots(h)
	if !pool.valid(h.handle) {
		return nil, fmt.Errorf("%w: buffer %s", ErrNotFound, h)
	}
	return entries[h.index], nil
}

func (rm *ResourceManager) bufferSlots(h BufferHandle) (*slotPool, map[uint32]*bufferEntry) {
	if h.transfer {
		return rm.transfers, rm.transferEntries
	}
	return rm.buffers, rm.bufferEntries
}

func (rm *ResourceManager) imageLocked(h ImageHandle) (*imageEntry, error) {
	if err := rm.checkOpen(); err != nil {
		return nil, err
	}
	if !rm.images.valid(h.handle) {
		return nil, fmt.Errorf("%w: image %s", ErrNotFound, h)
	}
	return rm.imageEntries[h.index], nil
}

// BufferInfo returns the description a live buffer was created with.
func (rm *ResourceManager) BufferInfo(h BufferHandle) (BufferInfo, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.bufferLocked(h)
	if err != nil {
		return BufferInfo{}, err
	}
	return e.info, nil
}

// ImageInfo returns the description of a live image with defaults applied.
func (rm *ResourceManager) ImageInfo(h ImageHandle) (ImageInfo, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.imageLocked(h)
	if err != nil {
		return ImageInfo{}, err
	}
	return e.info, nil
}

// SetBufferLabel associates label with a storage buffer. A resource
// previously bound to the label is detached, not destroyed.
func (rm *ResourceManager) SetBufferLabel(label BufferLabel, h BufferHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.bufferLocked(h)
	if err != nil {
		return err
	}
	if e.info.Usage&gpucore.BufferUsageStorage == 0 {
		return fmt.Errorf("%w: buffer %q lacks storage usage and cannot be labelled %q", ErrConfiguration, e.info.Name, label)
	}
	if prev, ok := rm.bufferLabels.set(label, h); ok && prev != h {
		Logger().Debug("framegraph: buffer label rebound", "label", string(label), "from", prev.String(), "to", h.String())
	}
	return nil
}

// SetImageLabel associates label with a storage image. A resource
// previously bound to the label is detached, not destroyed.
func (rm *ResourceManager) SetImageLabel(label ImageLabel, h ImageHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, err := rm.imageLocked(h)
	if err != nil {
		return err
	}
	if e.desc.Usage&gpucore.ImageUsageStorage == 0 {
		return fmt.Errorf("%w: image %q lacks storage usage and cannot be labelled %q", ErrConfiguration, e.info.Name, label)
	}
	if prev, ok := rm.imageLabels.set(label, h); ok && prev != h {
		Logger().Debug("framegraph: image label rebound", "label", string(label), "from", prev.String(), "to", h.String())
	}
	return nil
}

// SetAccelStructLabel associates label with an acceleration structure.
func (rm *ResourceManager) SetAccelStructLabel(label AccelStructLabel, h AccelStructHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	if !rm.accels.valid(h.handle) {
		return fmt.Errorf("%w: acceleration structure %s", ErrNotFound, h)
	}
	rm.accelLabels.set(label, h)
	return nil
}

// UnlabelBuffer detaches label and returns the buffer it named.
func (rm *ResourceManager) UnlabelBuffer(label BufferLabel) (BufferHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.bufferLabels.unset(label)
	if !ok {
		return BufferHandle{}, fmt.Errorf("%w: buffer label %q", ErrNotFound, label)
	}
	return h, nil
}

// UnlabelImage detaches label and returns the image it named.
func (rm *ResourceManager) UnlabelImage(label ImageLabel) (ImageHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.imageLabels.unset(label)
	if !ok {
		return ImageHandle{}, fmt.Errorf("%w: image label %q", ErrNotFound, label)
	}
	return h, nil
}

// UnlabelAccelStruct detaches label and returns the structure it named.
func (rm *ResourceManager) UnlabelAccelStruct(label AccelStructLabel) (AccelStructHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.accelLabels.unset(label)
	if !ok {
		return AccelStructHandle{}, fmt.Errorf("%w: acceleration structure label %q", ErrNotFound, label)
	}
	return h, nil
}

// Buffer returns the buffer bound to label.
func (rm *ResourceManager) Buffer(label BufferLabel) (BufferHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.bufferLabels.get(label)
	if !ok {
		return BufferHandle{}, fmt.Errorf("%w: buffer label %q", ErrNotFound, label)
	}
	return h, nil
}

// Image returns the image bound to label.
func (rm *ResourceManager) Image(label ImageLabel) (ImageHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.imageLabels.get(label)
	if !ok {
		return ImageHandle{}, fmt.Errorf("%w: image label %q", ErrNotFound, label)
	}
	return h, nil
}

// AccelStruct returns the acceleration structure bound to label.
func (rm *ResourceManager) AccelStruct(label AccelStructLabel) (AccelStructHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.accelLabels.get(label)
	if !ok {
		return AccelStructHandle{}, fmt.Errorf("%w: acceleration structure label %q", ErrNotFound, label)
	}
	return h, nil
}

// AddSurface registers a presentation surface. Every Run of the graphics
// graph acquires and presents all registered surfaces.
func (rm *ResourceManager) AddSurface(label SurfaceLabel, s gpucore.Surface) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.checkOpen(); err != nil {
		return err
	}
	if slices.ContainsFunc(rm.surfaces, func(e surfaceEntry) bool { return e.label == label }) {
		return fmt.Errorf("%w: surface %q already registered", ErrConfiguration, label)
	}
	rm.surfaces = append(rm.surfaces, surfaceEntry{label: label, surface: s})
	return nil
}

// RemoveSurface unregisters a surface. The surface itself is not destroyed.
func (rm *ResourceManager) RemoveSurface(label SurfaceLabel) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	i := slices.IndexFunc(rm.surfaces, func(e surfaceEntry) bool { return e.label == label })
	if i < 0 {
		return fmt.Errorf("%w: surface %q", ErrNotFound, label)
	}
	rm.surfaces = slices.Delete(rm.surfaces, i, i+1)
	return nil
}

func (rm *ResourceManager) surfaceList() []surfaceEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return slices.Clone(rm.surfaces)
}

// bufferID resolves a label to the backend buffer for recording.
func (rm *ResourceManager) bufferID(label BufferLabel) (BufferHandle, gpucore.BufferID, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.bufferLabels.get(label)
	if !ok {
		return BufferHandle{}, gpucore.InvalidID, fmt.Errorf("%w: buffer label %q", ErrNotFound, label)
	}
	return h, rm.bufferEntries[h.index].id, nil
}

// imageID resolves a label to the backend image for recording.
func (rm *ResourceManager) imageID(label ImageLabel) (ImageHandle, *imageEntry, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	h, ok := rm.imageLabels.get(label)
	if !ok {
		return ImageHandle{}, nil, fmt.Errorf("%w: image label %q", ErrNotFound, label)
	}
	return h, rm.imageEntries[h.index], nil
}

// ResourceStats is a snapshot of descriptor table occupancy.
type ResourceStats struct {
	Buffers PoolStats
	// TransferBuffers counts buffers without storage usage. They hold no
	// descriptor, so Capacity is not a descriptor limit.
	TransferBuffers PoolStats
	Images          PoolStats
	Samplers        PoolStats
	AccelStructs    PoolStats
	Labels          int
	Surfaces        int
}

// Stats returns the current descriptor table occupancy.
func (rm *ResourceManager) Stats() ResourceStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return ResourceStats{
		Buffers:         rm.buffers.stats(),
		TransferBuffers: rm.transfers.stats(),
		Images:          rm.images.stats(),
		Samplers:        rm.samplers.stats(),
		AccelStructs:    rm.accels.stats(),
		Labels:          rm.bufferLabels.len() + rm.imageLabels.len() + rm.accelLabels.len(),
		Surfaces:        len(rm.surfaces),
	}
}

// close destroys every remaining resource and the descriptor table. The
// device must be idle.
func (rm *ResourceManager) close() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}
	rm.flushLocked()

	n := len(rm.bufferEntries) + len(rm.transferEntries) + len(rm.imageEntries) + len(rm.samplerEntries) + len(rm.accelEntries)
	if n > 0 {
		Logger().Debug("framegraph: destroying resources left alive", "count", n)
	}
	for _, e := range rm.bufferEntries {
		rm.device.DestroyBuffer(e.id)
	}
	for _, e := range rm.transferEntries {
		rm.device.DestroyBuffer(e.id)
	}
	for _, e := range rm.imageEntries {
		rm.device.DestroyImage(e.id)
	}
	for _, e := range rm.samplerEntries {
		rm.device.DestroySampler(e.id)
	}
	for _, e := range rm.accelEntries {
		rm.device.DestroyBuffer(e.id)
	}
	clear(rm.bufferEntries)
	clear(rm.transferEntries)
	clear(rm.imageEntries)
	clear(rm.samplerEntries)
	clear(rm.accelEntries)
	rm.surfaces = nil

	rm.device.DestroySemaphore(rm.oneShot)
	rm.device.DestroyDescriptorTable(rm.table)
	rm.closed = true
}
