// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import "fmt"

// handle is a descriptor index plus the generation of the slot when the
// handle was issued. The zero handle is invalid.
type handle struct {
	index uint32
	gen   uint32
}

// Index returns the descriptor index shaders use to reach the resource.
func (h handle) Index() uint32 { return h.index }

// IsValid reports whether the handle was issued by a ResourceManager. A
// valid handle may still be stale if its resource was destroyed.
func (h handle) IsValid() bool { return h.gen != 0 }

func (h handle) String() string {
	if !h.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d@%d", h.index, h.gen)
}

// BufferHandle refers to a buffer. For a storage buffer Index is its storage
// buffer descriptor. Buffers without storage usage have no descriptor and
// are numbered in a separate namespace.
type BufferHandle struct {
	handle
	transfer bool
}

// ImageHandle refers to an image; Index is both its storage image and its
// sampled image descriptor.
type ImageHandle struct{ handle }

// SamplerHandle refers to a sampler descriptor.
type SamplerHandle struct{ handle }

// AccelStructHandle refers to an acceleration structure descriptor.
type AccelStructHandle struct{ handle }

// slotPool allocates indices in one descriptor namespace. Freed indices are
// reused before the high-water mark grows, so next never exceeds the peak
// number of concurrently occupied slots.
//
// A slot is occupied from alloc until recycle. retire invalidates handles to
// the slot immediately; recycle makes the index available again once the
// device no longer references it.
type slotPool struct {
	capacity uint32
	next     uint32
	free     []uint32
	gens     []uint32
	live     []bool
	occupied int
	peak     int
}

func newSlotPool(capacity uint32) *slotPool {
	return &slotPool{capacity: capacity}
}

// alloc returns a free index, or false when the namespace is full.
func (p *slotPool) alloc() (handle, bool) {
	var index uint32
	switch {
	case len(p.free) > 0:
		index = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case p.next < p.capacity:
		index = p.next
		p.next++
		p.gens = append(p.gens, 0)
		p.live = append(p.live, false)
	default:
		return handle{}, false
	}
	p.gens[index]++
	if p.gens[index] == 0 {
		p.gens[index] = 1
	}
	p.live[index] = true
	p.occupied++
	p.peak = max(p.peak, p.occupied)
	return handle{index: index, gen: p.gens[index]}, true
}

// valid reports whether h refers to a live slot.
func (p *slotPool) valid(h handle) bool {
	return h.gen != 0 && h.index < p.next && p.live[h.index] && p.gens[h.index] == h.gen
}

// retire invalidates every handle to h's slot. The index stays occupied
// until recycle.
func (p *slotPool) retire(h handle) {
	p.live[h.index] = false
}

// recycle returns a retired index to the free list.
func (p *slotPool) recycle(index uint32) {
	p.free = append(p.free, index)
	p.occupied--
}

// PoolStats describes one descriptor namespace.
type PoolStats struct {
	// Capacity is the size of the descriptor binding.
	Capacity uint32
	// HighWater is the number of indices ever handed out, [0, HighWater).
	HighWater uint32
	// Live is the number of resources not yet destroyed.
	Live int
	// Pending is the number of destroyed resources whose slot is still
	// referenced by in-flight work.
	Pending int
	// Peak is the largest number of simultaneously occupied slots.
	Peak int
}

func (p *slotPool) stats() PoolStats {
	live := 0
	for _, l := range p.live {
		if l {
			live++
		}
	}
	return PoolStats{
		Capacity:  p.capacity,
		HighWater: p.next,
		Live:      live,
		Pending:   p.occupied - live,
		Peak:      p.peak,
	}
}
