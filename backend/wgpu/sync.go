// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/framegraph/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// semaphore is a timeline semaphore backed by a HAL fence, or a binary
// semaphore tracked on the host when fence is nil.
type semaphore struct {
	fence hal.Fence

	// Timeline values: completed <= every pending value <= submitted.
	completed uint64
	submitted uint64
	pending   []uint64

	signaled bool
}

// poll advances completed past every pending value the fence reached.
func (s *semaphore) poll(device hal.Device) {
	n := 0
	for _, v := range s.pending {
		ok, err := device.Wait(s.fence, v, 0)
		if err != nil || !ok {
			break
		}
		s.completed = v
		n++
	}
	s.pending = s.pending[n:]
}

func (s *semaphore) completeTo(v uint64) {
	s.completed = max(s.completed, v)
	n := 0
	for n < len(s.pending) && s.pending[n] <= v {
		n++
	}
	s.pending = s.pending[n:]
}

func (s *semaphore) completeAll() {
	if s.fence != nil {
		s.completeTo(s.submitted)
	}
}

func (d *Device) CreateTimelineSemaphore(initial uint64) (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	fence, err := d.device.CreateFence()
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create fence: %w", err)
	}
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{fence: fence, completed: initial, submitted: initial}
	return id, nil
}

func (d *Device) CreateBinarySemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{}
	return id, nil
}

func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.semaphores[id]
	if !ok {
		return
	}
	delete(d.semaphores, id)
	if s.fence != nil {
		d.release(func() { d.device.DestroyFence(s.fence) })
	}
}

func (d *Device) timeline(id gpucore.SemaphoreID) (*semaphore, error) {
	s, ok := d.semaphores[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: semaphore %d: %w", id, gpucore.ErrInvalidID)
	}
	if s.fence == nil {
		return nil, fmt.Errorf("wgpu: semaphore %d is binary", id)
	}
	return s, nil
}

func (d *Device) SemaphoreValue(id gpucore.SemaphoreID) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return 0, fmt.Errorf("wgpu: device destroyed: %w", gpucore.ErrDeviceLost)
	}
	s, err := d.timeline(id)
	if err != nil {
		return 0, err
	}
	s.poll(d.device)
	return s.completed, nil
}

// WaitSemaphore first waits for a submission that signals value, then for
// the fence to reach it.
func (d *Device) WaitSemaphore(id gpucore.SemaphoreID, value uint64, timeout time.Duration) (bool, error) {
	start := time.Now()

	d.mu.Lock()
	s, err := d.timeline(id)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	if value <= s.completed {
		d.mu.Unlock()
		return true, nil
	}
	if s.submitted < value {
		timer := time.AfterFunc(timeout, func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		for s.submitted < value && !d.lost && !d.destroyed && time.Since(start) < timeout {
			d.cond.Wait()
		}
		timer.Stop()
		if err := d.checkLive(); err != nil {
			d.mu.Unlock()
			return false, err
		}
		if s.submitted < value {
			d.mu.Unlock()
			return false, nil
		}
	}
	fence := s.fence
	device := d.device
	d.mu.Unlock()

	remaining := max(timeout-time.Since(start), 0)
	ok, err := device.Wait(fence, value, remaining)
	if err != nil {
		return false, fmt.Errorf("wgpu: wait semaphore %d: %w", id, errors.Join(gpucore.ErrDeviceLost, err))
	}
	if ok {
		d.mu.Lock()
		s.completeTo(value)
		d.mu.Unlock()
	}
	return ok, nil
}

// submitLocked submits cmds and advances the retire serial.
func (d *Device) submitLocked(cmds []hal.CommandBuffer) error {
	if len(cmds) > 0 {
		if err := d.queue.Submit(cmds, nil, 0); err != nil {
			return d.loseLocked(err)
		}
	}
	d.serial++
	if err := d.queue.Submit(nil, d.retire, d.serial); err != nil {
		return d.loseLocked(err)
	}
	return nil
}

func (d *Device) loseLocked(err error) error {
	d.lost = true
	d.cond.Broadcast()
	slogger().Error("wgpu: queue submission failed", "err", err)
	return fmt.Errorf("wgpu: submit: %w", errors.Join(gpucore.ErrDeviceLost, err))
}

// Submit validates waits against what has already been submitted, since the
// HAL queue executes in order, then submits the command buffers and signals.
func (d *Device) Submit(queue gpucore.QueueKind, desc *gpucore.SubmitDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLive(); err != nil {
		return err
	}
	if queue >= gpucore.QueueKindCount {
		return fmt.Errorf("wgpu: %s: %w", queue, gpucore.ErrInvalidID)
	}

	raws := make([]hal.CommandBuffer, 0, len(desc.CommandBuffers))
	for _, id := range desc.CommandBuffers {
		cb, ok := d.cmds[id]
		if !ok {
			return fmt.Errorf("wgpu: command buffer %d: %w", id, gpucore.ErrInvalidID)
		}
		if cb.queue != queue {
			return fmt.Errorf("wgpu: command buffer %q belongs to the %s queue", cb.label, cb.queue)
		}
		if cb.state != cbExecutable {
			return fmt.Errorf("wgpu: command buffer %q is not executable", cb.label)
		}
		raws = append(raws, cb.raw)
	}

	var binaryWaits []*semaphore
	for _, w := range desc.Waits {
		s, ok := d.semaphores[w.Semaphore]
		if !ok {
			return fmt.Errorf("wgpu: wait semaphore %d: %w", w.Semaphore, gpucore.ErrInvalidID)
		}
		switch {
		case s.fence == nil && !s.signaled:
			return fmt.Errorf("wgpu: binary semaphore %d waited before it was signalled", w.Semaphore)
		case s.fence == nil:
			binaryWaits = append(binaryWaits, s)
		case s.submitted < w.Value:
			return fmt.Errorf("wgpu: wait for value %d of semaphore %d that no submission signals: %w",
				w.Value, w.Semaphore, gpucore.ErrUnsupported)
		}
	}
	for _, sig := range desc.Signals {
		s, ok := d.semaphores[sig.Semaphore]
		if !ok {
			return fmt.Errorf("wgpu: signal semaphore %d: %w", sig.Semaphore, gpucore.ErrInvalidID)
		}
		if s.fence != nil && sig.Value <= s.submitted {
			return fmt.Errorf("wgpu: semaphore %d signalled with %d, already at %d", sig.Semaphore, sig.Value, s.submitted)
		}
	}

	if len(raws) > 0 {
		if err := d.queue.Submit(raws, nil, 0); err != nil {
			return d.loseLocked(err)
		}
	}
	for _, s := range binaryWaits {
		s.signaled = false
	}
	for _, sig := range desc.Signals {
		s := d.semaphores[sig.Semaphore]
		if s.fence == nil {
			s.signaled = true
			continue
		}
		if err := d.queue.Submit(nil, s.fence, sig.Value); err != nil {
			return d.loseLocked(err)
		}
		s.submitted = sig.Value
		s.pending = append(s.pending, sig.Value)
	}
	if err := d.submitLocked(nil); err != nil {
		return err
	}
	d.collect()
	d.cond.Broadcast()
	return nil
}
