// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"
	"time"

	"github.com/gogpu/framegraph/gpucore"
)

type semaphore struct {
	timeline bool
	value    uint64
	// submitted is the largest value any submission has promised to signal.
	submitted uint64
	signaled  bool
}

// CreateTimelineSemaphore implements gpucore.Device.
func (d *Device) CreateTimelineSemaphore(initial uint64) (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{timeline: true, value: initial, submitted: initial}
	return id, nil
}

// CreateBinarySemaphore implements gpucore.Device.
func (d *Device) CreateBinarySemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{}
	return id, nil
}

// DestroySemaphore implements gpucore.Device.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, id)
}

// SemaphoreValue implements gpucore.Device.
func (d *Device) SemaphoreValue(id gpucore.SemaphoreID) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.semaphores[id]
	if !ok || !s.timeline {
		return 0, fmt.Errorf("software: semaphore value: timeline %d: %w", id, gpucore.ErrInvalidID)
	}
	return s.value, nil
}

// WaitSemaphore implements gpucore.Device.
func (d *Device) WaitSemaphore(id gpucore.SemaphoreID, value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	s, ok := d.semaphores[id]
	if !ok || !s.timeline {
		d.mu.Unlock()
		return false, fmt.Errorf("software: wait semaphore: timeline %d: %w", id, gpucore.ErrInvalidID)
	}
	if s.value >= value {
		d.mu.Unlock()
		return true, nil
	}
	if d.cfg.earlyWait {
		d.mu.Unlock()
		slogger().Debug("software: wait released early", "semaphore", id, "value", value)
		return true, nil
	}
	d.mu.Unlock()

	if d.cfg.waitHook != nil {
		d.cfg.waitHook(id, value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var deadline time.Time
	if !infinite(timeout) {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		s, ok = d.semaphores[id]
		if !ok {
			return false, fmt.Errorf("software: wait semaphore: timeline %d destroyed while waiting: %w", id, gpucore.ErrInvalidID)
		}
		if s.value >= value {
			return true, nil
		}
		if d.lost {
			return false, gpucore.ErrDeviceLost
		}
		if d.destroyed {
			return false, fmt.Errorf("software: wait semaphore: device destroyed: %w", gpucore.ErrDeviceLost)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}
		d.cond.Wait()
	}
}

// signal applies a submission signal. Caller holds d.mu.
func (d *Device) signal(sig gpucore.SemaphoreSignal) {
	s, ok := d.semaphores[sig.Semaphore]
	if !ok {
		d.invalid("signal of destroyed semaphore %d", sig.Semaphore)
		return
	}
	if s.timeline {
		if sig.Value <= s.value {
			d.invalid("timeline %d signalled %d, not above current value %d", sig.Semaphore, sig.Value, s.value)
			return
		}
		s.value = sig.Value
		return
	}
	if s.signaled {
		d.invalid("binary semaphore %d signalled twice", sig.Semaphore)
	}
	s.signaled = true
}

// satisfied reports whether a wait can proceed. Caller holds d.mu.
func (d *Device) satisfied(w gpucore.SemaphoreWait) bool {
	s, ok := d.semaphores[w.Semaphore]
	if !ok {
		return false
	}
	if s.timeline {
		return s.value >= w.Value
	}
	return s.signaled
}

// consume resets a binary semaphore after a wait. Caller holds d.mu.
func (d *Device) consume(w gpucore.SemaphoreWait) {
	if s, ok := d.semaphores[w.Semaphore]; ok && !s.timeline {
		s.signaled = false
	}
}
