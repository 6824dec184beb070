// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"math/rand/v2"
	"testing"
)

func TestSlotPoolReusesFreedIndices(t *testing.T) {
	p := newSlotPool(8)
	a, _ := p.alloc()
	b, _ := p.alloc()
	c, _ := p.alloc()
	if a.index != 0 || b.index != 1 || c.index != 2 {
		t.Fatalf("indices = %d %d %d, want 0 1 2", a.index, b.index, c.index)
	}

	p.retire(b)
	p.recycle(b.index)
	d, _ := p.alloc()
	if d.index != b.index {
		t.Errorf("alloc after free = %d, want reused index %d", d.index, b.index)
	}
	if d.gen == b.gen {
		t.Errorf("reused slot kept generation %d", d.gen)
	}
	if p.valid(b) {
		t.Error("stale handle still valid after reuse")
	}
	if !p.valid(d) {
		t.Error("new handle not valid")
	}
	if st := p.stats(); st.HighWater != 3 || st.Live != 3 || st.Peak != 3 {
		t.Errorf("stats = %+v, want high water 3, live 3, peak 3", st)
	}
}

func TestSlotPoolRetireBeforeRecycle(t *testing.T) {
	p := newSlotPool(1)
	h, _ := p.alloc()
	p.retire(h)
	if p.valid(h) {
		t.Error("retired handle still valid")
	}
	if _, ok := p.alloc(); ok {
		t.Fatal("alloc succeeded while the only slot is pending")
	}
	if st := p.stats(); st.Live != 0 || st.Pending != 1 {
		t.Errorf("stats = %+v, want live 0, pending 1", st)
	}
	p.recycle(h.index)
	if _, ok := p.alloc(); !ok {
		t.Error("alloc failed after recycle")
	}
}

func TestSlotPoolZeroHandle(t *testing.T) {
	p := newSlotPool(4)
	p.alloc()
	var zero handle
	if zero.IsValid() || p.valid(zero) {
		t.Error("zero handle is valid")
	}
	if zero.String() != "invalid" {
		t.Errorf("zero handle String() = %q", zero.String())
	}
}

// TestSlotPoolIndexProperty runs random create/destroy sequences and checks
// that live indices are unique and stay below the peak occupancy.
func TestSlotPoolIndexProperty(t *testing.T) {
	for seed := range uint64(20) {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		p := newSlotPool(64)
		var live []handle
		peak := 0

		for step := 0; step < 500; step++ {
			if len(live) == 0 || (len(live) < 64 && rng.IntN(3) > 0) {
				h, ok := p.alloc()
				if !ok {
					t.Fatalf("seed %d step %d: alloc failed with %d live", seed, step, len(live))
				}
				live = append(live, h)
				peak = max(peak, len(live))
			} else {
				i := rng.IntN(len(live))
				p.retire(live[i])
				p.recycle(live[i].index)
				live = append(live[:i], live[i+1:]...)
			}

			seen := make(map[uint32]bool, len(live))
			for _, h := range live {
				if seen[h.index] {
					t.Fatalf("seed %d step %d: index %d handed out twice", seed, step, h.index)
				}
				seen[h.index] = true
				if h.index >= p.next {
					t.Fatalf("seed %d step %d: index %d beyond high water %d", seed, step, h.index, p.next)
				}
			}
			if int(p.next) > peak {
				t.Fatalf("seed %d step %d: high water %d exceeds peak occupancy %d", seed, step, p.next, peak)
			}
		}
		if st := p.stats(); st.Peak != peak {
			t.Errorf("seed %d: stats peak = %d, want %d", seed, st.Peak, peak)
		}
	}
}
